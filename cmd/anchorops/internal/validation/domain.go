// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"net"
	"strings"

	"github.com/go-playground/validator/v10"
)

// reservedTLDs cannot receive publicly trusted certificates.
var reservedTLDs = []string{"local", "test", "example", "invalid", "localhost"}

var validate = validator.New()

// CertificateDomainRejections returns every reason domain cannot be used for
// certificate issuance. An empty result means the domain is eligible.
//
// # Description
//
// Rejects loopback and localhost forms, reserved TLD suffixes, IP literals,
// single-label hostnames, wildcards and anything that is not a syntactically
// valid FQDN. The reasons are meant to be shown to the operator verbatim.
//
// # Examples
//
//	CertificateDomainRejections("ta.example.org") // nil
//	CertificateDomainRejections("foo.local")      // ["reserved TLD \".local\" ..."]
func CertificateDomainRejections(domain string) []string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimSuffix(d, ".")

	if d == "" {
		return []string{"domain is empty"}
	}

	var reasons []string

	host := strings.TrimSuffix(strings.TrimPrefix(d, "["), "]")
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			reasons = append(reasons, "loopback address")
		}
		reasons = append(reasons, "IP literal; certificates are issued for hostnames only")
		return reasons
	}

	if d == "localhost" || strings.HasSuffix(d, ".localhost") || strings.HasPrefix(d, "localhost.") {
		reasons = append(reasons, "localhost form")
	}
	if strings.Contains(d, "*") {
		reasons = append(reasons, "wildcard domains need a DNS challenge, not supported")
	}

	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		reasons = append(reasons, "single-label hostname (no dot)")
	} else {
		tld := labels[len(labels)-1]
		for _, reserved := range reservedTLDs {
			if tld == reserved {
				reasons = append(reasons, "reserved TLD \"."+tld+"\" is not publicly resolvable")
				break
			}
		}
	}

	if len(reasons) == 0 {
		if err := validate.Var(d, "fqdn"); err != nil {
			reasons = append(reasons, "not a valid fully qualified domain name")
		}
	}
	return reasons
}

// IsEligibleCertificateDomain reports whether a certificate may be requested
// for domain.
func IsEligibleCertificateDomain(domain string) bool {
	return len(CertificateDomainRejections(domain)) == 0
}
