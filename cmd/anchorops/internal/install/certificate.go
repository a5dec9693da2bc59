// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package install

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/validation"
)

// CertificateExpiry reads the leaf certificate in path and returns its
// NotAfter.
func CertificateExpiry(path string) (time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return time.Time{}, err
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return time.Time{}, fmt.Errorf("%s: no PEM certificate", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %w", path, err)
	}
	return cert.NotAfter, nil
}

func (o *Orchestrator) certificatePath() string {
	if o.settings.CertDir == "" {
		return ""
	}
	return filepath.Join(o.settings.CertDir, o.settings.Domain, "fullchain.pem")
}

func (o *Orchestrator) checkCertificate(ctx context.Context) (bool, error) {
	path := o.certificatePath()
	if path == "" {
		return false, nil
	}
	notAfter, err := CertificateExpiry(path)
	if err != nil {
		return false, nil
	}
	return time.Until(notAfter) > o.settings.CertRenewBefore, nil
}

// runCertificate gates on domain eligibility, then issues through certbot in
// standalone mode with the proxy stopped so port 80 is free.
func (o *Orchestrator) runCertificate(ctx context.Context) (string, error) {
	domain := o.settings.Domain
	if reasons := validation.CertificateDomainRejections(domain); len(reasons) > 0 {
		why := strings.Join(reasons, "; ")
		if o.settings.Tier == validation.TierProduction {
			return "", fmt.Errorf("%w: %q: %s", ErrIneligibleDomain, domain, why)
		}
		return "", skip("no certificate for %q: %s", domain, why)
	}

	cmd := []string{"certbot", "certonly", "--standalone", "--non-interactive",
		"--agree-tos", "--keep-until-expiring", "-d", domain}
	if o.settings.Email != "" {
		cmd = append(cmd, "--email", o.settings.Email)
	} else {
		cmd = append(cmd, "--register-unsafely-without-email")
	}

	rt := o.deps.Runtime
	proxyUp, err := rt.IsRunning(ctx, infra.ServiceProxy)
	if err != nil {
		return "", err
	}
	if proxyUp {
		if err := rt.Stop(ctx, infra.ServiceProxy); err != nil {
			return "", err
		}
	}
	issueErr := o.issue(ctx, cmd)
	if proxyUp {
		if err := rt.Start(ctx, infra.ServiceProxy); err != nil {
			issueErr = errors.Join(issueErr, fmt.Errorf("restarting proxy: %w", err))
		}
	}
	if issueErr != nil {
		return "", issueErr
	}

	path := o.certificatePath()
	if path == "" {
		return "certificate issued for " + domain, nil
	}
	notAfter, err := CertificateExpiry(path)
	if err != nil {
		return "", fmt.Errorf("certbot succeeded but the certificate is unreadable: %w", err)
	}
	return fmt.Sprintf("certificate for %s valid until %s (%s)",
		domain, notAfter.Format("2006-01-02"), humanize.Time(notAfter)), nil
}

func (o *Orchestrator) issue(ctx context.Context, cmd []string) error {
	if err := o.deps.Runtime.Start(ctx, infra.ServiceCertbot); err != nil {
		return err
	}
	return o.exec(ctx, infra.ServiceCertbot, cmd, nil)
}
