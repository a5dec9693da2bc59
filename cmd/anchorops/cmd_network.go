// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/oplog"
	"github.com/AleutianAI/anchorops/pkg/ux"
)

func runPeersRefresh(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.reconciler()
	if err != nil {
		return err
	}
	return a.operation(cmd.Context(), "peers-refresh", "target="+a.cfg.Target().String(), true,
		func(ctx context.Context) (outcome, error) {
			report, err := rec.ApplyPeerRefresh(ctx)
			if err != nil {
				return outcome{}, err
			}
			for _, w := range report.Warnings {
				a.out.Warning(w)
			}
			a.out.Status(ux.IconSuccess, "peers", fmt.Sprintf("%d persisted to %s", len(report.Peers), a.cfg.Network.PeerFile))
			if report.Identity != "" {
				a.out.Status(ux.IconSuccess, "identity", report.Identity)
			}
			detail := fmt.Sprintf("peers=%d", len(report.Peers))
			switch {
			case report.Restarted && report.StaleCache:
				a.out.WarningBox("Peer cache kept", report.Message)
				return outcome{status: oplog.StatusPartial, detail: detail + " restarted; stale peer cache kept"}, nil
			case report.Restarted:
				a.out.Success("Node restarted with the new peer list.")
				return outcome{detail: detail + " restarted"}, nil
			case report.Deferred:
				a.out.WarningBox("Restart pending", report.Message)
				return outcome{status: oplog.StatusPartial, detail: joinNonEmpty(detail, report.Message)}, nil
			default:
				return outcome{detail: detail}, nil
			}
		})
}

func runPeersIdentity(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.reconciler()
	if err != nil {
		return err
	}
	return a.operation(cmd.Context(), "peers-identity", "", true, func(ctx context.Context) (outcome, error) {
		identity, err := rec.ReconcileRegistryContact(ctx)
		if err != nil {
			return outcome{}, err
		}
		a.out.Status(ux.IconSuccess, a.cfg.Network.ContactKey, identity)
		return outcome{detail: identity}, nil
	})
}
