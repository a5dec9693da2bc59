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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/oplog"
)

func runLog(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.oplog.Tail(logLines)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		a.out.Info("No operations recorded in " + a.oplog.Path())
		return nil
	}
	a.out.Table([]string{"TIME", "OPERATION", "STATUS", "DETAIL"}, logRows(entries))
	return nil
}

func logRows(entries []oplog.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Time.Local().Format(time.DateTime),
			e.Operation,
			string(e.Status),
			e.Detail,
		})
	}
	return rows
}
