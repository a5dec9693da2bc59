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
	"errors"
	"os"

	"github.com/AleutianAI/anchorops/cmd/anchorops/config"
	"github.com/AleutianAI/anchorops/cmd/anchorops/internal/infra/process"
	"github.com/AleutianAI/anchorops/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes. Scripts wrapping anchorops rely on these.
const (
	exitFailure = 1
	exitConfig  = 2
	exitBusy    = 3
)

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		ux.NewPrinter(os.Stdout, os.Stderr).Error(err.Error())
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var held *process.LockHeldError
	switch {
	case errors.As(err, &held):
		return exitBusy
	case errors.Is(err, config.ErrCreatedDefault), errors.Is(err, config.ErrInvalidConfig):
		return exitConfig
	default:
		return exitFailure
	}
}
