// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package process provides external process execution and inter-process
synchronization for anchorops.

# Overview

  - Manager: abstracts os/exec so collaborators (compose CLI, database dump
    tools, certbot, the web tier's admin commands) can be mocked in tests
  - Lock: flock-based lock preventing two mutating anchorops runs at once

# Manager

	pm := process.NewDefaultManager()
	stdout, stderr, code, err := pm.RunInDir(ctx, stackDir, nil, "docker", "compose", "ps")

RunInDir reports a non-zero exit through the exit code, not the error; the
error is reserved for failures to start the process or context expiry, so
callers can tell "ran and failed" apart from "could not run".

# Lock

	lock := process.NewLock(process.LockConfig{LockDir: stateDir, LockName: "anchorops"})
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()

# Limitations

  - Lock is advisory and requires flock(2) support from the filesystem
*/
package process
