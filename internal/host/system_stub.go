// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux

package host

import (
	"errors"
)

func kernelRelease() string { return "" }

// DiskUsage is unavailable off linux; metrics simply omit disk fields.
func DiskUsage(string) (uint64, uint64, error) {
	return 0, 0, errors.New("disk usage not supported on this platform")
}
