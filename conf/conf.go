// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package conf resolves dim's environment-driven configuration: the buffer
// size used to pump scope bytes, the log file destination, and whether the
// terminal progress loop is disabled. Values follow the same
// lookup-with-a-default pattern the teacher used for its install descriptor
// and bundle list files.
package conf

import (
	"os"
	"strconv"

	"github.com/clearlinux/dim/errors"
)

const (
	// DefaultLogFile is used when DIM_LOG_FILE is unset
	DefaultLogFile = "/var/log/dim.log"

	// DefaultBufferSize is the byte count passed to partclone's -z flag and
	// used as the pump buffer size when neither is overridden
	DefaultBufferSize = 1 << 20 // 1 MiB, per spec.md's recommended pump size

	// MinBufferSize is the smallest buffer size dim will honor
	MinBufferSize = 4096

	// envBufferSize selects the scope-pump buffer size
	envBufferSize = "DIM_BUFFER_SIZE"

	// envLogFile selects the log output file
	envLogFile = "DIM_LOG_FILE"

	// envDisableLoop disables the terminal progress loop rendering
	envDisableLoop = "DIM_DISABLE_LOOP"
)

// LookupLogFile returns the configured log file path, DIM_LOG_FILE if set,
// otherwise DefaultLogFile.
func LookupLogFile() string {
	if f := os.Getenv(envLogFile); f != "" {
		return f
	}

	return DefaultLogFile
}

// LookupBufferSize returns the configured scope-pump buffer size in bytes.
// An unset DIM_BUFFER_SIZE yields DefaultBufferSize; a value that does not
// parse as an integer, or is smaller than MinBufferSize, is an error.
func LookupBufferSize() (int, error) {
	raw := os.Getenv(envBufferSize)
	if raw == "" {
		return DefaultBufferSize, nil
	}

	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Errorf("invalid %s value %q: %v", envBufferSize, raw, err)
	}

	if size < MinBufferSize {
		return 0, errors.Errorf("%s must be at least %d bytes, got %d", envBufferSize, MinBufferSize, size)
	}

	return size, nil
}

// LoopDisabled reports whether DIM_DISABLE_LOOP requests the terminal
// progress loop rendering be skipped (used by headless/scripted callers).
func LoopDisabled() bool {
	return os.Getenv(envDisableLoop) != ""
}
