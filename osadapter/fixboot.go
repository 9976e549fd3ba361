// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package osadapter

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/clearlinux/dim/cmd"
	"github.com/clearlinux/dim/dimerrors"
	"github.com/google/uuid"
)

// DistroFingerprint identifies one recognized Linux distribution by a file
// that must exist under a mounted root and the loader config path that may
// need post-clone adjustment. Per spec.md §9's open question, the
// fingerprint table is a pluggable slice rather than a hardcoded check, so
// new distributions can be added without touching the Fix_Boot logic.
type DistroFingerprint struct {
	Name           string
	MarkerFile     string // path relative to the mounted root that must exist
	LoaderConfPath string // loader config path relative to the mounted root; nothing in dim rewrites it
}

// DefaultFingerprints is the built-in distribution fingerprint table.
// Extend by appending; Fix_Boot tries each in order and stops at the
// first match.
var DefaultFingerprints = []DistroFingerprint{
	{Name: "Clear Linux", MarkerFile: "usr/lib/os-release", LoaderConfPath: "boot/loader/loader.conf"},
	{Name: "Fedora", MarkerFile: "etc/fedora-release", LoaderConfPath: "boot/grub2/grub.cfg"},
	{Name: "Debian", MarkerFile: "etc/debian_version", LoaderConfPath: "boot/grub/grub.cfg"},
}

// DetectDistribution reports the first fingerprint whose marker file exists
// under root, or nil if none matched.
func DetectDistribution(root string, table []DistroFingerprint) *DistroFingerprint {
	for i := range table {
		if _, err := os.Stat(filepath.Join(root, table[i].MarkerFile)); err == nil {
			return &table[i]
		}
	}
	return nil
}

// ResetPartitionUUID assigns a fresh filesystem UUID to partitionPath using
// the appropriate tune tool selected by filesystem kind. Best-effort: per
// spec.md §4.5 a Fix_Boot failure downgrades to a warning, never fails the
// job, so callers log the error rather than propagate it as fatal.
func (a *Adapter) ResetPartitionUUID(partitionPath, fsType string) error {
	newUUID := uuid.New().String()

	var tool string
	var args []string

	switch fsType {
	case "ext2", "ext3", "ext4":
		tool = "tune2fs"
		args = []string{"-U", newUUID, partitionPath}
	case "xfs":
		tool = "xfs_admin"
		args = []string{"-U", "generate", partitionPath}
	case "btrfs":
		tool = "btrfstune"
		args = []string{"-u", partitionPath}
	case "vfat":
		tool = "fatlabel"
		args = []string{"-i", "-r", partitionPath}
	default:
		return dimerrors.New(dimerrors.NotSupported, "no UUID reset tool known for filesystem %q", fsType)
	}

	if err := requireTool(tool); err != nil {
		return err
	}

	var out bytes.Buffer
	if err := cmd.Run(&out, tool, args...); err != nil {
		return toolFailed(tool, err, out.String())
	}

	return nil
}

// TemporaryMountDir creates a mount point directory under os.TempDir,
// mounts devicePath there and returns the path plus a cleanup function that
// unmounts and removes it. The mount is released on every exit path,
// matching spec.md §5's "released on scope end and on job end under all
// exit paths" requirement.
func (a *Adapter) TemporaryMountDir(devicePath, fsType string, readOnly bool) (string, func(), error) {
	dir, err := ioutil.TempDir("", "dim-mount")
	if err != nil {
		return "", nil, dimerrors.New(dimerrors.Io, "could not create temporary mount dir: %v", err)
	}

	cleanup := func() {
		_ = a.Unmount(devicePath)
		_ = os.RemoveAll(dir)
	}

	if err := a.Mount(devicePath, dir, fsType, readOnly); err != nil {
		_ = os.RemoveAll(dir)
		return "", nil, err
	}

	return dir, cleanup, nil
}
