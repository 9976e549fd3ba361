// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package osadapter shells out to platform utilities (lsblk, blkid,
// sfdisk, findmnt, partprobe) the way the teacher's cmd package shells
// out to lsblk, sfdisk and parted for install-time partitioning, and turns
// their output into typed results instead of raw stdout. Mounting and
// unmounting use the mount/unmount syscalls rather than the mount tools.
package osadapter

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/clearlinux/dim/cmd"
	"github.com/clearlinux/dim/dimerrors"
	"github.com/clearlinux/dim/diskinfo"
	"github.com/clearlinux/dim/log"
)

const (
	lsblkBinary     = "lsblk"
	sfdiskBinary    = "sfdisk"
	partprobeBinary = "partprobe"
	blkidBinary     = "blkid"

	// unmountAttempts bounds the retry loop for a busy unmount
	unmountAttempts = 5
	unmountBackoff  = 500 * time.Millisecond
)

// Adapter groups the OS Adapter operations behind an explicit value instead
// of free functions. It holds no state; the utility names it runs are fixed
// package constants.
type Adapter struct{}

// New returns an Adapter using the platform's standard utility names
func New() *Adapter {
	return &Adapter{}
}

// requireTool checks a utility is resolvable on PATH before it is shelled
// out to, turning "exec: \"foo\": not found" into a typed ToolMissing error.
func requireTool(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return dimerrors.New(dimerrors.ToolMissing, "required tool %q not found on PATH", name)
	}
	return nil
}

// EnumerateBlockDevices lists disks and partitions via lsblk -J -b -O,
// parsed into diskinfo.DiskRef records. An empty filter lists every device.
func (a *Adapter) EnumerateBlockDevices(filter []string) ([]*diskinfo.DiskRef, error) {
	if err := requireTool(lsblkBinary); err != nil {
		log.Warning("lsblk not available, returning empty device list")
		return nil, nil
	}

	args := []string{"--exclude", "1,2,11", "-J", "-b", "-O"}
	args = append(args, filter...)

	var out bytes.Buffer
	if err := cmd.Run(&out, lsblkBinary, args...); err != nil {
		return nil, toolFailed(lsblkBinary, err, out.String())
	}

	devices, err := diskinfo.ParseLsblkJSON(out.Bytes())
	if err != nil {
		return nil, err
	}

	refs := make([]*diskinfo.DiskRef, 0, len(devices))
	for _, dev := range devices {
		name := dev.KName
		ptToken, _ := a.PartitionTableKind("/dev/" + name)
		refs = append(refs, diskinfo.BuildDiskRef(dev, ptToken))
	}

	return refs, nil
}

// PartitionTableKind probes the partition-table kind of a disk via
// `lsblk -n -o PTTYPE`. An empty token maps to PartTableNone downstream.
func (a *Adapter) PartitionTableKind(devicePath string) (string, error) {
	if err := requireTool(lsblkBinary); err != nil {
		return "", err
	}

	var out bytes.Buffer
	if err := cmd.Run(&out, lsblkBinary, "-n", "-d", "-o", "PTTYPE", devicePath); err != nil {
		return "", toolFailed(lsblkBinary, err, out.String())
	}

	return strings.TrimSpace(out.String()), nil
}

// DumpPartitionTable captures the partition table via `sfdisk -d`
func (a *Adapter) DumpPartitionTable(devicePath string) ([]byte, error) {
	if err := requireTool(sfdiskBinary); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if err := cmd.Run(&out, sfdiskBinary, "-d", devicePath); err != nil {
		return nil, toolFailed(sfdiskBinary, err, out.String())
	}

	return out.Bytes(), nil
}

// ApplyPartitionTable writes a partition table dump back with
// `sfdisk <device> --no-reread`, piping the dump to stdin
func (a *Adapter) ApplyPartitionTable(devicePath string, dump []byte) error {
	if err := requireTool(sfdiskBinary); err != nil {
		return err
	}

	if err := cmd.PipeRunAndLog(string(dump), sfdiskBinary, devicePath, "--no-reread"); err != nil {
		return dimerrors.New(dimerrors.ToolFailed, "sfdisk failed to apply partition table to %s: %v", devicePath, err)
	}

	return nil
}

// MountPoint returns the mount point of a device, or "" if it isn't mounted
func (a *Adapter) MountPoint(devicePath string) string {
	var out bytes.Buffer
	if err := cmd.Run(&out, "findmnt", "-n", "-o", "TARGET", "--source", devicePath); err != nil {
		return ""
	}
	return strings.TrimSpace(out.String())
}

// Unmount unmounts devicePath, retrying a bounded number of times on
// EBUSY-like failures before reporting DeviceBusy per spec.md §4.1. It
// calls the unmount(2) syscall directly via golang.org/x/sys/unix rather
// than shelling to the umount binary, the way the teacher's storage package
// mounts and unmounts with raw syscalls instead of exec.
func (a *Adapter) Unmount(devicePath string) error {
	mountPoint := a.MountPoint(devicePath)
	if mountPoint == "" {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < unmountAttempts; attempt++ {
		if err := unix.Unmount(mountPoint, 0); err == nil {
			return nil
		} else {
			lastErr = err
			log.Debug("unmount %s failed (attempt %d/%d): %v", mountPoint, attempt+1, unmountAttempts, err)
		}

		time.Sleep(unmountBackoff)
	}

	return dimerrors.New(dimerrors.DeviceBusy, "could not unmount %s: %v", devicePath, lastErr)
}

// Mount mounts devicePath at target with the given filesystem type, via the
// mount(2) syscall directly rather than shelling to the mount binary.
func (a *Adapter) Mount(devicePath, target, fsType string, readOnly bool) error {
	var flags uintptr = unix.MS_RELATIME
	if readOnly {
		flags |= unix.MS_RDONLY
	}

	if err := unix.Mount(devicePath, target, fsType, flags, ""); err != nil {
		return dimerrors.New(dimerrors.Io, "mount %s at %s (%s): %v", devicePath, target, fsType, err)
	}

	return nil
}

// FilesystemUsage returns used and free bytes and the block size for a
// mounted or mountable partition. The filesystem kind is probed with
// `blkid`; exact byte accounting is read via statfs(2) on the mount point
// when the partition is already mounted, falling back to a filesystem-known
// acknowledgment with a conservative block size when it is not (the caller
// can mount via TemporaryMountDir and call this again for exact numbers).
func (a *Adapter) FilesystemUsage(partitionPath string) (used, free int64, blockSize int, err error) {
	if err = requireTool(blkidBinary); err != nil {
		return 0, 0, 0, err
	}

	var out bytes.Buffer
	if runErr := cmd.Run(&out, blkidBinary, "-o", "value", "-s", "TYPE", partitionPath); runErr != nil {
		return 0, 0, 0, dimerrors.New(dimerrors.Invalid, "could not determine filesystem of %s", partitionPath)
	}

	if strings.TrimSpace(out.String()) == "" {
		return 0, 0, 0, dimerrors.New(dimerrors.Invalid, "%s has no recognizable filesystem", partitionPath)
	}

	mountPoint := a.MountPoint(partitionPath)
	if mountPoint == "" {
		return 0, 0, 4096, nil
	}

	var stat unix.Statfs_t
	if statErr := unix.Statfs(mountPoint, &stat); statErr != nil {
		return 0, 0, 0, dimerrors.New(dimerrors.Io, "statfs %s: %v", mountPoint, statErr)
	}

	blockSize = int(stat.Bsize)
	free = int64(stat.Bfree) * int64(stat.Bsize)
	used = (int64(stat.Blocks) - int64(stat.Bfree)) * int64(stat.Bsize)

	return used, free, blockSize, nil
}

// Partprobe re-reads a disk's partition table with `partprobe`
func (a *Adapter) Partprobe(devicePath string) error {
	if err := requireTool(partprobeBinary); err != nil {
		return err
	}

	var out bytes.Buffer
	if err := cmd.Run(&out, partprobeBinary, devicePath); err != nil {
		return toolFailed(partprobeBinary, err, out.String())
	}

	return nil
}

func toolFailed(tool string, err error, stderr string) error {
	exitCode := 1
	if ee, ok := err.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
	}
	return dimerrors.ToolFailedError(tool, exitCode, stderr)
}

// DevicePartitionPath builds the kernel node path for partition index on
// diskPath, the inverse of partitionIndexNumber: disks whose base name
// already ends in a digit (nvme0n1, mmcblk0, loop0) need a "p" separator
// before the index, plain disks (sda) do not.
func DevicePartitionPath(diskPath string, index int) string {
	if n := len(diskPath); n > 0 && diskPath[n-1] >= '0' && diskPath[n-1] <= '9' {
		return fmt.Sprintf("%sp%d", diskPath, index)
	}
	return fmt.Sprintf("%s%d", diskPath, index)
}

// partitionIndexNumber extracts the trailing numeric partition index from a
// kernel device name, e.g. "sda12" -> 12, "nvme0n1p3" -> 3.
func partitionIndexNumber(devName string) (int, bool) {
	i := len(devName)
	for i > 0 && devName[i-1] >= '0' && devName[i-1] <= '9' {
		i--
	}
	if i == len(devName) {
		return 0, false
	}
	n, err := strconv.Atoi(devName[i:])
	if err != nil {
		return 0, false
	}
	return n, true
}
