// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package serialurl parses and resolves serial:// device references, the
// survives-a-reboot counterpart to a raw kernel device path. A kernel path
// like /dev/sda can be reassigned to a different physical disk across a
// reboot or a hot-plug event; a serial number cannot, so dim accepts
// serial://<disk-serial>[/<partition-index>] anywhere a device path is
// accepted and resolves it at use time, mirroring the original source's
// parseSerialUrl/toSerialUrl helpers.
package serialurl

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/clearlinux/dim/diskinfo"
	"github.com/clearlinux/dim/dimerrors"
)

// Scheme is the URL scheme recognized by Parse
const Scheme = "serial"

// Ref is a parsed serial:// reference: a disk serial number and an
// optional 1-based partition index (0 means "the whole disk").
type Ref struct {
	Serial         string
	PartitionIndex int
}

// String renders ref back to its serial:// form
func (ref Ref) String() string {
	if ref.PartitionIndex == 0 {
		return fmt.Sprintf("serial://%s", ref.Serial)
	}
	return fmt.Sprintf("serial://%s/%d", ref.Serial, ref.PartitionIndex)
}

// Looks reports whether s has the serial:// scheme, without fully parsing it
func Looks(s string) bool {
	return strings.HasPrefix(s, Scheme+"://")
}

// Parse decodes a serial://<disk-serial>[/<partition-index>] string. The
// serial component is parsed as the URL's host by net/url, so characters
// that are special in a URL authority (such as '/', '?', '#', '@', '%' or a
// space) are not carried through as part of the serial.
func Parse(s string) (Ref, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Ref{}, dimerrors.New(dimerrors.Invalid, "malformed serial url %q: %v", s, err)
	}
	if u.Scheme != Scheme {
		return Ref{}, dimerrors.New(dimerrors.Invalid, "not a serial url: %q", s)
	}

	serial := u.Host
	path := strings.Trim(u.Path, "/")

	if serial == "" {
		return Ref{}, dimerrors.New(dimerrors.Invalid, "serial url %q is missing a serial number", s)
	}

	if path == "" {
		return Ref{Serial: serial}, nil
	}

	index, err := strconv.Atoi(path)
	if err != nil || index <= 0 {
		return Ref{}, dimerrors.New(dimerrors.Invalid, "serial url %q has an invalid partition index %q", s, path)
	}

	return Ref{Serial: serial, PartitionIndex: index}, nil
}

// Resolver is the subset of osadapter.Adapter's behavior Resolve needs,
// kept narrow so callers can substitute a fake in tests.
type Resolver interface {
	FindDiskBySerial(serial string) (*diskinfo.DiskRef, error)
}

// Resolve turns a serial:// reference into the disk it currently refers to
// and, if the reference named a partition, that partition within it. The
// caller combines the result's kernel path(s) the same way it would have
// used a literal /dev/sdX argument.
func Resolve(resolver Resolver, ref Ref) (disk *diskinfo.DiskRef, partition *diskinfo.PartitionRef, err error) {
	disk, err = resolver.FindDiskBySerial(ref.Serial)
	if err != nil {
		return nil, nil, err
	}

	if ref.PartitionIndex == 0 {
		return disk, nil, nil
	}

	partition = disk.PartitionByIndex(ref.PartitionIndex)
	if partition == nil {
		return nil, nil, dimerrors.New(dimerrors.Invalid, "disk with serial %q has no partition %d", ref.Serial, ref.PartitionIndex)
	}

	return disk, partition, nil
}

// ResolvePath is a convenience wrapper returning just the kernel path dim
// should operate on: the disk's own path, or a partition's, per ref.
func ResolvePath(resolver Resolver, s string) (string, error) {
	ref, err := Parse(s)
	if err != nil {
		return "", err
	}

	disk, partition, err := Resolve(resolver, ref)
	if err != nil {
		return "", err
	}

	if partition != nil {
		return partition.Path, nil
	}
	return disk.Path, nil
}
