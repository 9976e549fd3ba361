// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package diskinfo builds an in-memory model of a disk or partition from OS
// Adapter output: identity, geometry, partition-table kind and an ordered
// partition list. This mirrors the BlockDevice tree the teacher built from
// lsblk's JSON output, trimmed down to the read-only identity model a clone
// job needs instead of the teacher's install-time partitioning model.
package diskinfo

import (
	"sort"

	"github.com/google/uuid"
)

// PartTableKind identifies the partition-table format of a disk
type PartTableKind int

const (
	// PartTableNone means the disk carries no partition table
	PartTableNone PartTableKind = iota

	// PartTableMBR is a DOS/MBR partition table
	PartTableMBR

	// PartTableGPT is a GUID partition table
	PartTableGPT

	// PartTableUnknown means the table kind could not be determined
	PartTableUnknown
)

func (k PartTableKind) String() string {
	switch k {
	case PartTableNone:
		return ""
	case PartTableMBR:
		return "dos"
	case PartTableGPT:
		return "gpt"
	default:
		return "unknown"
	}
}

// parsePartTableKind maps the sfdisk/lsblk PTTYPE token to a PartTableKind
func parsePartTableKind(token string) PartTableKind {
	switch token {
	case "dos", "mbr":
		return PartTableMBR
	case "gpt":
		return PartTableGPT
	case "":
		return PartTableNone
	default:
		return PartTableUnknown
	}
}

// Kind distinguishes a Disk from a Partition DiskRef
type Kind int

const (
	// KindDisk identifies a DiskRef as a whole disk
	KindDisk Kind = iota

	// KindPartition identifies a DiskRef as a single partition opened directly
	KindPartition
)

// oneMiB is the boundary spec.md uses to decide whether the Head scope
// double-captures bytes that belong to the first partition
const oneMiB = 1 << 20

// DiskRef identifies a disk-shaped object: either a whole disk or a single
// partition addressed directly (e.g. /dev/sdb5).
type DiskRef struct {
	Kind        Kind
	Path        string // kernel node path, e.g. /dev/sda
	Name        string // kname, e.g. sda
	Model       string
	Serial      string
	Transport   string
	Removable   bool
	ReadOnly    bool
	TotalSize   int64
	PartTable   PartTableKind
	Partitions  []*PartitionRef
}

// PartitionRef describes one partition belonging to a DiskRef
type PartitionRef struct {
	DiskName       string // owning disk's Name
	Index          int    // 1-based kernel partition index
	Path           string
	Name           string
	Start          int64
	Length         int64
	TypeCode       string // MBR numeric type, or GPT type GUID string
	FileSystem     string
	GUIDType       uuid.UUID
	Extended       bool
	ReadOnly       bool
	MountPoint     string
	UsedBytes      int64 // -1 if unrecognized filesystem
	PartitionLabel string
	FilesystemName string
}

// End returns the partition's inclusive end offset: start+length-1
func (p *PartitionRef) End() int64 {
	return p.Start + p.Length - 1
}

// Mounted reports whether the partition is currently mounted
func (p *PartitionRef) Mounted() bool {
	return p.MountPoint != ""
}

// InvalidGUIDType is the zero-value GUID used for partitions that carry no
// GPT type (MBR partitions, or the GUID couldn't be determined)
var InvalidGUIDType uuid.UUID

// unknownFilesystem is the used-bytes sentinel for an unrecognized filesystem
const unknownFilesystem = -1

// fullyUnknown reports whether a partition carries no identifying
// information at all: unknown type code, unrecognized filesystem and no GPT
// type GUID. Per spec.md §3 such partitions are skipped entirely on read.
func (p *PartitionRef) fullyUnknown() bool {
	return p.TypeCode == "" && p.FileSystem == "" && p.GUIDType == InvalidGUIDType
}

// Cloneable reports whether the partition should participate in a clone:
// extended partitions and fully-unknown partitions are excluded per spec.md §3.
func (p *PartitionRef) Cloneable() bool {
	if p.Extended {
		return false
	}
	return !p.fullyUnknown()
}

// HasHead reports whether the Head scope is available for read on this disk:
// only disks with a partition table, and only when capturing [0, 1MiB) will
// not double-capture bytes belonging to the first partition.
func (d *DiskRef) HasHead() bool {
	if d.Kind != KindDisk || d.PartTable == PartTableNone {
		return false
	}

	if len(d.Partitions) == 0 {
		return true
	}

	return d.Partitions[0].Start >= oneMiB
}

// MaxReadableSize is the largest contiguous end offset: for a Disk, the last
// partition's end+1; for a Partition, its own size.
func (d *DiskRef) MaxReadableSize() int64 {
	if d.Kind == KindPartition {
		return d.TotalSize
	}

	if len(d.Partitions) == 0 {
		return d.TotalSize
	}

	last := d.Partitions[len(d.Partitions)-1]
	return last.End() + 1
}

// TotalReadableSize sums the readable scopes whose size is known up front:
// the Head (1 MiB, when HasHead) and every cloneable partition's length.
// The partition-table dump is not included, since its exact byte length
// isn't known without probing the tool; Head and partition payloads
// dominate progress accounting.
func (d *DiskRef) TotalReadableSize() int64 {
	var total int64

	if d.HasHead() {
		total += oneMiB
	}

	for _, p := range d.Partitions {
		if p.Cloneable() {
			total += p.Length
		}
	}

	return total
}

// ByStart sorts partitions by ascending start offset, matching the
// disk's on-wire ordering invariant.
type ByStart []*PartitionRef

func (s ByStart) Len() int           { return len(s) }
func (s ByStart) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s ByStart) Less(i, j int) bool { return s[i].Start < s[j].Start }

// SortPartitions orders the disk's partitions by ascending start offset
func (d *DiskRef) SortPartitions() {
	sort.Sort(ByStart(d.Partitions))
}

// PartitionByIndex returns the partition with the given 1-based kernel
// index, or nil if it is not present.
func (d *DiskRef) PartitionByIndex(i int) *PartitionRef {
	for _, p := range d.Partitions {
		if p.Index == i {
			return p
		}
	}
	return nil
}
