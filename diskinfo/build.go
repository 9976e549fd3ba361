// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package diskinfo

import (
	"encoding/json"

	"github.com/clearlinux/dim/errors"
	"github.com/google/uuid"
)

// lsblkDevice mirrors one entry of `lsblk -J -b -O`'s blockdevices array,
// restricted to the fields the disk model needs. The teacher's BlockDevice
// parsed this shape out of the same tool for its install-time partitioning
// model; here it only feeds a read-only identity snapshot.
type lsblkDevice struct {
	Name       string        `json:"name"`
	KName      string        `json:"kname"`
	PKName     string        `json:"pkname"`
	Size       jsonInt64     `json:"size"`
	Type       string        `json:"type"`
	ReadOnly   jsonBool      `json:"ro"`
	Removable  jsonBool      `json:"rm"`
	Transport  string        `json:"tran"`
	Serial     string        `json:"serial"`
	Model      string        `json:"model"`
	PartUUID   string        `json:"partuuid"`
	PartType   string        `json:"parttype"`
	PartTypeNm string        `json:"partlabel"`
	PartTable  string        `json:"pttype"`
	FsType     string        `json:"fstype"`
	MountPoint string        `json:"mountpoint"`
	Start      jsonInt64     `json:"start"`
	Children   []lsblkDevice `json:"children"`
}

// jsonInt64 and jsonBool tolerate lsblk's mix of quoted and unquoted
// numeric/boolean fields across util-linux versions.
type jsonInt64 int64

func (n *jsonInt64) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	var v int64
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return err
	}
	*n = jsonInt64(v)
	return nil
}

type jsonBool bool

func (b *jsonBool) UnmarshalJSON(raw []byte) error {
	s := string(raw)
	switch s {
	case `"1"`, "true", `"true"`:
		*b = true
	default:
		*b = false
	}
	return nil
}

// lsblkDescriptor is the top-level shape lsblk -J emits
type lsblkDescriptor struct {
	BlockDevices []lsblkDevice `json:"blockdevices"`
}

// ParseLsblkJSON decodes the raw output of `lsblk -J -b -O` into device
// records, following the same top-level "blockdevices" envelope the teacher
// parsed in its block device enumerator.
func ParseLsblkJSON(data []byte) ([]lsblkDevice, error) {
	var desc lsblkDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errors.Wrap(err)
	}
	return desc.BlockDevices, nil
}

// BuildDiskRef builds a DiskRef from one lsblk device record and its
// already-probed partition-table kind token, per spec.md §4.2:
//   - pkname empty => Disk, else Partition
//   - children deduplicated by partuuid, sorted by start offset
//   - a partition, or a disk with no known partition table, gets a
//     synthetic single-child partition built from the record itself
func BuildDiskRef(dev lsblkDevice, ptToken string) *DiskRef {
	ref := &DiskRef{
		Path:      "/dev/" + dev.KName,
		Name:      dev.KName,
		Model:     dev.Model,
		Serial:    dev.Serial,
		Transport: dev.Transport,
		Removable: bool(dev.Removable),
		ReadOnly:  bool(dev.ReadOnly) || dev.Type == "rom",
		TotalSize: int64(dev.Size),
		PartTable: parsePartTableKind(ptToken),
	}

	if dev.PKName == "" {
		ref.Kind = KindDisk
	} else {
		ref.Kind = KindPartition
	}

	switch {
	case ref.Kind == KindPartition:
		ref.Partitions = []*PartitionRef{partitionFromRecord(dev, ref.Name, 1)}
	case ref.PartTable == PartTableNone || ref.PartTable == PartTableUnknown:
		ref.Partitions = []*PartitionRef{partitionFromRecord(dev, ref.Name, 1)}
	default:
		ref.Partitions = dedupeAndBuildChildren(dev.Children, ref.Name)
	}

	ref.SortPartitions()

	return ref
}

func dedupeAndBuildChildren(children []lsblkDevice, diskName string) []*PartitionRef {
	seen := map[string]bool{}
	partitions := make([]*PartitionRef, 0, len(children))

	fallback := 1
	for _, child := range children {
		key := child.PartUUID
		if key == "" {
			key = child.KName
		}
		if seen[key] {
			continue
		}
		seen[key] = true

		index, ok := partitionIndexFromName(child.KName)
		if !ok {
			index = fallback
		}
		fallback = index + 1

		partitions = append(partitions, partitionFromRecord(child, diskName, index))
	}

	return partitions
}

// partitionIndexFromName extracts the trailing numeric kernel partition
// index from a device name, e.g. "sda3" -> 3, "nvme0n1p12" -> 12, mirroring
// osadapter's partitionIndexNumber so a disk with a numbering gap (a
// deleted sda2 leaving sda1/sda3) keeps its partitions addressed by their
// real kernel index instead of a dense 1..N dedup counter.
func partitionIndexFromName(kname string) (int, bool) {
	i := len(kname)
	for i > 0 && kname[i-1] >= '0' && kname[i-1] <= '9' {
		i--
	}
	if i == len(kname) {
		return 0, false
	}

	n := 0
	for _, c := range kname[i:] {
		n = n*10 + int(c-'0')
	}
	return n, true
}

func partitionFromRecord(dev lsblkDevice, diskName string, index int) *PartitionRef {
	used := int64(unknownFilesystem)
	if dev.FsType != "" {
		used = 0 // actual usage is filled in by the OS Adapter's filesystem probe
	}

	guidType := InvalidGUIDType
	if dev.PartType != "" {
		if g, err := uuid.Parse(dev.PartType); err == nil {
			guidType = g
		}
	}

	return &PartitionRef{
		DiskName:       diskName,
		Index:          index,
		Path:           "/dev/" + dev.KName,
		Name:           dev.KName,
		Start:          int64(dev.Start) * 512,
		Length:         int64(dev.Size),
		TypeCode:       dev.PartType,
		FileSystem:     dev.FsType,
		GUIDType:       guidType,
		Extended:       isExtendedType(dev.PartType),
		ReadOnly:       bool(dev.ReadOnly),
		MountPoint:     dev.MountPoint,
		UsedBytes:      used,
		PartitionLabel: dev.PartTypeNm,
		FilesystemName: dev.FsType,
	}
}

// isExtendedType reports whether an MBR partition type code identifies an
// extended partition container (0x05, 0x0f, 0x85)
func isExtendedType(typeCode string) bool {
	switch typeCode {
	case "0x5", "0x05", "0xf", "0x0f", "0x85":
		return true
	default:
		return false
	}
}
