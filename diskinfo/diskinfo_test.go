// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package diskinfo

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

func sampleDisk() *DiskRef {
	return &DiskRef{
		Kind:      KindDisk,
		Path:      "/dev/sda",
		Name:      "sda",
		TotalSize: 10 * oneMiB,
		PartTable: PartTableGPT,
		Partitions: []*PartitionRef{
			{DiskName: "sda", Index: 1, Start: oneMiB, Length: 4 * oneMiB, FileSystem: "ext4",
				GUIDType: uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")},
			{DiskName: "sda", Index: 2, Start: 5 * oneMiB, Length: 4 * oneMiB, FileSystem: "ext4"},
		},
	}
}

func TestHasHead(t *testing.T) {
	d := sampleDisk()
	if !d.HasHead() {
		t.Fatal("expected HasHead() true when first partition starts at 1MiB")
	}

	d.Partitions[0].Start = 512
	if d.HasHead() {
		t.Fatal("expected HasHead() false when first partition starts below 1MiB")
	}

	d.PartTable = PartTableNone
	d.Partitions[0].Start = oneMiB
	if d.HasHead() {
		t.Fatal("expected HasHead() false with no partition table")
	}
}

func TestMaxReadableSize(t *testing.T) {
	d := sampleDisk()

	want := d.Partitions[1].End() + 1
	if got := d.MaxReadableSize(); got != want {
		t.Fatalf("MaxReadableSize() = %d, want %d", got, want)
	}

	p := &DiskRef{Kind: KindPartition, TotalSize: 42}
	if got := p.MaxReadableSize(); got != 42 {
		t.Fatalf("MaxReadableSize() for partition = %d, want 42", got)
	}
}

func TestCloneable(t *testing.T) {
	ext := &PartitionRef{Extended: true}
	if ext.Cloneable() {
		t.Fatal("extended partition should not be Cloneable()")
	}

	unknown := &PartitionRef{}
	if unknown.Cloneable() {
		t.Fatal("fully unknown partition should not be Cloneable()")
	}

	known := &PartitionRef{FileSystem: "ext4"}
	if !known.Cloneable() {
		t.Fatal("partition with a recognized filesystem should be Cloneable()")
	}
}

func TestSortPartitions(t *testing.T) {
	d := &DiskRef{
		Partitions: []*PartitionRef{
			{Index: 2, Start: 100},
			{Index: 1, Start: 10},
		},
	}

	d.SortPartitions()

	if d.Partitions[0].Start != 10 || d.Partitions[1].Start != 100 {
		t.Fatal("SortPartitions() should order by ascending Start")
	}
}

func TestPartitionByIndex(t *testing.T) {
	d := sampleDisk()

	if p := d.PartitionByIndex(2); p == nil || p.Index != 2 {
		t.Fatal("PartitionByIndex(2) should return the second partition")
	}

	if p := d.PartitionByIndex(9); p != nil {
		t.Fatal("PartitionByIndex(9) should return nil for a missing index")
	}
}

// jsonRoundTripOpts scopes the diff to the fields the JsonInfo wire schema
// actually carries: PartitionLabel and FilesystemName have no place in
// diskInfoJSON/partitionJSON and so don't survive ToJSON/FromJSON.
var jsonRoundTripOpts = cmp.Options{
	cmpopts.IgnoreFields(PartitionRef{}, "PartitionLabel", "FilesystemName"),
}

func TestJSONRoundTrip(t *testing.T) {
	d := sampleDisk()

	data, err := d.ToJSON(20 * oneMiB)
	if err != nil {
		t.Fatalf("ToJSON() error: %v", err)
	}

	back, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON() error: %v", err)
	}

	if diff := cmp.Diff(d, back, jsonRoundTripOpts); diff != "" {
		t.Fatalf("round-tripped disk mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildDiskRefSyntheticPartition(t *testing.T) {
	dev := lsblkDevice{
		Name:   "sdb5",
		KName:  "sdb5",
		PKName: "sdb",
		Size:   1024,
		FsType: "ext4",
	}

	ref := BuildDiskRef(dev, "")

	if ref.Kind != KindPartition {
		t.Fatalf("expected KindPartition, got %v", ref.Kind)
	}

	if len(ref.Partitions) != 1 {
		t.Fatalf("expected one synthetic partition, got %d", len(ref.Partitions))
	}

	if ref.Partitions[0].Length != 1024 {
		t.Fatalf("synthetic partition length = %d, want 1024", ref.Partitions[0].Length)
	}
}

func TestBuildDiskRefDedupesChildren(t *testing.T) {
	dev := lsblkDevice{
		Name:      "sda",
		KName:     "sda",
		PartTable: "gpt",
		Children: []lsblkDevice{
			{KName: "sda1", PartUUID: "uuid-1", Start: 2048, Size: 2048},
			{KName: "sda1", PartUUID: "uuid-1", Start: 2048, Size: 2048},
			{KName: "sda2", PartUUID: "uuid-2", Start: 4096, Size: 2048},
		},
	}

	ref := BuildDiskRef(dev, "gpt")

	if len(ref.Partitions) != 2 {
		t.Fatalf("expected dedup to leave 2 partitions, got %d", len(ref.Partitions))
	}
}

func TestBuildDiskRefKeepsRealIndexAcrossGap(t *testing.T) {
	dev := lsblkDevice{
		Name:      "sda",
		KName:     "sda",
		PartTable: "gpt",
		Children: []lsblkDevice{
			{KName: "sda1", PartUUID: "uuid-1", Start: 2048, Size: 2048},
			// sda2 was deleted; sda3 keeps its real kernel index
			{KName: "sda3", PartUUID: "uuid-3", Start: 4096, Size: 2048},
		},
	}

	ref := BuildDiskRef(dev, "gpt")

	if len(ref.Partitions) != 2 {
		t.Fatalf("expected 2 partitions, got %d", len(ref.Partitions))
	}
	if ref.Partitions[0].Index != 1 || ref.Partitions[1].Index != 3 {
		t.Fatalf("expected indexes 1 and 3, got %d and %d", ref.Partitions[0].Index, ref.Partitions[1].Index)
	}
}

func TestPartitionIndexFromName(t *testing.T) {
	tests := []struct {
		name   string
		want   int
		wantOk bool
	}{
		{"sda3", 3, true},
		{"nvme0n1p12", 12, true},
		{"sda", 0, false},
	}

	for _, tt := range tests {
		got, ok := partitionIndexFromName(tt.name)
		if ok != tt.wantOk {
			t.Fatalf("partitionIndexFromName(%q) ok = %v, want %v", tt.name, ok, tt.wantOk)
		}
		if ok && got != tt.want {
			t.Fatalf("partitionIndexFromName(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}
