// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package serialurl

import (
	"testing"

	"github.com/clearlinux/dim/diskinfo"
)

func TestLooks(t *testing.T) {
	if !Looks("serial://ABC123") {
		t.Fatal("expected serial:// prefix to be recognized")
	}
	if Looks("/dev/sda") {
		t.Fatal("did not expect a raw device path to look like a serial url")
	}
}

func TestParseDiskOnly(t *testing.T) {
	ref, err := Parse("serial://WD-ABC123")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if ref.Serial != "WD-ABC123" || ref.PartitionIndex != 0 {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if ref.String() != "serial://WD-ABC123" {
		t.Fatalf("String() = %q", ref.String())
	}
}

func TestParseWithPartition(t *testing.T) {
	ref, err := Parse("serial://WD-ABC123/2")
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if ref.Serial != "WD-ABC123" || ref.PartitionIndex != 2 {
		t.Fatalf("unexpected ref: %+v", ref)
	}
	if ref.String() != "serial://WD-ABC123/2" {
		t.Fatalf("String() = %q", ref.String())
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		"/dev/sda",
		"serial://",
		"serial://WD-ABC123/notanumber",
		"serial://WD-ABC123/0",
		"serial://WD-ABC123/-1",
	}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Errorf("Parse(%q) expected an error", c)
		}
	}
}

type fakeResolver struct {
	disk *diskinfo.DiskRef
}

func (f *fakeResolver) FindDiskBySerial(serial string) (*diskinfo.DiskRef, error) {
	if f.disk == nil || f.disk.Serial != serial {
		return nil, errNoDisk
	}
	return f.disk, nil
}

var errNoDisk = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "no disk with that serial" }

func TestResolvePathDiskOnly(t *testing.T) {
	resolver := &fakeResolver{disk: &diskinfo.DiskRef{
		Path:   "/dev/sdb",
		Serial: "WD-ABC123",
	}}

	path, err := ResolvePath(resolver, "serial://WD-ABC123")
	if err != nil {
		t.Fatalf("ResolvePath() error: %v", err)
	}
	if path != "/dev/sdb" {
		t.Fatalf("ResolvePath() = %q, want /dev/sdb", path)
	}
}

func TestResolvePathPartition(t *testing.T) {
	resolver := &fakeResolver{disk: &diskinfo.DiskRef{
		Path:   "/dev/sdb",
		Serial: "WD-ABC123",
		Partitions: []*diskinfo.PartitionRef{
			{DiskName: "sdb", Index: 1, Path: "/dev/sdb1"},
			{DiskName: "sdb", Index: 2, Path: "/dev/sdb2"},
		},
	}}

	path, err := ResolvePath(resolver, "serial://WD-ABC123/2")
	if err != nil {
		t.Fatalf("ResolvePath() error: %v", err)
	}
	if path != "/dev/sdb2" {
		t.Fatalf("ResolvePath() = %q, want /dev/sdb2", path)
	}
}

func TestResolvePathMissingPartition(t *testing.T) {
	resolver := &fakeResolver{disk: &diskinfo.DiskRef{
		Path:   "/dev/sdb",
		Serial: "WD-ABC123",
	}}

	if _, err := ResolvePath(resolver, "serial://WD-ABC123/3"); err == nil {
		t.Fatal("expected an error resolving a nonexistent partition index")
	}
}
