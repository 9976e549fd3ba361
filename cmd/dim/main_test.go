// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package main

import (
	"errors"
	"testing"

	"github.com/clearlinux/dim/diskinfo"
	"github.com/clearlinux/dim/dimerrors"
)

func TestIsContainerPath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/dev/sda", false},
		{"/mnt/backup.dim", true},
		{"/mnt/backup.dim.manifest.yaml", false},
	}

	for _, tt := range tests {
		if got := isContainerPath(tt.path); got != tt.want {
			t.Errorf("isContainerPath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(errors.New("plain")); got != 1 {
		t.Fatalf("exitCode(plain error) = %d, want 1", got)
	}

	de := dimerrors.New(dimerrors.DeviceBusy, "busy")
	if got, want := exitCode(de), int(dimerrors.DeviceBusy)+2; got != want {
		t.Fatalf("exitCode(DeviceBusy) = %d, want %d", got, want)
	}
}

func TestProjectPartitions(t *testing.T) {
	source := &diskinfo.DiskRef{
		Name: "sda",
		Partitions: []*diskinfo.PartitionRef{
			{Index: 1, Path: "/dev/sda1", FileSystem: "ext4"},
			{Index: 2, Path: "/dev/sda2", FileSystem: "vfat"},
		},
	}

	got := projectPartitions(source, "/dev/nvme0n1")
	if len(got) != 2 {
		t.Fatalf("projectPartitions() returned %d partitions, want 2", len(got))
	}
	if got[0].Path != "/dev/nvme0n1p1" || got[1].Path != "/dev/nvme0n1p2" {
		t.Fatalf("projectPartitions() paths = %q, %q", got[0].Path, got[1].Path)
	}
	if got[0].FileSystem != "ext4" || got[1].FileSystem != "vfat" {
		t.Fatal("projectPartitions() should preserve non-path fields")
	}

	// mutating the projected slice must not affect the source
	got[0].FileSystem = "mutated"
	if source.Partitions[0].FileSystem != "ext4" {
		t.Fatal("projectPartitions() should return independent copies")
	}
}

func TestResolvePathPassthrough(t *testing.T) {
	got, err := resolvePath(nil, "/dev/sda")
	if err != nil {
		t.Fatalf("resolvePath() error: %v", err)
	}
	if got != "/dev/sda" {
		t.Fatalf("resolvePath() = %q, want unchanged path", got)
	}
}
