// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package osadapter

import (
	"testing"

	"github.com/clearlinux/dim/diskinfo"
)

func TestRequireToolMissing(t *testing.T) {
	err := requireTool("dim-tool-that-does-not-exist")
	if err == nil {
		t.Fatal("requireTool() should fail for a nonexistent binary")
	}
}

func TestRequireToolPresent(t *testing.T) {
	if err := requireTool("sh"); err != nil {
		t.Fatalf("requireTool(sh) should succeed: %v", err)
	}
}

func TestPartitionIndexNumber(t *testing.T) {
	tests := []struct {
		name   string
		want   int
		wantOk bool
	}{
		{"sda12", 12, true},
		{"nvme0n1p3", 3, true},
		{"sda", 0, false},
	}

	for _, tt := range tests {
		got, ok := partitionIndexNumber(tt.name)
		if ok != tt.wantOk {
			t.Fatalf("partitionIndexNumber(%q) ok = %v, want %v", tt.name, ok, tt.wantOk)
		}
		if ok && got != tt.want {
			t.Fatalf("partitionIndexNumber(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestDevicePartitionPath(t *testing.T) {
	tests := []struct {
		disk  string
		index int
		want  string
	}{
		{"/dev/sda", 1, "/dev/sda1"},
		{"/dev/nvme0n1", 3, "/dev/nvme0n1p3"},
		{"/dev/mmcblk0", 2, "/dev/mmcblk0p2"},
	}

	for _, tt := range tests {
		if got := DevicePartitionPath(tt.disk, tt.index); got != tt.want {
			t.Errorf("DevicePartitionPath(%q, %d) = %q, want %q", tt.disk, tt.index, got, tt.want)
		}
	}
}

func TestMountPointNotMounted(t *testing.T) {
	a := New()
	if mp := a.MountPoint("/dev/dim-test-nonexistent"); mp != "" {
		t.Fatalf("expected empty mount point for nonexistent device, got %q", mp)
	}
}

func TestSoleDiskWithoutSerial(t *testing.T) {
	withSerial := &diskinfo.DiskRef{Name: "sda", Serial: "ABC123"}
	noSerial := &diskinfo.DiskRef{Name: "vda"}

	if got := soleDiskWithoutSerial([]*diskinfo.DiskRef{withSerial, noSerial}); got != noSerial {
		t.Fatalf("expected the sole no-serial disk, got %v", got)
	}

	if got := soleDiskWithoutSerial([]*diskinfo.DiskRef{withSerial}); got != nil {
		t.Fatalf("expected nil when no disk lacks a serial, got %v", got)
	}

	secondNoSerial := &diskinfo.DiskRef{Name: "vdb"}
	if got := soleDiskWithoutSerial([]*diskinfo.DiskRef{noSerial, secondNoSerial}); got != nil {
		t.Fatalf("expected nil when more than one disk lacks a serial, got %v", got)
	}
}
