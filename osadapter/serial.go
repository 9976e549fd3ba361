// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package osadapter

import (
	"github.com/clearlinux/dim/diskinfo"
	"github.com/clearlinux/dim/dimerrors"
	"github.com/clearlinux/dim/utils"
)

// FindDiskBySerial scans enumerated block devices for one whose serial
// number matches, mirroring the original source's
// findDiskBySerialIndexNumber. Used by serialurl to resolve a
// serial://<serial>[/<index>] reference to a live kernel path.
//
// Some transports (virtio, loop) never populate a per-device serial through
// lsblk. When exactly one enumerated disk has no serial of its own, it's
// matched against the host's SMBIOS system serial as a fallback identity,
// so a serial:// reference captured from such a machine still resolves.
func (a *Adapter) FindDiskBySerial(serial string) (*diskinfo.DiskRef, error) {
	disks, err := a.EnumerateBlockDevices(nil)
	if err != nil {
		return nil, err
	}

	for _, d := range disks {
		if d.Serial == serial {
			return d, nil
		}
	}

	if chassis := utils.SMBIOSSystemSerial(); chassis != "" && chassis == serial {
		if d := soleDiskWithoutSerial(disks); d != nil {
			return d, nil
		}
	}

	return nil, dimerrors.New(dimerrors.Invalid, "no device found with serial %q", serial)
}

// soleDiskWithoutSerial returns the single disk with no reported serial, or
// nil if there are zero or more than one such disk (an ambiguous fallback
// match is refused rather than guessed).
func soleDiskWithoutSerial(disks []*diskinfo.DiskRef) *diskinfo.DiskRef {
	var match *diskinfo.DiskRef
	for _, d := range disks {
		if d.Serial == "" {
			if match != nil {
				return nil
			}
			match = d
		}
	}
	return match
}
