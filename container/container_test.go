// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package container

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/clearlinux/dim/dimerrors"
)

func tempContainerPath(t *testing.T) string {
	f, err := ioutil.TempFile("", "dim-container-test-*.dim")
	if err != nil {
		t.Fatalf("could not create tempfile: %v", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	t.Cleanup(func() { _ = os.Remove(name) })
	return name
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := tempContainerPath(t)

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	head := []byte("head bytes go here")
	ptable := []byte("label: gpt\n")
	part1 := bytes.Repeat([]byte{0xAB}, 4096)
	jsonInfo := []byte(`{"name":"sda"}`)

	if err := w.WriteRegion(TagHead, 0, "", bytes.NewReader(head)); err != nil {
		t.Fatalf("WriteRegion(Head) error: %v", err)
	}
	if err := w.WriteRegion(TagPartitionTable, 0, "", bytes.NewReader(ptable)); err != nil {
		t.Fatalf("WriteRegion(PartitionTable) error: %v", err)
	}
	if err := w.WriteRegion(TagPartition, 1, "", bytes.NewReader(part1)); err != nil {
		t.Fatalf("WriteRegion(Partition) error: %v", err)
	}
	if err := w.WriteRegion(TagJsonInfo, 0, "", bytes.NewReader(jsonInfo)); err != nil {
		t.Fatalf("WriteRegion(JsonInfo) error: %v", err)
	}
	if err := w.WriteRegion(TagCustom, 0, "notes", bytes.NewReader([]byte("operator note"))); err != nil {
		t.Fatalf("WriteRegion(Custom) error: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = r.Close() }()

	if !r.HasRegion(TagHead, 0) {
		t.Fatal("expected Head region present")
	}
	if !r.HasRegion(TagPartition, 1) {
		t.Fatal("expected Partition(1) region present")
	}
	if r.HasRegion(TagPartition, 2) {
		t.Fatal("did not expect Partition(2) region")
	}

	rc, err := r.OpenRegion(TagPartition, 1)
	if err != nil {
		t.Fatalf("OpenRegion(Partition, 1) error: %v", err)
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll() error: %v", err)
	}
	if !bytes.Equal(got, part1) {
		t.Fatal("partition payload round-trip mismatch")
	}

	custom, err := r.ReadCustom("notes")
	if err != nil {
		t.Fatalf("ReadCustom() error: %v", err)
	}
	gotCustom, err := io.ReadAll(custom)
	if err != nil {
		t.Fatalf("ReadAll(custom) error: %v", err)
	}
	if string(gotCustom) != "operator note" {
		t.Fatalf("custom blob mismatch: %q", gotCustom)
	}

	wantRegions := []RegionHeader{
		{Tag: TagHead, Index: 0, Compressed: true},
		{Tag: TagPartitionTable, Index: 0, Compressed: true},
		{Tag: TagPartition, Index: 1, Compressed: false},
		{Tag: TagJsonInfo, Index: 0, Compressed: false},
		{Tag: TagCustom, Index: 0, Name: "notes", Compressed: false},
	}
	ignoreStorageDetails := cmpopts.IgnoreFields(RegionHeader{}, "Offset", "Length", "RawLength", "Checksum")
	if diff := cmp.Diff(wantRegions, r.Regions(), ignoreStorageDetails); diff != "" {
		t.Fatalf("table of contents shape mismatch (-want +got):\n%s", diff)
	}
}

func TestCorruptBitFlippedRegion(t *testing.T) {
	path := tempContainerPath(t)

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	if err := w.WriteRegion(TagHead, 0, "", bytes.NewReader([]byte("0123456789"))); err != nil {
		t.Fatalf("WriteRegion() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	// Flip one byte inside the Head region's payload range (which starts
	// right after the fixed header) without changing the file's length, so
	// the corruption is caught while reading rather than as a short file.
	// Head is stored zstd-compressed, so the flipped byte lands in the frame
	// header and the decompressor rejects it.
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenFile() error: %v", err)
	}
	if _, err := f.WriteAt([]byte{'X'}, headerSize); err != nil {
		t.Fatalf("WriteAt() error: %v", err)
	}
	_ = f.Close()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = r.Close() }()

	rc, err := r.OpenRegion(TagHead, 0)
	if err != nil {
		t.Fatalf("OpenRegion() error: %v", err)
	}

	if _, err := io.ReadAll(rc); err == nil {
		t.Fatal("expected a Corrupt error reading a bit-flipped region")
	}
}

// TestCorruptTruncatedContainerRejectedUpfront constructs a container whose
// table of contents claims a partition region longer than the file actually
// holds (the file was cut short after the region was recorded, e.g. by a
// disk full or a killed process), and asserts OpenRegion refuses it before
// handing back a single byte, not just once a reader eventually drains past
// EOF. That distinction matters to the clone engine: it opens the source's
// read scope before the sink's write scope, so a Corrupt error raised here
// stops a restore before anything is written to the destination device.
func TestCorruptTruncatedContainerRejectedUpfront(t *testing.T) {
	path := tempContainerPath(t)

	w, err := Create(path)
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	payload := bytes.Repeat([]byte{0xCD}, 4096)
	if err := w.WriteRegion(TagPartition, 1, "", bytes.NewReader(payload)); err != nil {
		t.Fatalf("WriteRegion() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	full, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}

	tocOffset := int64(binary.LittleEndian.Uint64(full[24:32]))
	tocLength := int64(binary.LittleEndian.Uint64(full[32:40]))
	tocBytes := full[tocOffset : tocOffset+tocLength]

	// Drop the back half of the partition payload, then re-append the
	// original (unmodified) table of contents right after the shortened
	// payload, patching the header's tocOffset to match. The region's
	// recorded Offset/Length are untouched, so they now claim more bytes
	// than the file actually has.
	const keep = 2048
	truncated := make([]byte, 0, headerSize+keep+int(tocLength))
	truncated = append(truncated, full[:headerSize+keep]...)
	newTocOffset := int64(headerSize + keep)
	truncated = append(truncated, tocBytes...)

	binary.LittleEndian.PutUint64(truncated[24:32], uint64(newTocOffset))

	if err := ioutil.WriteFile(path, truncated, 0644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer func() { _ = r.Close() }()

	rc, err := r.OpenRegion(TagPartition, 1)
	if err == nil {
		if rc != nil {
			_ = rc.Close()
		}
		t.Fatal("expected OpenRegion to reject a truncated container up front")
	}
	if !dimerrors.Is(err, dimerrors.Corrupt) {
		t.Fatalf("expected a Corrupt error, got %v", err)
	}
}
