// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package diskstream

import (
	"bytes"
	"io/ioutil"
	"os"
	"testing"
)

func tempPath(t *testing.T) string {
	f, err := ioutil.TempFile("", "dim-file-stream-test-*.dim")
	if err != nil {
		t.Fatalf("could not create tempfile: %v", err)
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	t.Cleanup(func() { _ = os.Remove(name) })
	return name
}

func TestFileWriteReadRoundTrip(t *testing.T) {
	path := tempPath(t)

	w, err := NewFileWriter(sampleDisk(), path)
	if err != nil {
		t.Fatalf("NewFileWriter() error: %v", err)
	}

	payload := []byte("partition payload bytes")

	if err := w.BeginScope(ScopePartition, Write, 1); err != nil {
		t.Fatalf("BeginScope(write) error: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.EndScope(); err != nil {
		t.Fatalf("EndScope(write) error: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	r, err := NewFileReader(path)
	if err != nil {
		t.Fatalf("NewFileReader() error: %v", err)
	}
	defer func() { _ = r.Close() }()

	if !r.HasScope(ScopePartition, Read, 1) {
		t.Fatal("expected Partition(1) present after write")
	}

	if err := r.BeginScope(ScopePartition, Read, 1); err != nil {
		t.Fatalf("BeginScope(read) error: %v", err)
	}

	buf := make([]byte, len(payload))
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Fatalf("round-tripped payload mismatch: got %q, want %q", buf[:n], payload)
	}
}

// TestFileWriteStreamsMultipleChunks writes a region across several Write
// calls, the way clonejob.pump feeds fixed-size buffers in, and checks the
// result is assembled correctly by the container writer on the other end of
// the pipe rather than requiring the whole region to be buffered up front.
func TestFileWriteStreamsMultipleChunks(t *testing.T) {
	path := tempPath(t)

	w, err := NewFileWriter(sampleDisk(), path)
	if err != nil {
		t.Fatalf("NewFileWriter() error: %v", err)
	}

	chunk := bytes.Repeat([]byte{0xAB}, 64*1024)
	const chunks = 8

	if err := w.BeginScope(ScopePartition, Write, 1); err != nil {
		t.Fatalf("BeginScope(write) error: %v", err)
	}
	for i := 0; i < chunks; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("Write() chunk %d error: %v", i, err)
		}
	}
	if err := w.EndScope(); err != nil {
		t.Fatalf("EndScope(write) error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	r, err := NewFileReader(path)
	if err != nil {
		t.Fatalf("NewFileReader() error: %v", err)
	}
	defer func() { _ = r.Close() }()

	if err := r.BeginScope(ScopePartition, Read, 1); err != nil {
		t.Fatalf("BeginScope(read) error: %v", err)
	}

	got, err := ioutil.ReadAll(readerFunc(r.Read))
	if err != nil {
		t.Fatalf("reading back region: %v", err)
	}

	want := bytes.Repeat(chunk, chunks)
	if !bytes.Equal(got, want) {
		t.Fatalf("round-tripped region mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

// readerFunc adapts a Read method value to io.Reader for use with io.ReadAll
type readerFunc func([]byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) { return f(p) }

func TestFileCustomBlobRoundTrip(t *testing.T) {
	path := tempPath(t)

	w, err := NewFileWriter(sampleDisk(), path)
	if err != nil {
		t.Fatalf("NewFileWriter() error: %v", err)
	}

	if err := w.WriteCustomBlob("license", []byte("GPL-3.0-only")); err != nil {
		t.Fatalf("WriteCustomBlob() error: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	r, err := NewFileReader(path)
	if err != nil {
		t.Fatalf("NewFileReader() error: %v", err)
	}
	defer func() { _ = r.Close() }()

	data, err := r.ReadCustomBlob("license")
	if err != nil {
		t.Fatalf("ReadCustomBlob() error: %v", err)
	}

	if string(data) != "GPL-3.0-only" {
		t.Fatalf("custom blob mismatch: %q", data)
	}
}
