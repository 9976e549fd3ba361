// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

// Package container implements the on-disk layout of the .dim image file: a
// header, a table of contents describing ordered byte regions, and the
// payload bytes themselves. Regions are appended sequentially while writing
// and the table of contents is flushed as a trailer on Close, the way a zip
// central directory or an mp4 moov atom trails its payload instead of
// requiring the writer to know total sizes up front.
package container

import (
	"bytes"
	"encoding/json"
	"hash/crc64"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/clearlinux/dim/dimerrors"
)

// magic identifies a .dim container file
var magic = [16]byte{'D', 'I', 'M', 'C', 'O', 'N', 'T', 'A', 'I', 'N', 'E', 'R', 'v', '1', 0, 0}

// ScopeTag mirrors diskstream.Scope's integer values so the container
// format doesn't need to import the streaming package, keeping the
// container a self-contained on-disk format description.
type ScopeTag byte

const (
	// TagHead is the container scope tag for the Head region
	TagHead ScopeTag = iota
	// TagPartitionTable is the container scope tag for the PartitionTable region
	TagPartitionTable
	// TagPartition is the container scope tag for a Partition(i) region
	TagPartition
	// TagJsonInfo is the container scope tag for the JsonInfo region
	TagJsonInfo
	// TagCustom is the container scope tag for a caller-defined named blob
	TagCustom
)

const headerSize = 16 + 4 + 4 + 8 + 8 // magic + version + flags + tocOffset + tocLength

const formatVersion = 1

var crcTable = crc64.MakeTable(crc64.ISO)

// RegionHeader describes one stored region: its scope tag, 1-based
// partition index (0 for non-partition scopes), byte offset and length
// within the file, a crc64 checksum of its payload, and an optional name
// used by Custom blobs.
type RegionHeader struct {
	Tag        ScopeTag `json:"tag"`
	Index      int32    `json:"index"`
	Offset     int64    `json:"offset"`
	Length     int64    `json:"length"`
	RawLength  int64    `json:"rawLength"`
	Compressed bool     `json:"compressed,omitempty"`
	Checksum   uint64   `json:"checksum"`
	Name       string   `json:"name,omitempty"`
}

// shouldCompress reports whether a region's payload is zstd compressed on
// disk. Head and PartitionTable regions are small, highly repetitive
// control-plane data (boot sectors, partition table structures) that
// compress well; partition payloads are left as-is since partclone already
// applies its own format-aware compression to them.
func shouldCompress(tag ScopeTag) bool {
	switch tag {
	case TagHead, TagPartitionTable:
		return true
	default:
		return false
	}
}

type tableOfContents struct {
	Regions []RegionHeader `json:"regions"`
}

// Writer appends regions to a new .dim container. Regions must be written
// in the canonical order: Head (if present), PartitionTable (if present),
// Partition(1..N) ascending, JsonInfo last, with Custom blobs interleaved
// anywhere since they form their own namespace.
type Writer struct {
	f      *os.File
	offset int64
	toc    tableOfContents
}

// Create opens path for writing a new container, reserving space for the
// fixed-size header.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, dimerrors.New(dimerrors.Io, "could not create container %s: %v", path, err)
	}

	if _, err := f.Seek(headerSize, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, dimerrors.New(dimerrors.Io, "could not seek past header: %v", err)
	}

	return &Writer{f: f, offset: headerSize}, nil
}

// WriteRegion appends one region's payload, reading until EOF from r, and
// records its table-of-contents entry. Head and PartitionTable regions are
// transparently zstd compressed; the checksum is always computed over the
// original uncompressed bytes so verification reflects logical content.
func (w *Writer) WriteRegion(tag ScopeTag, index int, name string, r io.Reader) error {
	checksum := crc64.New(crcTable)
	tee := io.TeeReader(r, checksum)

	startOffset := w.offset
	compressed := shouldCompress(tag)

	var rawLength int64
	var err error

	if compressed {
		zw, zerr := zstd.NewWriter(w.f)
		if zerr != nil {
			return dimerrors.New(dimerrors.Io, "could not create compressor: %v", zerr)
		}
		rawLength, err = io.Copy(zw, tee)
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	} else {
		rawLength, err = io.Copy(w.f, tee)
	}
	if err != nil {
		return dimerrors.New(dimerrors.Io, "could not write region: %v", err)
	}

	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return dimerrors.New(dimerrors.Io, "could not determine region length: %v", err)
	}
	onDiskLength := pos - startOffset

	w.toc.Regions = append(w.toc.Regions, RegionHeader{
		Tag:        tag,
		Index:      int32(index),
		Offset:     startOffset,
		Length:     onDiskLength,
		RawLength:  rawLength,
		Compressed: compressed,
		Checksum:   checksum.Sum64(),
		Name:       name,
	})

	w.offset = pos

	return nil
}

// Close writes the table of contents as a trailer and patches the header
// with its offset and length, then closes the underlying file.
func (w *Writer) Close() error {
	defer func() { _ = w.f.Close() }()

	tocBytes, err := json.Marshal(w.toc)
	if err != nil {
		return dimerrors.New(dimerrors.Io, "could not marshal table of contents: %v", err)
	}

	tocOffset := w.offset
	if _, err := w.f.Write(tocBytes); err != nil {
		return dimerrors.New(dimerrors.Io, "could not write table of contents: %v", err)
	}

	header := make([]byte, headerSize)
	copy(header[0:16], magic[:])
	putUint32(header[16:20], formatVersion)
	putUint32(header[20:24], 0)
	putInt64(header[24:32], tocOffset)
	putInt64(header[32:40], int64(len(tocBytes)))

	if _, err := w.f.WriteAt(header, 0); err != nil {
		return dimerrors.New(dimerrors.Io, "could not write header: %v", err)
	}

	return nil
}

// Reader reads regions back out of an existing .dim container
type Reader struct {
	f    *os.File
	toc  tableOfContents
	size int64
}

// Open opens path for reading, validating the magic and decoding the table
// of contents trailer.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dimerrors.New(dimerrors.Io, "could not open container %s: %v", path, err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(f, header); err != nil {
		_ = f.Close()
		return nil, dimerrors.New(dimerrors.Corrupt, "container %s header too short: %v", path, err)
	}

	if !bytes.Equal(header[0:16], magic[:]) {
		_ = f.Close()
		return nil, dimerrors.New(dimerrors.Corrupt, "container %s has invalid magic", path)
	}

	tocOffset := getInt64(header[24:32])
	tocLength := getInt64(header[32:40])

	tocBytes := make([]byte, tocLength)
	if _, err := f.ReadAt(tocBytes, tocOffset); err != nil {
		_ = f.Close()
		return nil, dimerrors.New(dimerrors.Corrupt, "container %s table of contents truncated: %v", path, err)
	}

	var toc tableOfContents
	if err := json.Unmarshal(tocBytes, &toc); err != nil {
		_ = f.Close()
		return nil, dimerrors.New(dimerrors.Corrupt, "container %s table of contents unreadable: %v", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, dimerrors.New(dimerrors.Io, "could not stat container %s: %v", path, err)
	}

	return &Reader{f: f, toc: toc, size: info.Size()}, nil
}

// HasRegion reports whether tag/index is present in the table of contents
func (r *Reader) HasRegion(tag ScopeTag, index int) bool {
	return r.find(tag, index) != nil
}

// Regions returns a copy of the table of contents, in write order, for
// callers that want to inspect the container's shape without opening every
// region (notably tests asserting on Tag/Index/Name/Compressed structure).
func (r *Reader) Regions() []RegionHeader {
	out := make([]RegionHeader, len(r.toc.Regions))
	copy(out, r.toc.Regions)
	return out
}

func (r *Reader) find(tag ScopeTag, index int) *RegionHeader {
	for i := range r.toc.Regions {
		rh := &r.toc.Regions[i]
		if rh.Tag == tag && int(rh.Index) == index {
			return rh
		}
	}
	return nil
}

// findCustomByName returns the latest Custom region with the given name,
// scanning from the end so the most recently written blob wins.
func (r *Reader) findCustomByName(name string) *RegionHeader {
	for i := len(r.toc.Regions) - 1; i >= 0; i-- {
		rh := &r.toc.Regions[i]
		if rh.Tag == TagCustom && rh.Name == name {
			return rh
		}
	}
	return nil
}

// OpenRegion returns a checksum-verifying reader over the region's payload.
// Reading past the recorded length, or a checksum mismatch discovered at
// EOF, surfaces as a Corrupt error.
func (r *Reader) OpenRegion(tag ScopeTag, index int) (io.ReadCloser, error) {
	rh := r.find(tag, index)
	if rh == nil {
		return nil, dimerrors.New(dimerrors.Invalid, "no region for tag %d index %d", tag, index)
	}
	return r.openChecked(rh)
}

// ReadCustom returns the payload of the latest Custom blob with the given name
func (r *Reader) ReadCustom(name string) (io.ReadCloser, error) {
	rh := r.findCustomByName(name)
	if rh == nil {
		return nil, dimerrors.New(dimerrors.Invalid, "no custom blob named %q", name)
	}
	return r.openChecked(rh)
}

// openChecked streams the region instead of buffering it fully in memory,
// since partition payload regions routinely run into the gigabytes; the
// checksum is verified incrementally and only surfaces a Corrupt error once
// the reader reaches (or falls short of) the recorded length. A file that
// was truncated after the table of contents was written is caught up front,
// before any byte of the region is handed to the caller, by checking the
// region's recorded bounds against the file's actual size: this lets a
// clone engine reject a truncated region before opening the sink's write
// scope, rather than discovering it only once the region's tail fails to
// arrive.
func (r *Reader) openChecked(rh *RegionHeader) (io.ReadCloser, error) {
	if rh.Offset < 0 || rh.Length < 0 || rh.Offset+rh.Length > r.size {
		return nil, dimerrors.New(dimerrors.Corrupt, "region tag %d index %d truncated: container is %d bytes, region needs %d",
			rh.Tag, rh.Index, r.size, rh.Offset+rh.Length)
	}

	section := io.NewSectionReader(r.f, rh.Offset, rh.Length)

	var src io.Reader = section
	var zr *zstd.Decoder
	wantLength := rh.Length

	if rh.Compressed {
		var zerr error
		zr, zerr = zstd.NewReader(section)
		if zerr != nil {
			return nil, dimerrors.New(dimerrors.Corrupt, "region tag %d index %d: could not start decompressor: %v",
				rh.Tag, rh.Index, zerr)
		}
		src = zr
		wantLength = rh.RawLength
	}

	return &checkedRegionReader{
		src:        src,
		zr:         zr,
		hash:       crc64.New(crcTable),
		region:     rh,
		wantLength: wantLength,
	}, nil
}

type checkedRegionReader struct {
	src        io.Reader
	zr         *zstd.Decoder
	hash       hashWriter
	region     *RegionHeader
	read       int64
	wantLength int64
}

// hashWriter is the subset of hash.Hash64 this reader needs
type hashWriter interface {
	io.Writer
	Sum64() uint64
}

func (c *checkedRegionReader) Read(p []byte) (int, error) {
	n, err := c.src.Read(p)
	if n > 0 {
		c.hash.Write(p[:n])
		c.read += int64(n)
	}

	if err != nil && err != io.EOF && c.zr != nil {
		return n, dimerrors.New(dimerrors.Corrupt, "region tag %d index %d: decompression failed: %v",
			c.region.Tag, c.region.Index, err)
	}

	if err == io.EOF {
		if c.read != c.wantLength {
			return n, dimerrors.New(dimerrors.Corrupt, "region tag %d index %d truncated: got %d of %d bytes",
				c.region.Tag, c.region.Index, c.read, c.wantLength)
		}
		if c.hash.Sum64() != c.region.Checksum {
			return n, dimerrors.New(dimerrors.Corrupt, "region tag %d index %d checksum mismatch",
				c.region.Tag, c.region.Index)
		}
	}

	return n, err
}

func (c *checkedRegionReader) Close() error {
	if c.zr != nil {
		c.zr.Close()
	}
	return nil
}

// Close closes the underlying file
func (r *Reader) Close() error {
	return r.f.Close()
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
}

func getInt64(b []byte) int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	return int64(u)
}
