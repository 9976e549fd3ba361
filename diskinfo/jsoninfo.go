// Copyright © 2018 Intel Corporation
//
// SPDX-License-Identifier: GPL-3.0-only

package diskinfo

import (
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/clearlinux/dim/errors"
)

// partitionJSON is one entry of childrenPartList in the JsonInfo payload
type partitionJSON struct {
	Index      int    `json:"index"`
	Path       string `json:"path"`
	Name       string `json:"name"`
	Start      string `json:"start"`
	Length     string `json:"length"`
	TypeCode   string `json:"typeCode"`
	FileSystem string `json:"fileSystem"`
	GUIDType   string `json:"guidType"`
	Extended   bool   `json:"extended"`
	ReadOnly   bool   `json:"readonly"`
	MountPoint string `json:"mountPoint"`
	UsedBytes  string `json:"usedBytes"`
}

// diskInfoJSON is the wire shape of the JsonInfo scope payload, matching the
// field names and string-typed sizes of spec.md §6.
type diskInfoJSON struct {
	TotalReadableDataSize string          `json:"totalReadableDataSize"`
	MaxReadableDataSize   string          `json:"maxReadableDataSize"`
	TotalWritableDataSize string          `json:"totalWritableDataSize"`
	FilePath              string          `json:"filePath"`
	Model                 string          `json:"model"`
	Name                  string          `json:"name"`
	KName                 string          `json:"kname"`
	TotalSize             string          `json:"totalSize"`
	TypeName              string          `json:"typeName"`
	Type                  int             `json:"type"`
	PtTypeName            string          `json:"ptTypeName"`
	PtType                int             `json:"ptType"`
	ReadOnly              bool            `json:"readonly"`
	Removeable            bool            `json:"removeable"`
	Transport             string          `json:"transport"`
	Serial                string          `json:"serial"`
	ChildrenPartList      []partitionJSON `json:"childrenPartList"`
}

func (k Kind) typeName() string {
	if k == KindPartition {
		return "partition"
	}
	return "disk"
}

// ToJSON renders the DiskRef's metadata document, the JsonInfo scope's
// payload, per the schema in spec.md §6. totalWritableDataSize is supplied
// by the caller since writability depends on the sink, not the source disk
// alone.
func (d *DiskRef) ToJSON(totalWritableDataSize int64) ([]byte, error) {
	doc := diskInfoJSON{
		TotalReadableDataSize: strconv.FormatInt(d.TotalReadableSize(), 10),
		MaxReadableDataSize:   strconv.FormatInt(d.MaxReadableSize(), 10),
		TotalWritableDataSize: strconv.FormatInt(totalWritableDataSize, 10),
		FilePath:              d.Path,
		Model:                 d.Model,
		Name:                  d.Name,
		KName:                 d.Name,
		TotalSize:             strconv.FormatInt(d.TotalSize, 10),
		TypeName:              d.Kind.typeName(),
		Type:                  int(d.Kind),
		PtTypeName:            d.PartTable.String(),
		PtType:                int(d.PartTable),
		ReadOnly:              d.ReadOnly,
		Removeable:            d.Removable,
		Transport:             d.Transport,
		Serial:                d.Serial,
	}

	for _, p := range d.Partitions {
		doc.ChildrenPartList = append(doc.ChildrenPartList, partitionJSON{
			Index:      p.Index,
			Path:       p.Path,
			Name:       p.Name,
			Start:      strconv.FormatInt(p.Start, 10),
			Length:     strconv.FormatInt(p.Length, 10),
			TypeCode:   p.TypeCode,
			FileSystem: p.FileSystem,
			GUIDType:   p.GUIDType.String(),
			Extended:   p.Extended,
			ReadOnly:   p.ReadOnly,
			MountPoint: p.MountPoint,
			UsedBytes:  strconv.FormatInt(p.UsedBytes, 10),
		})
	}

	return json.MarshalIndent(doc, "", "  ")
}

// FromJSON decodes a JsonInfo payload back into a DiskRef
func FromJSON(data []byte) (*DiskRef, error) {
	var doc diskInfoJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err)
	}

	totalSize, err := strconv.ParseInt(doc.TotalSize, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err)
	}

	ref := &DiskRef{
		Kind:      Kind(doc.Type),
		Path:      doc.FilePath,
		Name:      doc.KName,
		Model:     doc.Model,
		Serial:    doc.Serial,
		Transport: doc.Transport,
		Removable: doc.Removeable,
		ReadOnly:  doc.ReadOnly,
		TotalSize: totalSize,
		PartTable: PartTableKind(doc.PtType),
	}

	for _, pj := range doc.ChildrenPartList {
		start, err := strconv.ParseInt(pj.Start, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err)
		}

		length, err := strconv.ParseInt(pj.Length, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err)
		}

		used, err := strconv.ParseInt(pj.UsedBytes, 10, 64)
		if err != nil {
			used = unknownFilesystem
		}

		guidType := InvalidGUIDType
		if pj.GUIDType != "" {
			if parsed, err := uuid.Parse(pj.GUIDType); err == nil {
				guidType = parsed
			}
		}

		ref.Partitions = append(ref.Partitions, &PartitionRef{
			DiskName:   ref.Name,
			Index:      pj.Index,
			Path:       pj.Path,
			Name:       pj.Name,
			Start:      start,
			Length:     length,
			TypeCode:   pj.TypeCode,
			FileSystem: pj.FileSystem,
			GUIDType:   guidType,
			Extended:   pj.Extended,
			ReadOnly:   pj.ReadOnly,
			MountPoint: pj.MountPoint,
			UsedBytes:  used,
		})
	}

	ref.SortPartitions()

	return ref, nil
}
