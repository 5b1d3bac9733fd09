// Package pfs0 decodes the Partition File System (PFS0) format used for
// NCA ExeFS sections and NSP containers.
//
// Grounded on switchfs/pfs0.go's readPfs0, generalized from a
// file-backed io.ReaderAt into a section-backed one so it composes with
// nca.SectionHandle, and reshaped into the entry_count/entry/name/
// read_entry surface §4.4 names explicitly instead of a public slice field.
package pfs0

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	magic          = "PFS0"
	headerSize     = 0x10
	entryTableSize = 0x18
)

// SectionReader is the subset of nca.SectionHandle's surface PFS0 needs;
// declared locally so this package does not import nca and create a cycle.
type SectionReader interface {
	Read(ctx context.Context, offset, length int64) ([]byte, error)
}

// Entry is one PFS0 file-table row, §3 Pfs0.
type Entry struct {
	FileOffset uint64 // relative to the data region
	FileSize   uint64
	Name       string
}

// View is a parsed PFS0 partition, lazily backed by a SectionReader.
type View struct {
	reader   SectionReader
	entries  []Entry
	dataBase int64
}

// mainNpdmName is the ExeFS classification hint, §4.4.
const mainNpdmName = "main.npdm"

// Read parses a PFS0 header, file table and string table out of reader,
// starting at baseOffset within it (baseOffset lets a caller open a PFS0
// nested inside another section's decrypted bytes, e.g. a cnmt.nca).
func Read(ctx context.Context, reader SectionReader, baseOffset int64) (*View, error) {
	header, err := reader.Read(ctx, baseOffset, headerSize)
	if err != nil {
		return nil, fmt.Errorf("pfs0: read header: %w", err)
	}
	if string(header[0:4]) != magic {
		return nil, fmt.Errorf("pfs0: bad magic %q", header[0:4])
	}
	fileCount := binary.LittleEndian.Uint32(header[4:8])
	stringTableSize := binary.LittleEndian.Uint32(header[8:12])

	tableOffset := int64(headerSize)
	tableSize := int64(fileCount) * entryTableSize
	table, err := reader.Read(ctx, baseOffset+tableOffset, tableSize)
	if err != nil {
		return nil, fmt.Errorf("pfs0: read file table: %w", err)
	}

	stringTableOffset := tableOffset + tableSize
	strings_, err := reader.Read(ctx, baseOffset+stringTableOffset, int64(stringTableSize))
	if err != nil {
		return nil, fmt.Errorf("pfs0: read string table: %w", err)
	}

	dataBase := baseOffset + stringTableOffset + int64(stringTableSize)

	v := &View{reader: reader, dataBase: dataBase, entries: make([]Entry, fileCount)}
	for i := uint32(0); i < fileCount; i++ {
		row := table[i*entryTableSize : (i+1)*entryTableSize]
		fileOffset := binary.LittleEndian.Uint64(row[0:8])
		fileSize := binary.LittleEndian.Uint64(row[8:16])
		nameOffset := binary.LittleEndian.Uint32(row[16:20])
		if int64(nameOffset) >= int64(stringTableSize) {
			return nil, fmt.Errorf("pfs0: entry %d name_offset %d out of bounds", i, nameOffset)
		}
		name, err := readCString(strings_[nameOffset:])
		if err != nil {
			return nil, fmt.Errorf("pfs0: entry %d: %w", i, err)
		}
		v.entries[i] = Entry{FileOffset: fileOffset, FileSize: fileSize, Name: name}
	}
	return v, nil
}

func readCString(buf []byte) (string, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", errors.New("unterminated string")
}

// EntryCount implements §4.4 entry_count().
func (v *View) EntryCount() int { return len(v.entries) }

// Entry implements §4.4 entry(i).
func (v *View) Entry(i int) (Entry, error) {
	if i < 0 || i >= len(v.entries) {
		return Entry{}, fmt.Errorf("pfs0: entry index %d out of range [0,%d)", i, len(v.entries))
	}
	return v.entries[i], nil
}

// Name implements §4.4 name(entry).
func (v *View) Name(entry Entry) string { return entry.Name }

// ReadEntry implements §4.4 read_entry(entry, offset, length).
func (v *View) ReadEntry(ctx context.Context, entry Entry, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 || offset+length > int64(entry.FileSize) {
		return nil, fmt.Errorf("pfs0: read [%d,%d) exceeds entry size %d", offset, offset+length, entry.FileSize)
	}
	return v.reader.Read(ctx, v.dataBase+int64(entry.FileOffset)+offset, length)
}

// AsExeFs reports whether this PFS0 classifies as an ExeFS, §4.4: a hint,
// not an invariant, based on the first entry's exact name.
func (v *View) AsExeFs() bool {
	return len(v.entries) > 0 && v.entries[0].Name == mainNpdmName
}

// FindByName does a linear name lookup, used by nsp/xci-style consumers
// that need "the cnmt.nca file" rather than positional access.
func (v *View) FindByName(name string) (Entry, bool) {
	for _, e := range v.entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
