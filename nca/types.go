// Package nca implements the NCA container decoder: header decryption and
// validation, per-section cipher setup, and the title-rights resolver.
// Higher-level filesystem views (PFS0, RomFS, BKTR) live in sibling
// packages and consume the types exported here.
package nca

import "context"

const (
	// HeaderSize is the total encrypted+decrypted NCA header length.
	HeaderSize = 0xC00
	// MainHeaderSize is the portion common to NCA2 and NCA3 headers.
	MainHeaderSize = 0x400
	// FsHeaderSize is the size of a single per-section FS header.
	FsHeaderSize = 0x200
	// SectionCount is the fixed number of section slots in every NCA.
	SectionCount = 4
	// MediaUnitSize is the unit section media offsets/sizes are expressed in.
	MediaUnitSize = 0x200
)

// Magic identifies the NCA container revision. NCA0/NCA1 are explicitly out
// of scope (see spec Non-goals); only NCA2 and NCA3 are recognized.
type Magic string

const (
	MagicNCA2 Magic = "NCA2"
	MagicNCA3 Magic = "NCA3"
)

// ContentType mirrors the NCA header's content_type byte.
type ContentType byte

const (
	ContentTypeProgram ContentType = iota
	ContentTypeMeta
	ContentTypeControl
	ContentTypeManual
	ContentTypeData
	ContentTypePublicData
)

// On-disk fs_type values, per the NCA FS header layout. Partition_type
// (0 = RomFS partition, 1 = PFS0 partition) is a separate byte that this
// module does not need to branch on; fs_type alone determines payload kind.
const (
	onDiskFsTypePfs0  = 0x02
	onDiskFsTypeRomFs = 0x03
)

// CryptType identifies a section body's cipher mode.
type CryptType byte

const (
	CryptTypeNone CryptType = 0x01
	CryptTypeXts  CryptType = 0x02
	CryptTypeCtr  CryptType = 0x03
	CryptTypeBktr CryptType = 0x04
)

// SectionEntry is a single media-unit extent within the NCA, §3 NcaSectionEntry.
type SectionEntry struct {
	MediaStartOffset uint32 // in MediaUnitSize units
	MediaEndOffset   uint32 // in MediaUnitSize units
}

// Present reports whether the section actually carries data.
func (s SectionEntry) Present() bool {
	return s.MediaStartOffset != 0 || s.MediaEndOffset != 0
}

// ByteOffset returns the section's byte offset within the NCA.
func (s SectionEntry) ByteOffset() int64 {
	return int64(s.MediaStartOffset) * MediaUnitSize
}

// ByteSize returns the section's byte length.
func (s SectionEntry) ByteSize() int64 {
	return int64(s.MediaEndOffset-s.MediaStartOffset) * MediaUnitSize
}

// Header is the fully decoded, immutable NCA main header, §3 NcaHeader.
type Header struct {
	Magic          Magic
	Distribution   byte
	ContentType    ContentType
	CryptoType     byte
	CryptoType2    byte
	KaekIndex      byte
	NcaSize        uint64
	TitleId        uint64
	RightsId       [16]byte
	SectionEntries [SectionCount]SectionEntry
	SectionHashes  [SectionCount][32]byte
	KeyArea        [SectionCount][16]byte // encrypted key area, pre-unwrap
	FsHeaders      [SectionCount]*FsHeader

	raw [HeaderSize]byte
}

// HasRightsId reports whether title-key crypto applies instead of an
// application-key-encrypted key area.
func (h *Header) HasRightsId() bool {
	var zero [16]byte
	return h.RightsId != zero
}

// EffectiveKeyGeneration implements the historical off-by-one rule preserved
// from the source tool: max(crypto_type, crypto_type2), minus one unless
// the max is zero.
func (h *Header) EffectiveKeyGeneration() int {
	gen := h.CryptoType
	if h.CryptoType2 > gen {
		gen = h.CryptoType2
	}
	if gen == 0 {
		return 0
	}
	return int(gen) - 1
}

// FsHeader is the decoded per-section FS header, §3 NcaFsHeader.
type FsHeader struct {
	PartitionType byte
	FsType        byte // raw on-disk value; see IsRomFs/IsPfs0
	CryptType     CryptType
	CtrLow        uint32
	CtrHigh       uint32
	Superblock    []byte // the 0x138-byte FS-specific superblock, raw

	raw [FsHeaderSize]byte
}

// IsPfs0 reports whether this section's payload is a PFS0 partition.
func (f *FsHeader) IsPfs0() bool { return f.FsType == onDiskFsTypePfs0 }

// IsRomFs reports whether this section's payload is a RomFS (directly or,
// when CryptType == CryptTypeBktr, via a BKTR overlay).
func (f *FsHeader) IsRomFs() bool { return f.FsType == onDiskFsTypeRomFs }

// ContentStorage is the external collaborator providing random reads of an
// NCA's raw bytes by content identifier, §6.1.
type ContentStorage interface {
	ReadAt(ctx context.Context, contentId string, p []byte, off int64) (int, error)
}

// KeyStore is the external key-provisioning collaborator, §6.1.
type KeyStore interface {
	ApplicationKey(kaekIndex int, keyGeneration int) ([16]byte, error)
	HeaderKeyPair() (dataKey, tweakKey [16]byte, err error)
	TitlekeyKek(masterKeyRev int) ([16]byte, error)
}

// TicketStore is the external ticket-database collaborator, §6.1. It
// returns the raw 0x2C0-byte ticket structure; ParseTicket in ticket.go
// does the field extraction the §4.8 resolver needs.
type TicketStore interface {
	Lookup(rightsId [16]byte) ([]byte, error) // nil, nil means "not found"
}
