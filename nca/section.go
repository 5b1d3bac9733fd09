package nca

import (
	"context"
	"fmt"

	ncacrypto "github.com/giwty/nca-core/crypto"
)

// ctrAlign is the alignment CTR-mode section reads are rounded to, §4.1.
const ctrAlign = 0x10

// Verifier is implemented by the IVFC hash-tree validator; SectionHandle
// calls it with every decrypted, aligned block it produces so integrity
// checking happens lazily, exactly for the bytes a consumer actually reads,
// per §4.5. A section with no hashed level (e.g. a PFS0's HierarchicalSha256
// superblock handled upstream) may pass a nil Verifier.
type Verifier interface {
	Verify(ctx context.Context, data []byte, sectionOffset int64) error

	// Alignment returns the hash-block size the verifier needs whole blocks
	// of to compute a hash over. SectionHandle widens its decrypt range to
	// this in addition to the cipher's own block size, since a hash block
	// is typically much larger than one CTR/XTS block and a partial block
	// cannot be hashed.
	Alignment() int64
}

// SectionHandle is the reader for one NCA section, §4.3.
type SectionHandle struct {
	Index    int
	Entry    SectionEntry
	FsHeader *FsHeader
	Cipher   *SectionCipher

	storage   ContentStorage
	contentId string
	ncaOffset int64
	verifier  Verifier
}

// NewSectionHandle builds a handle for a present section.
func NewSectionHandle(index int, h *Header, cipher *SectionCipher, storage ContentStorage, contentId string, verifier Verifier) (*SectionHandle, error) {
	entry := h.SectionEntries[index]
	if !entry.Present() {
		return nil, newErr(KindMalformedHeader, fmt.Errorf("section %d is not present", index)).withSection(index)
	}
	return &SectionHandle{
		Index:     index,
		Entry:     entry,
		FsHeader:  h.FsHeaders[index],
		Cipher:    cipher,
		storage:   storage,
		contentId: contentId,
		ncaOffset: entry.ByteOffset(),
		verifier:  verifier,
	}, nil
}

// Size returns the section's byte length.
func (s *SectionHandle) Size() int64 { return s.Entry.ByteSize() }

// Read implements §4.3: read(section_index, offset, length) → bytes.
// Internally aligns to the cipher's natural block size (widened to the
// verifier's hash-block size, see alignFor), decrypts the aligned range,
// triggers IVFC verification over it, then slices out exactly the
// caller's requested bytes.
func (s *SectionHandle) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if offset < 0 || length < 0 || offset+length > s.Size() {
		return nil, newErr(KindOutOfRange, fmt.Errorf("read [%d,%d) exceeds section size %d", offset, offset+length, s.Size())).withSection(s.Index).withOffset(offset)
	}
	if err := ctx.Err(); err != nil {
		return nil, newErr(KindCancelled, err).withSection(s.Index).withOffset(offset)
	}

	switch s.Cipher.Mode {
	case CipherNone:
		return s.readAligned(ctx, offset, length, s.alignFor(1), s.decryptNoneRange)
	case CipherCtr:
		return s.readAligned(ctx, offset, length, s.alignFor(ctrAlign), s.decryptCtrRange)
	case CipherXts:
		return s.readAligned(ctx, offset, length, s.alignFor(ncacrypto.XtsSectorSize), s.decryptXtsRange)
	default:
		return nil, newErr(KindMalformedHeader, fmt.Errorf("unknown cipher mode %d", s.Cipher.Mode)).withSection(s.Index)
	}
}

// alignFor widens the cipher's own block alignment to also cover the
// verifier's hash-block size, so readAligned never hands the verifier
// less than one whole hash block.
func (s *SectionHandle) alignFor(cipherAlign int64) int64 {
	if s.verifier == nil {
		return cipherAlign
	}
	align := s.verifier.Alignment()
	if align <= cipherAlign || align%cipherAlign != 0 {
		return cipherAlign
	}
	return align
}

type decryptFunc func(sectionOffset int64, ciphertext []byte) ([]byte, error)

func (s *SectionHandle) decryptNoneRange(sectionOffset int64, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

func (s *SectionHandle) readAligned(ctx context.Context, offset, length int64, align int64, decrypt decryptFunc) ([]byte, error) {
	alignedStart := (offset / align) * align
	alignedEnd := ((offset + length + align - 1) / align) * align
	if alignedEnd > s.Size() {
		alignedEnd = ((s.Size() + align - 1) / align) * align
	}

	raw := make([]byte, alignedEnd-alignedStart)
	n, err := s.storage.ReadAt(ctx, s.contentId, raw, s.ncaOffset+alignedStart)
	if err != nil {
		return nil, s.storageErr(err, alignedStart)
	}
	raw = raw[:n]

	if err := ctx.Err(); err != nil {
		return nil, newErr(KindCancelled, err).withSection(s.Index).withOffset(offset)
	}

	plain, err := decrypt(alignedStart, raw)
	if err != nil {
		return nil, newErr(KindMalformedHeader, err).withSection(s.Index).withOffset(alignedStart)
	}

	if s.verifier != nil {
		if err := s.verifier.Verify(ctx, plain, alignedStart); err != nil {
			return nil, s.integrityErr(err, alignedStart)
		}
	}

	prefixDiscard := offset - alignedStart
	if prefixDiscard+length > int64(len(plain)) {
		return nil, newErr(KindOutOfRange, fmt.Errorf("decrypted range too short for request")).withSection(s.Index).withOffset(offset)
	}
	return plain[prefixDiscard : prefixDiscard+length], nil
}

func (s *SectionHandle) decryptCtrRange(sectionOffset int64, ciphertext []byte) ([]byte, error) {
	return s.Cipher.DecryptCtrAt(sectionOffset, ciphertext)
}

func (s *SectionHandle) decryptXtsRange(sectionOffset int64, ciphertext []byte) ([]byte, error) {
	return s.Cipher.DecryptXtsAt(sectionOffset, ciphertext)
}

func (s *SectionHandle) storageErr(err error, offset int64) error {
	return newErr(KindIo, err).withSection(s.Index).withOffset(offset)
}

func (s *SectionHandle) integrityErr(err error, offset int64) error {
	if ie, ok := err.(*Error); ok {
		return ie
	}
	return newErr(KindIntegrityFailure, err).withSection(s.Index).withOffset(offset)
}
