package bktr

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	ncacrypto "github.com/giwty/nca-core/crypto"
	"github.com/giwty/nca-core/nca"
)

// fakeReader serves reads out of an in-memory buffer.
type fakeReader struct{ data []byte }

func (f *fakeReader) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	return f.data[offset : offset+length], nil
}

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:off+8], v) }

// buildRelocationBlock builds a single-bucket relocation table with two
// entries: virtual [0, 0x100) is patch data (phys offset 0 within the
// patch section), virtual [0x100, 0x200) is base data at the identical
// base-section offset.
func buildRelocationBlock() []byte {
	block := make([]byte, 0x4000+relocBucketSize)
	putU32(block, 4, 1)  // num_buckets
	putU64(block, 16, 0) // bucket_virtual_offsets[0]

	bucket := block[0x4000:]
	putU32(bucket, 4, 2)     // num_entries
	putU64(bucket, 8, 0x200) // virtual_offset_end
	row0 := bucket[16:]
	putU64(row0, 0, 0x0) // virt
	putU64(row0, 8, 0x0) // phys
	putU32(row0, 16, 1)  // is_patch = true
	row1 := bucket[16+relocEntrySize:]
	putU64(row1, 0, 0x100) // virt
	putU64(row1, 8, 0x100) // phys (identity mapping into base section)
	putU32(row1, 16, 0)    // is_patch = false
	return block
}

// buildSubsectionBlock builds a single-bucket subsection table with two
// entries over the patch section's physical address space: [0, 0x80) ctr
// 0xAAAA, [0x80, 0x100) ctr 0xBBBB.
func buildSubsectionBlock() []byte {
	block := make([]byte, 0x4000+subBucketSize)
	putU32(block, 4, 1)
	putU64(block, 16, 0)

	bucket := block[0x4000:]
	putU32(bucket, 4, 2)
	putU64(bucket, 8, 0x100) // physical_offset_end
	row0 := bucket[16:]
	putU64(row0, 0, 0x0)
	putU32(row0, 12, 0xAAAA)
	row1 := bucket[16+subEntrySize:]
	putU64(row1, 0, 0x80)
	putU32(row1, 12, 0xBBBB)
	return block
}

func TestRelocationRangeLookup(t *testing.T) {
	reader := &fakeReader{data: buildRelocationBlock()}
	table, err := ParseRelocationTable(context.Background(), reader, 0, Header{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	entry, end, err := table.relocationRange(0x50)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if !entry.IsPatch || end != 0x100 {
		t.Fatalf("expected patch entry ending at 0x100, got %+v end=%#x", entry, end)
	}

	entry, end, err = table.relocationRange(0x150)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if entry.IsPatch || end != 0x200 {
		t.Fatalf("expected base entry ending at 0x200, got %+v end=%#x", entry, end)
	}
}

func TestSubsectionRangeLookup(t *testing.T) {
	reader := &fakeReader{data: buildSubsectionBlock()}
	table, err := ParseSubsectionTable(context.Background(), reader, 0, Header{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	entry, end, err := table.subsectionRange(0x10)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if entry.CtrVal != 0xAAAA || end != 0x80 {
		t.Fatalf("expected first subsection, got %+v end=%#x", entry, end)
	}

	entry, end, err = table.subsectionRange(0x90)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if entry.CtrVal != 0xBBBB || end != 0x100 {
		t.Fatalf("expected second subsection, got %+v end=%#x", entry, end)
	}
}

// fakePatchSource is a toy "cipher" (XOR with a byte derived from
// ctrVal) so the boundary-crossing tests below can assert the overlay
// picked the right subsection/relocation entry without needing a real
// AES-CTR implementation. TestOverlayDecryptsRealBktrCiphertext below
// covers the actual counter construction with the real cipher.
type fakePatchSource struct{ data []byte }

func (p *fakePatchSource) ReadCiphertext(ctx context.Context, offset, length int64) ([]byte, error) {
	return p.data[offset : offset+length], nil
}

func (p *fakePatchSource) DecryptCtrWithCounter(ctrVal uint32, blockIndex uint64, ciphertext []byte) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	key := byte(ctrVal)
	for i, b := range ciphertext {
		out[i] = b ^ key
	}
	return out, nil
}

// xorKeyFor returns the ciphertext byte that decodes to the given plaintext
// byte under fakePatchSource's XOR "cipher", used to build the fixture.
func xorKeyFor(plain, ctrVal byte) byte { return plain ^ ctrVal }

func TestOverlayReadWithinSingleSubsection(t *testing.T) {
	baseReader := &fakeReader{data: bytes.Repeat([]byte{0x11}, 0x200)}

	relocReader := &fakeReader{data: buildRelocationBlock()}
	reloc, err := ParseRelocationTable(context.Background(), relocReader, 0, Header{})
	if err != nil {
		t.Fatalf("parse reloc: %v", err)
	}
	subReader := &fakeReader{data: buildSubsectionBlock()}
	sub, err := ParseSubsectionTable(context.Background(), subReader, 0, Header{})
	if err != nil {
		t.Fatalf("parse sub: %v", err)
	}

	cipherText := make([]byte, 0x100)
	for i := range cipherText {
		if i < 0x80 {
			cipherText[i] = xorKeyFor(0x22, 0xAA)
		} else {
			cipherText[i] = xorKeyFor(0x33, 0xBB)
		}
	}
	patch := &fakePatchSource{data: cipherText}
	overlay := NewOverlay(baseReader, patch, reloc, sub, 0)

	got, err := overlay.Read(context.Background(), 0x50, 0x10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0x22}, 0x10)) {
		t.Fatalf("got %x", got)
	}
}

func TestOverlayReadCrossesSubsectionBoundary(t *testing.T) {
	baseReader := &fakeReader{data: bytes.Repeat([]byte{0x11}, 0x200)}
	relocReader := &fakeReader{data: buildRelocationBlock()}
	reloc, _ := ParseRelocationTable(context.Background(), relocReader, 0, Header{})
	subReader := &fakeReader{data: buildSubsectionBlock()}
	sub, _ := ParseSubsectionTable(context.Background(), subReader, 0, Header{})

	cipherText := make([]byte, 0x100)
	for i := range cipherText {
		if i < 0x80 {
			cipherText[i] = xorKeyFor(0x22, 0xAA)
		} else {
			cipherText[i] = xorKeyFor(0x33, 0xBB)
		}
	}
	patch := &fakePatchSource{data: cipherText}
	overlay := NewOverlay(baseReader, patch, reloc, sub, 0)

	got, err := overlay.Read(context.Background(), 0x70, 0x20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(bytes.Repeat([]byte{0x22}, 0x10), bytes.Repeat([]byte{0x33}, 0x10)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

func TestOverlayReadCrossesRelocationBoundary(t *testing.T) {
	baseReader := &fakeReader{data: bytes.Repeat([]byte{0x11}, 0x200)}
	relocReader := &fakeReader{data: buildRelocationBlock()}
	reloc, _ := ParseRelocationTable(context.Background(), relocReader, 0, Header{})
	subReader := &fakeReader{data: buildSubsectionBlock()}
	sub, _ := ParseSubsectionTable(context.Background(), subReader, 0, Header{})

	cipherText := make([]byte, 0x100)
	for i := range cipherText {
		if i < 0x80 {
			cipherText[i] = xorKeyFor(0x22, 0xAA)
		} else {
			cipherText[i] = xorKeyFor(0x33, 0xBB)
		}
	}
	patch := &fakePatchSource{data: cipherText}
	overlay := NewOverlay(baseReader, patch, reloc, sub, 0)

	got, err := overlay.Read(context.Background(), 0xF0, 0x20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(bytes.Repeat([]byte{0x33}, 0x10), bytes.Repeat([]byte{0x11}, 0x10)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}

// realPatchSourceAdapter mirrors archive.patchSourceAdapter: it rebases the
// section-relative block index readPatchRange supplies onto the section's
// byte offset within the NCA before delegating to the real cipher, §4.7
// step 3. Kept here (rather than imported) to avoid a bktr<->archive
// import cycle while still exercising the exact production cipher code.
type realPatchSourceAdapter struct {
	data      []byte // patch section ciphertext, section-relative
	ncaOffset int64
	cipher    *nca.SectionCipher
}

func (p *realPatchSourceAdapter) ReadCiphertext(ctx context.Context, offset, length int64) ([]byte, error) {
	return p.data[offset : offset+length], nil
}

func (p *realPatchSourceAdapter) DecryptCtrWithCounter(ctrVal uint32, blockIndex uint64, ciphertext []byte) ([]byte, error) {
	ncaBlockIndex := uint64(p.ncaOffset)/0x10 + blockIndex
	return p.cipher.DecryptCtrWithCounter(ctrVal, ncaBlockIndex, ciphertext)
}

// TestOverlayDecryptsRealBktrCiphertext builds a patch section encrypted
// with the real AES-CTR cipher, per subsection, at the NCA-relative counter
// §4.7 step 3 requires (counter high 64 bits = (section_ctr_high,
// S.ctr_val), counter low 64 bits = (section_offset_in_nca + phys)/0x10),
// and checks the overlay recovers the plaintext across a subsection
// boundary. This is the scenario the two-SectionCipher/patchSourceAdapter
// bugs broke: a wrong word order or a missing ncaOffset rebase both produce
// garbage here instead of the expected plaintext.
func TestOverlayDecryptsRealBktrCiphertext(t *testing.T) {
	baseReader := &fakeReader{data: bytes.Repeat([]byte{0x11}, 0x200)}
	relocReader := &fakeReader{data: buildRelocationBlock()}
	reloc, err := ParseRelocationTable(context.Background(), relocReader, 0, Header{})
	if err != nil {
		t.Fatalf("parse reloc: %v", err)
	}
	// ctr_val 0xAAAA for [0,0x80), 0xBBBB for [0x80,0x100), matching
	// buildSubsectionBlock.
	subReader := &fakeReader{data: buildSubsectionBlock()}
	sub, err := ParseSubsectionTable(context.Background(), subReader, 0, Header{})
	if err != nil {
		t.Fatalf("parse sub: %v", err)
	}

	var key [16]byte
	copy(key[:], []byte("bktrpatchsectkey"))
	const sectionCtrHigh = 0x01020304
	const ncaOffset = 0x4000 // this patch section's byte offset within the NCA
	cipher := &nca.SectionCipher{Mode: nca.CipherCtr, Key: key, CtrHigh: sectionCtrHigh, CtrLow: 0xFFFFFFFF}

	plain := make([]byte, 0x100)
	for i := range plain {
		if i < 0x80 {
			plain[i] = 0x22
		} else {
			plain[i] = 0x33
		}
	}
	cipherText := make([]byte, 0x100)
	for _, region := range []struct {
		start, end int64
		ctrVal     uint32
	}{{0, 0x80, 0xAAAA}, {0x80, 0x100, 0xBBBB}} {
		blockIndex := uint64(ncaOffset+region.start) / 0x10
		counter := ncacrypto.CtrCounter(sectionCtrHigh, region.ctrVal, blockIndex)
		enc, err := ncacrypto.DecryptCtr(key, counter, plain[region.start:region.end]) // CTR is an involution
		if err != nil {
			t.Fatalf("encrypt fixture: %v", err)
		}
		copy(cipherText[region.start:region.end], enc)
	}

	patch := &realPatchSourceAdapter{data: cipherText, ncaOffset: ncaOffset, cipher: cipher}
	overlay := NewOverlay(baseReader, patch, reloc, sub, 0)

	got, err := overlay.Read(context.Background(), 0x70, 0x20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(bytes.Repeat([]byte{0x22}, 0x10), bytes.Repeat([]byte{0x33}, 0x10)...)
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x want %x", got, want)
	}
}
