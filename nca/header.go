package nca

import (
	"bytes"
	"encoding/binary"
	"fmt"

	ncacrypto "github.com/giwty/nca-core/crypto"
)

// DecodeHeader decrypts and validates a raw 0xC00-byte NCA header buffer,
// per §4.2. It does not touch section bodies or the key area's application
// key — that happens in BuildSectionCiphers, once the caller has resolved
// whether title-key crypto applies.
//
// Grounded on switchfs/ncaHeader.go's DecryptNcaHeader + switchfs/fs.go's
// getFsHeader/getFsEntry, generalized into a single pass that also performs
// the §4.2 step-3 fs-header hash check inline rather than leaving it to the
// caller.
func DecodeHeader(rawHeader []byte, keyStore KeyStore) (*Header, error) {
	if len(rawHeader) < HeaderSize {
		return nil, newErr(KindMalformedHeader, fmt.Errorf("header buffer too short: %d < %d", len(rawHeader), HeaderSize)).withOffset(0)
	}

	dataKey, tweakKey, err := keyStore.HeaderKeyPair()
	if err != nil {
		return nil, newErr(KindMissingKey, err).withOffset(0)
	}
	xts, err := ncacrypto.NewXtsCipher(dataKey, tweakKey)
	if err != nil {
		return nil, newErr(KindMalformedHeader, err).withOffset(0)
	}

	decrypted := make([]byte, HeaderSize)
	if err := xts.DecryptSectors(decrypted, rawHeader[:HeaderSize], 0); err != nil {
		return nil, newErr(KindMalformedHeader, err).withOffset(0)
	}

	magic := Magic(decrypted[0x200:0x204])
	if magic != MagicNCA2 && magic != MagicNCA3 {
		return nil, newErr(KindUnsupportedArchive, fmt.Errorf("unrecognized magic %q", decrypted[0x200:0x204])).withOffset(0x200)
	}

	h := &Header{Magic: magic}
	copy(h.raw[:], decrypted)

	h.Distribution = decrypted[0x204]
	h.ContentType = ContentType(decrypted[0x205])
	h.CryptoType = decrypted[0x206]
	h.KaekIndex = decrypted[0x207]
	h.NcaSize = binary.LittleEndian.Uint64(decrypted[0x208:0x210])
	h.TitleId = binary.LittleEndian.Uint64(decrypted[0x210:0x218])
	h.CryptoType2 = decrypted[0x220]
	copy(h.RightsId[:], decrypted[0x230:0x240])

	for i := 0; i < SectionCount; i++ {
		entryOff := 0x240 + 0x10*i
		h.SectionEntries[i] = SectionEntry{
			MediaStartOffset: binary.LittleEndian.Uint32(decrypted[entryOff : entryOff+4]),
			MediaEndOffset:   binary.LittleEndian.Uint32(decrypted[entryOff+4 : entryOff+8]),
		}
		hashOff := 0x280 + 0x20*i
		copy(h.SectionHashes[i][:], decrypted[hashOff:hashOff+0x20])
		keyOff := 0x300 + 0x10*i
		copy(h.KeyArea[i][:], decrypted[keyOff:keyOff+0x10])
	}

	for i := 0; i < SectionCount; i++ {
		if !h.SectionEntries[i].Present() {
			continue
		}
		fsHeaderOff := MainHeaderSize + FsHeaderSize*i
		fsHeaderBytes := decrypted[fsHeaderOff : fsHeaderOff+FsHeaderSize]

		actualHash := ncacrypto.Sha256(fsHeaderBytes)
		if !bytes.Equal(actualHash[:], h.SectionHashes[i][:]) {
			return nil, newErr(KindIntegrityFailure, fmt.Errorf("fs header hash mismatch")).withSection(i).withOffset(int64(fsHeaderOff))
		}

		fh, err := decodeFsHeader(fsHeaderBytes)
		if err != nil {
			return nil, newErr(KindMalformedHeader, err).withSection(i).withOffset(int64(fsHeaderOff))
		}
		h.FsHeaders[i] = fh
	}

	return h, nil
}

// decodeFsHeader parses the 0x200-byte FS header body. Layout from
// original_source/nca.h's nca_fs_header_t: partition_type @0x2, fs_type
// @0x3, crypt_type @0x4, the 0x138-byte superblock at @0x8, and the
// section_ctr low/high u32 pair at @0x140.
func decodeFsHeader(data []byte) (*FsHeader, error) {
	if len(data) != FsHeaderSize {
		return nil, fmt.Errorf("fs header length %d != %d", len(data), FsHeaderSize)
	}
	fh := &FsHeader{
		PartitionType: data[0x2],
		FsType:        data[0x3],
		CryptType:     CryptType(data[0x4]),
	}
	copy(fh.raw[:], data)
	fh.Superblock = fh.raw[0x8:0x140]
	fh.CtrLow = binary.LittleEndian.Uint32(data[0x140:0x144])
	fh.CtrHigh = binary.LittleEndian.Uint32(data[0x144:0x148])
	return fh, nil
}
