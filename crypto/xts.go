package ncacrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// XtsSectorSize is the fixed sector size XTS operates over when decrypting
// the NCA header.
const XtsSectorSize = 0x200

// XtsCipher is an AES-128-XTS cipher using the Nintendo sector-tweak
// convention: the tweak is the big-endian encoding of the sector index,
// encrypted once with the tweak key, rather than the IEEE P1619
// little-endian tweak. Adapted from the standard XEX construction (see
// the rawhide xts.Cipher in the reference pack) with the tweak derivation
// swapped to match Nintendo's header format.
type XtsCipher struct {
	dataBlock  cipher.Block
	tweakBlock cipher.Block
}

// NewXtsCipher builds a cipher from the two 16-byte XTS subkeys.
func NewXtsCipher(dataKey, tweakKey [KeySize]byte) (*XtsCipher, error) {
	dataBlock, err := aes.NewCipher(dataKey[:])
	if err != nil {
		return nil, fmt.Errorf("ncacrypto: xts data key: %w", err)
	}
	tweakBlock, err := aes.NewCipher(tweakKey[:])
	if err != nil {
		return nil, fmt.Errorf("ncacrypto: xts tweak key: %w", err)
	}
	return &XtsCipher{dataBlock: dataBlock, tweakBlock: tweakBlock}, nil
}

// nintendoTweak renders sector as a 16-byte big-endian value, per the NCA
// header format's "Workaround for Nintendo's custom sector" convention.
func nintendoTweak(sector uint64) [BlockSize]byte {
	var tweak [BlockSize]byte
	for i := 0; i < 8; i++ {
		tweak[15-i] = byte(sector >> (8 * i))
	}
	return tweak
}

// mul2 doubles tweak in GF(2^128) under the XTS irreducible polynomial
// x^128 + x^7 + x^2 + x + 1, advancing the tweak from one block to the next
// within a sector larger than one AES block.
// As in standard XTS, the 16 bytes are a little-endian value: byte 0 is the
// least significant, and the reduction is folded back into byte 0.
func mul2(tweak *[BlockSize]byte) {
	var carryIn byte
	for j := 0; j < BlockSize; j++ {
		carryOut := tweak[j] >> 7
		tweak[j] = (tweak[j] << 1) | carryIn
		carryIn = carryOut
	}
	if carryIn != 0 {
		tweak[0] ^= 1<<7 | 1<<2 | 1<<1 | 1
	}
}

// DecryptSector decrypts exactly one XtsSectorSize-byte sector, identified
// by sectorIndex, using the Nintendo tweak convention.
func (c *XtsCipher) DecryptSector(dst, src []byte, sectorIndex uint64) error {
	if len(src) != XtsSectorSize || len(dst) != XtsSectorSize {
		return fmt.Errorf("ncacrypto: xts sector length must be %d, got src=%d dst=%d", XtsSectorSize, len(src), len(dst))
	}
	tweak := nintendoTweak(sectorIndex)
	c.tweakBlock.Encrypt(tweak[:], tweak[:])

	for off := 0; off < XtsSectorSize; off += BlockSize {
		block := make([]byte, BlockSize)
		for j := 0; j < BlockSize; j++ {
			block[j] = src[off+j] ^ tweak[j]
		}
		c.dataBlock.Decrypt(block, block)
		for j := 0; j < BlockSize; j++ {
			dst[off+j] = block[j] ^ tweak[j]
		}
		mul2(&tweak)
	}
	return nil
}

// EncryptSector encrypts exactly one XtsSectorSize-byte sector, the inverse
// of DecryptSector. Production code never re-encrypts an NCA header, but
// test fixtures use this to build synthetic encrypted headers.
func (c *XtsCipher) EncryptSector(dst, src []byte, sectorIndex uint64) error {
	if len(src) != XtsSectorSize || len(dst) != XtsSectorSize {
		return fmt.Errorf("ncacrypto: xts sector length must be %d, got src=%d dst=%d", XtsSectorSize, len(src), len(dst))
	}
	tweak := nintendoTweak(sectorIndex)
	c.tweakBlock.Encrypt(tweak[:], tweak[:])

	for off := 0; off < XtsSectorSize; off += BlockSize {
		block := make([]byte, BlockSize)
		for j := 0; j < BlockSize; j++ {
			block[j] = src[off+j] ^ tweak[j]
		}
		c.dataBlock.Encrypt(block, block)
		for j := 0; j < BlockSize; j++ {
			dst[off+j] = block[j] ^ tweak[j]
		}
		mul2(&tweak)
	}
	return nil
}

// EncryptSectors encrypts data (a multiple of XtsSectorSize bytes) starting
// at startSector.
func (c *XtsCipher) EncryptSectors(dst, src []byte, startSector uint64) error {
	if len(src)%XtsSectorSize != 0 || len(dst) != len(src) {
		return fmt.Errorf("ncacrypto: xts data length %d not a multiple of sector size %d", len(src), XtsSectorSize)
	}
	sector := startSector
	for off := 0; off < len(src); off += XtsSectorSize {
		if err := c.EncryptSector(dst[off:off+XtsSectorSize], src[off:off+XtsSectorSize], sector); err != nil {
			return err
		}
		sector++
	}
	return nil
}

// DecryptSectors decrypts data (a multiple of XtsSectorSize bytes) starting
// at startSector, one sector at a time; it is the primary entry point used
// by the NCA header decoder, which always starts at sector 0.
func (c *XtsCipher) DecryptSectors(dst, src []byte, startSector uint64) error {
	if len(src)%XtsSectorSize != 0 || len(dst) != len(src) {
		return fmt.Errorf("ncacrypto: xts data length %d not a multiple of sector size %d", len(src), XtsSectorSize)
	}
	sector := startSector
	for off := 0; off < len(src); off += XtsSectorSize {
		if err := c.DecryptSector(dst[off:off+XtsSectorSize], src[off:off+XtsSectorSize], sector); err != nil {
			return err
		}
		sector++
	}
	return nil
}
