// Package ncacrypto provides the stateless cipher primitives used to decode
// NCA containers: AES-128-ECB for key-area unwrap, AES-128-CTR with a
// 128-bit big-endian counter for section bodies, AES-128-XTS with the
// Nintendo big-endian sector tweak for the NCA header, and SHA-256 for the
// hash-tree and fs-header integrity checks.
package ncacrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
)

const (
	// BlockSize is the AES block size in bytes; every primitive here
	// operates on 16-byte keys and 16-byte blocks (AES-128).
	BlockSize = aes.BlockSize
	// KeySize is the size of a single AES-128 key.
	KeySize = 16
)

// DecryptEcb decrypts src with AES-128-ECB using key and returns the
// plaintext in a new slice; src is left unchanged. len(src) must be a
// non-zero multiple of BlockSize. Used for the 0x10-byte NCA key-area slots
// and ticket title keys, which are never larger than a handful of blocks.
func DecryptEcb(key [KeySize]byte, src []byte) ([]byte, error) {
	if len(src)%BlockSize != 0 || len(src) == 0 {
		return nil, fmt.Errorf("ncacrypto: ecb input length %d is not a positive multiple of %d", len(src), BlockSize)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("ncacrypto: ecb cipher init: %w", err)
	}
	dst := make([]byte, len(src))
	for off := 0; off < len(src); off += BlockSize {
		block.Decrypt(dst[off:off+BlockSize], src[off:off+BlockSize])
	}
	return dst, nil
}

// EncryptEcb is the inverse of DecryptEcb, used by round-trip tests.
func EncryptEcb(key [KeySize]byte, src []byte) ([]byte, error) {
	if len(src)%BlockSize != 0 || len(src) == 0 {
		return nil, fmt.Errorf("ncacrypto: ecb input length %d is not a positive multiple of %d", len(src), BlockSize)
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("ncacrypto: ecb cipher init: %w", err)
	}
	dst := make([]byte, len(src))
	for off := 0; off < len(src); off += BlockSize {
		block.Encrypt(dst[off:off+BlockSize], src[off:off+BlockSize])
	}
	return dst, nil
}

// Sha256 is a thin wrapper kept so callers never import crypto/sha256
// directly; it exists to give the integrity-check call sites a single,
// greppable entry point.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// CtrCounter builds the 128-bit big-endian AES-CTR counter used for NCA
// section bodies: the upper 64 bits are the caller-supplied section
// counter halves (ctrHigh, ctrLow), the lower 64 bits are the 0x10-aligned
// block index within the section.
func CtrCounter(ctrHigh, ctrLow uint32, blockIndex uint64) [BlockSize]byte {
	var counter [BlockSize]byte
	counter[0] = byte(ctrHigh >> 24)
	counter[1] = byte(ctrHigh >> 16)
	counter[2] = byte(ctrHigh >> 8)
	counter[3] = byte(ctrHigh)
	counter[4] = byte(ctrLow >> 24)
	counter[5] = byte(ctrLow >> 16)
	counter[6] = byte(ctrLow >> 8)
	counter[7] = byte(ctrLow)
	for i := 0; i < 8; i++ {
		counter[15-i] = byte(blockIndex >> (8 * i))
	}
	return counter
}

// DecryptCtr decrypts (or encrypts, CTR is an involution) src with AES-128-CTR
// using the given key and initial counter. The caller is responsible for
// 0x10-aligning offsets before calling; this function has no knowledge of
// section boundaries.
func DecryptCtr(key [KeySize]byte, counter [BlockSize]byte, src []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("ncacrypto: ctr cipher init: %w", err)
	}
	stream := cipher.NewCTR(block, counter[:])
	dst := make([]byte, len(src))
	stream.XORKeyStream(dst, src)
	return dst, nil
}
