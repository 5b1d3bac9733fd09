package nca

import (
	"context"
	"fmt"

	ncacrypto "github.com/giwty/nca-core/crypto"
)

// CipherMode is the per-section decryption scheme, §3 SectionCipher.
type CipherMode int

const (
	CipherNone CipherMode = iota
	CipherXts
	CipherCtr
)

// SectionCipher holds everything needed to decrypt one section's bytes,
// built once when the section is opened and immutable thereafter.
//
// Grounded on switchfs/nca.go's decryptAesCtr: key-area unwrap via AES-ECB
// with the application key at (kaekIndex, keyGeneration), then per-read
// AES-CTR keyed on fsHeader.generation (here, the proper CtrHigh/CtrLow
// pair rather than the teacher's single-field simplification) combined
// with offset/0x10.
type SectionCipher struct {
	Mode     CipherMode
	Key      [16]byte
	CtrHigh  uint32
	CtrLow   uint32
	xtsTweak [16]byte // only populated for CipherXts
}

// BuildSectionCiphers resolves the key-area (or title key) for every present
// section and constructs its SectionCipher, §4.2 steps 4-6.
func BuildSectionCiphers(ctx context.Context, h *Header, keyStore KeyStore, titleKey func(context.Context) ([16]byte, error)) ([SectionCount]*SectionCipher, error) {
	var ciphers [SectionCount]*SectionCipher

	var unwrappedKeys [SectionCount][16]byte
	if h.HasRightsId() {
		if titleKey == nil {
			return ciphers, newErr(KindMissingKey, fmt.Errorf("rights_id is set but no title key source was supplied")).withOffset(0x230)
		}
		key, err := titleKey(ctx)
		if err != nil {
			return ciphers, newErr(KindMissingKey, err).withOffset(0x230)
		}
		for i := range unwrappedKeys {
			unwrappedKeys[i] = key
		}
	} else {
		gen := h.EffectiveKeyGeneration()
		appKey, err := keyStore.ApplicationKey(int(h.KaekIndex), gen)
		if err != nil {
			return ciphers, newErr(KindMissingKey, err).withOffset(0x300)
		}
		for i := 0; i < SectionCount; i++ {
			if !h.SectionEntries[i].Present() {
				continue
			}
			dec, err := ncacrypto.DecryptEcb(appKey, h.KeyArea[i][:])
			if err != nil {
				return ciphers, newErr(KindMalformedHeader, err).withSection(i).withOffset(int64(0x300 + 0x10*i))
			}
			copy(unwrappedKeys[i][:], dec)
		}
	}

	for i := 0; i < SectionCount; i++ {
		if !h.SectionEntries[i].Present() {
			continue
		}
		fh := h.FsHeaders[i]
		sc := &SectionCipher{Key: unwrappedKeys[i], CtrHigh: fh.CtrHigh, CtrLow: fh.CtrLow}
		switch fh.CryptType {
		case CryptTypeNone:
			sc.Mode = CipherNone
		case CryptTypeCtr, CryptTypeBktr:
			sc.Mode = CipherCtr
		case CryptTypeXts:
			sc.Mode = CipherXts
			sc.xtsTweak = unwrappedKeys[i]
		default:
			return ciphers, newErr(KindMalformedHeader, fmt.Errorf("unsupported crypt_type %d", fh.CryptType)).withSection(i)
		}
		ciphers[i] = sc
	}

	return ciphers, nil
}

// DecryptCtrAt decrypts a CTR-mode byte range at sectionOffset (the byte
// offset within the section, not the NCA). sectionOffset must be
// 0x10-aligned, otherwise an error is returned; SectionHandle aligns its
// reads before calling this. The counter's low 64 bits are
// sectionOffset/0x10. The BKTR overlay does not use this method; it
// decrypts through DecryptCtrWithCounter.
func (sc *SectionCipher) DecryptCtrAt(sectionOffset int64, ciphertext []byte) ([]byte, error) {
	if sectionOffset%0x10 != 0 {
		return nil, fmt.Errorf("ctr offset 0x%x is not 0x10-aligned", sectionOffset)
	}
	counter := ncacrypto.CtrCounter(sc.CtrHigh, sc.CtrLow, uint64(sectionOffset)/0x10)
	return ncacrypto.DecryptCtr(sc.Key, counter, ciphertext)
}

// DecryptCtrWithCounter decrypts ciphertext with the section's own CtrHigh
// kept as word0 and ctrVal substituted for word1, used by the BKTR overlay
// to rebase the counter at a subsection boundary, §4.7 step 3: counter high
// 64 bits = (section_ctr_high, S.ctr_val).
func (sc *SectionCipher) DecryptCtrWithCounter(ctrVal uint32, blockIndex uint64, ciphertext []byte) ([]byte, error) {
	counter := ncacrypto.CtrCounter(sc.CtrHigh, ctrVal, blockIndex)
	return ncacrypto.DecryptCtr(sc.Key, counter, ciphertext)
}

// DecryptXtsAt decrypts an XTS-mode byte range at a sector-aligned
// sectionOffset.
func (sc *SectionCipher) DecryptXtsAt(sectionOffset int64, ciphertext []byte) ([]byte, error) {
	if sectionOffset%ncacrypto.XtsSectorSize != 0 || len(ciphertext)%ncacrypto.XtsSectorSize != 0 {
		return nil, fmt.Errorf("xts range must be sector-aligned (sector=0x%x)", ncacrypto.XtsSectorSize)
	}
	xts, err := ncacrypto.NewXtsCipher(sc.Key, sc.xtsTweak)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(ciphertext))
	startSector := uint64(sectionOffset) / ncacrypto.XtsSectorSize
	if err := xts.DecryptSectors(dst, ciphertext, startSector); err != nil {
		return nil, err
	}
	return dst, nil
}
