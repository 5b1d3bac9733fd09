package ncacrypto

import (
	"bytes"
	"testing"
)

func TestEcbRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("0123456789abcdef"))
	plain := bytes.Repeat([]byte{0x42}, 0x30)

	enc, err := EncryptEcb(key, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	dec, err := DecryptEcb(key, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("round trip mismatch: got %x want %x", dec, plain)
	}
}

func TestEcbRejectsUnalignedInput(t *testing.T) {
	var key [KeySize]byte
	if _, err := DecryptEcb(key, make([]byte, 5)); err == nil {
		t.Fatal("expected error for non-block-aligned input")
	}
}

func TestCtrRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], []byte("fedcba9876543210"))
	counter := CtrCounter(0xDEADBEEF, 0x1, 0x100)

	plain := bytes.Repeat([]byte{0xAB}, 0x40)
	cipherText, err := DecryptCtr(key, counter, plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	roundTrip, err := DecryptCtr(key, counter, cipherText)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(roundTrip, plain) {
		t.Fatalf("ctr round trip mismatch")
	}
}

func TestCtrCounterLayout(t *testing.T) {
	c := CtrCounter(0x01020304, 0x05060708, 0x0102030405060708)
	want := [BlockSize]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if c != want {
		t.Fatalf("counter layout mismatch: got %x want %x", c, want)
	}
}

func TestXtsRoundTrip(t *testing.T) {
	var dataKey, tweakKey [KeySize]byte
	copy(dataKey[:], []byte("0123456789abcdef"))
	copy(tweakKey[:], []byte("fedcba9876543210"))

	c, err := NewXtsCipher(dataKey, tweakKey)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plain := bytes.Repeat([]byte{0x11}, XtsSectorSize*3)
	enc := make([]byte, len(plain))
	if err := c.EncryptSectors(enc, plain, 5); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	dec := make([]byte, len(plain))
	if err := c.DecryptSectors(dec, enc, 5); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(dec, plain) {
		t.Fatalf("xts round trip mismatch")
	}
}

func TestXtsRejectsBadLength(t *testing.T) {
	var dataKey, tweakKey [KeySize]byte
	c, _ := NewXtsCipher(dataKey, tweakKey)
	if err := c.DecryptSector(make([]byte, 10), make([]byte, 10), 0); err == nil {
		t.Fatal("expected error for undersized sector")
	}
}
