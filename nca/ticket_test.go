package nca

import (
	"bytes"
	"encoding/binary"
	"testing"

	ncacrypto "github.com/giwty/nca-core/crypto"
)

type fakeTicketStore struct {
	byRights map[[16]byte][]byte
}

func (f *fakeTicketStore) Lookup(rightsId [16]byte) ([]byte, error) {
	return f.byRights[rightsId], nil
}

func buildTicket(t *testing.T, rightsId [16]byte, encKey [16]byte, titlekeyType TitlekeyType, masterKeyRev byte) []byte {
	t.Helper()
	raw := make([]byte, ticketSize)
	binary.BigEndian.PutUint32(raw[0x0:0x4], 0x10004)
	copy(raw[0x180:0x190], encKey[:])
	raw[0x261] = byte(titlekeyType)
	raw[0x263] = masterKeyRev
	copy(raw[0x2A0:0x2B0], rightsId[:])
	return raw
}

func TestResolveTitleKeyCommon(t *testing.T) {
	ks := newFakeKeyStore()
	var rightsId [16]byte
	rightsId[0] = 0x42

	var plainTitleKey [16]byte
	copy(plainTitleKey[:], []byte("titlekeyplain!!!"))
	encTitleKey, err := ncacrypto.EncryptEcb(ks.titlekekByRev[0], plainTitleKey[:])
	if err != nil {
		t.Fatalf("encrypt title key: %v", err)
	}
	var encArr [16]byte
	copy(encArr[:], encTitleKey)

	ticketRaw := buildTicket(t, rightsId, encArr, TitlekeyCommon, 0)
	ts := &fakeTicketStore{byRights: map[[16]byte][]byte{rightsId: ticketRaw}}

	got, err := ResolveTitleKey(ts, ks, rightsId)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !bytes.Equal(got[:], plainTitleKey[:]) {
		t.Fatalf("title key mismatch: got %x want %x", got, plainTitleKey)
	}
}

func TestResolveTitleKeyPersonalizedUnsupported(t *testing.T) {
	ks := newFakeKeyStore()
	var rightsId [16]byte
	rightsId[0] = 0x7

	ticketRaw := buildTicket(t, rightsId, [16]byte{}, TitlekeyPersonalized, 0)
	ts := &fakeTicketStore{byRights: map[[16]byte][]byte{rightsId: ticketRaw}}

	_, err := ResolveTitleKey(ts, ks, rightsId)
	ncaErr, ok := err.(*Error)
	if !ok || ncaErr.Kind != KindUnsupportedTicket {
		t.Fatalf("expected UnsupportedTicket, got %v", err)
	}
}

func TestResolveTitleKeyMissing(t *testing.T) {
	ks := newFakeKeyStore()
	ts := &fakeTicketStore{byRights: map[[16]byte][]byte{}}
	var rightsId [16]byte
	rightsId[0] = 0x9

	_, err := ResolveTitleKey(ts, ks, rightsId)
	ncaErr, ok := err.(*Error)
	if !ok || ncaErr.Kind != KindMissingKey {
		t.Fatalf("expected MissingKey, got %v", err)
	}
}
