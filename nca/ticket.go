package nca

import (
	"encoding/binary"
	"fmt"

	ncacrypto "github.com/giwty/nca-core/crypto"
)

const ticketSize = 0x2C0

// TitlekeyType distinguishes a ticket whose title key is shared across a
// region of titles from one personalized to a single console.
type TitlekeyType byte

const (
	TitlekeyCommon       TitlekeyType = 0
	TitlekeyPersonalized TitlekeyType = 1
)

// Ticket is the §3 TitleRights entity, minus DecTitlekey, which
// ResolveTitleKey decrypts with the title-key KEK and returns separately.
type Ticket struct {
	SigType      uint32
	RightsId     [16]byte
	EncTitlekey  [16]byte
	TitlekeyType TitlekeyType
	MasterKeyRev byte
}

// ParseTicket decodes the 0x2C0-byte eTicket structure, §6.3. Layout:
// sig_type u32 @0x0, signature 0x100 @0x4, padding to 0x140, issuer 0x40
// @0x140, titlekey_block 0x100 @0x180, titlekey_type @0x261,
// master_key_rev @0x263, rights_id @0x2A0.
func ParseTicket(raw []byte) (*Ticket, error) {
	if len(raw) < ticketSize {
		return nil, fmt.Errorf("nca: ticket buffer too short: %d < %d", len(raw), ticketSize)
	}
	t := &Ticket{
		SigType:      binary.BigEndian.Uint32(raw[0x0:0x4]),
		TitlekeyType: TitlekeyType(raw[0x261]),
		MasterKeyRev: raw[0x263],
	}
	copy(t.EncTitlekey[:], raw[0x180:0x190])
	copy(t.RightsId[:], raw[0x2A0:0x2B0])
	return t, nil
}

// ResolveTitleKey implements the §4.8 title-rights resolver: look up the
// ticket for rightsId, and for a common ticket, AES-ECB-decrypt its
// titlekey_block using the title-key-encryption-key for its master_key_rev.
// Personalized tickets fail with KindUnsupportedTicket, since unwrapping
// their RSA-OAEP-wrapped key is out of scope (§4.8, §9 Open Questions).
func ResolveTitleKey(ticketStore TicketStore, keyStore KeyStore, rightsId [16]byte) ([16]byte, error) {
	var decKey [16]byte

	raw, err := ticketStore.Lookup(rightsId)
	if err != nil {
		return decKey, newErr(KindIo, err).withOffset(0)
	}
	if raw == nil {
		return decKey, newErr(KindMissingKey, fmt.Errorf("no ticket found for rights_id %x", rightsId)).withOffset(0)
	}

	ticket, err := ParseTicket(raw)
	if err != nil {
		return decKey, newErr(KindMalformedHeader, err).withOffset(0)
	}

	if ticket.TitlekeyType == TitlekeyPersonalized {
		return decKey, newErr(KindUnsupportedTicket, fmt.Errorf("personalized ticket requires a pre-decrypted title key")).withOffset(0)
	}

	kek, err := keyStore.TitlekeyKek(int(ticket.MasterKeyRev))
	if err != nil {
		return decKey, newErr(KindMissingKey, err).withOffset(0)
	}

	dec, err := ncacrypto.DecryptEcb(kek, ticket.EncTitlekey[:])
	if err != nil {
		return decKey, newErr(KindMalformedHeader, err).withOffset(0)
	}
	copy(decKey[:], dec)
	return decKey, nil
}
