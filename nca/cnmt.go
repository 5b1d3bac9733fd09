package nca

import (
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// ContentMetaType mirrors the cnmt header's type byte, original_source/nca.h.
type ContentMetaType byte

const (
	ContentMetaSystemProgram        ContentMetaType = 1
	ContentMetaSystemData           ContentMetaType = 2
	ContentMetaSystemUpdate         ContentMetaType = 3
	ContentMetaBootImagePackage     ContentMetaType = 4
	ContentMetaBootImagePackageSafe ContentMetaType = 5
	ContentMetaApplication          ContentMetaType = 0x80
	ContentMetaPatch                ContentMetaType = 0x81
	ContentMetaAddOnContent         ContentMetaType = 0x82
	ContentMetaDelta                ContentMetaType = 0x83
)

// ContentRecord is one entry of a cnmt's content table: an NCA id plus the
// role it plays (Program, Control, ...).
type ContentRecord struct {
	Type   string
	NcaId  [16]byte
	NcaHex string
}

// Cnmt is the supplemented §3 entity summarizing a title's content meta,
// §4.4 of SPEC_FULL. Grounded on switchfs/cnmt.go's readBinaryCnmt /
// readXmlCnmt, generalized to a single type covering both the on-disk
// binary cnmt (inside a "*.cnmt.nca") and its XML sidecar form.
type Cnmt struct {
	TitleId  uint64
	Version  uint32
	Type     ContentMetaType
	Contents []ContentRecord
}

// cnmt binary content-record roles, original_source/nca.h cnmt_content_record.
var cnmtContentTypeNames = map[byte]string{
	0: "Meta", 1: "Program", 2: "Data", 3: "Control",
	4: "HtmlDocument", 5: "LegalInformation", 6: "DeltaFragment",
}

// DecodeBinaryCnmt parses a cnmt.nca's decrypted PFS0 payload: a 0x20-byte
// header followed by a content-record table, each entry 0x38 bytes, per
// original_source/nca.h's cnmt_header / cnmt_content_record.
func DecodeBinaryCnmt(data []byte) (*Cnmt, error) {
	if len(data) < 0x20 {
		return nil, fmt.Errorf("nca: cnmt buffer too short: %d < 0x20", len(data))
	}
	titleId := binary.LittleEndian.Uint64(data[0x0:0x8])
	version := binary.LittleEndian.Uint32(data[0x8:0xC])
	metaType := data[0xC]
	tableOffset := binary.LittleEndian.Uint16(data[0xE:0x10])
	contentCount := binary.LittleEndian.Uint16(data[0x10:0x12])

	cnmt := &Cnmt{TitleId: titleId, Version: version, Type: ContentMetaType(metaType)}

	const headerSize = 0x20
	const recordSize = 0x38
	for i := uint16(0); i < contentCount; i++ {
		pos := int(headerSize) + int(tableOffset) + int(i)*recordSize
		if pos+recordSize > len(data) {
			return nil, fmt.Errorf("nca: cnmt content record %d out of bounds", i)
		}
		var rec ContentRecord
		copy(rec.NcaId[:], data[pos+0x20:pos+0x30])
		rec.NcaHex = fmt.Sprintf("%x", rec.NcaId)
		rec.Type = cnmtContentTypeNames[data[pos+0x36]]
		cnmt.Contents = append(cnmt.Contents, rec)
	}
	return cnmt, nil
}

// xmlContentMeta mirrors the ".cnmt.xml" sidecar schema, switchfs/cnmt.go's
// ContentMeta, trimmed to the fields this package actually consumes.
type xmlContentMeta struct {
	XMLName xml.Name `xml:"ContentMeta"`
	Type    string   `xml:"Type"`
	ID      string   `xml:"Id"`
	Version uint32   `xml:"Version"`
	Content []struct {
		Type string `xml:"Type"`
		ID   string `xml:"Id"`
	} `xml:"Content"`
}

// DecodeXmlCnmt parses a ".cnmt.xml" sidecar, an alternate on-disk
// representation of the same information DecodeBinaryCnmt extracts from
// the binary form. Content ids are kept as text in NcaHex; NcaId is left
// zero.
func DecodeXmlCnmt(data []byte) (*Cnmt, error) {
	var x xmlContentMeta
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("nca: cnmt xml: %w", err)
	}
	cnmt := &Cnmt{Version: x.Version}
	if x.ID != "" {
		titleId, err := strconv.ParseUint(strings.TrimPrefix(x.ID, "0x"), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("nca: cnmt xml: bad Id %q: %w", x.ID, err)
		}
		cnmt.TitleId = titleId
	}
	for _, c := range x.Content {
		cnmt.Contents = append(cnmt.Contents, ContentRecord{Type: c.Type, NcaHex: c.ID})
	}
	switch x.Type {
	case "Application":
		cnmt.Type = ContentMetaApplication
	case "Patch":
		cnmt.Type = ContentMetaPatch
	case "AddOnContent":
		cnmt.Type = ContentMetaAddOnContent
	case "Delta":
		cnmt.Type = ContentMetaDelta
	}
	return cnmt, nil
}
