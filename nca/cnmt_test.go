package nca

import (
	"encoding/binary"
	"testing"
)

func TestDecodeBinaryCnmt(t *testing.T) {
	const tableOffset = 0
	const recordCount = 2
	buf := make([]byte, 0x20+recordCount*0x38)
	binary.LittleEndian.PutUint64(buf[0x0:0x8], 0x0100000000010000)
	binary.LittleEndian.PutUint32(buf[0x8:0xC], 5)
	buf[0xC] = byte(ContentMetaApplication)
	binary.LittleEndian.PutUint16(buf[0xE:0x10], tableOffset)
	binary.LittleEndian.PutUint16(buf[0x10:0x12], recordCount)

	rec0 := buf[0x20:0x58]
	rec0[0x30] = 0xAB
	rec0[0x36] = 1 // Program

	rec1 := buf[0x58:0x90]
	rec1[0x30] = 0xCD
	rec1[0x36] = 3 // Control

	cnmt, err := DecodeBinaryCnmt(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cnmt.TitleId != 0x0100000000010000 || cnmt.Version != 5 {
		t.Fatalf("unexpected header fields: %+v", cnmt)
	}
	if cnmt.Type != ContentMetaApplication {
		t.Fatalf("unexpected type: %v", cnmt.Type)
	}
	if len(cnmt.Contents) != 2 {
		t.Fatalf("expected 2 content records, got %d", len(cnmt.Contents))
	}
	if cnmt.Contents[0].Type != "Program" || cnmt.Contents[1].Type != "Control" {
		t.Fatalf("unexpected content types: %+v", cnmt.Contents)
	}
}

func TestDecodeXmlCnmt(t *testing.T) {
	xmlData := []byte(`<ContentMeta>
  <Type>Patch</Type>
  <Id>0x0100000000010800</Id>
  <Version>65536</Version>
  <Content>
    <Type>Program</Type>
    <Id>deadbeef</Id>
  </Content>
</ContentMeta>`)

	cnmt, err := DecodeXmlCnmt(xmlData)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cnmt.Type != ContentMetaPatch {
		t.Fatalf("expected Patch type, got %v", cnmt.Type)
	}
	if cnmt.Version != 65536 {
		t.Fatalf("unexpected version: %d", cnmt.Version)
	}
	if len(cnmt.Contents) != 1 || cnmt.Contents[0].NcaHex != "deadbeef" {
		t.Fatalf("unexpected contents: %+v", cnmt.Contents)
	}
}
