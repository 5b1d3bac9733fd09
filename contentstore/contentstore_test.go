package contentstore

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestReadAtWholeFile(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0x42}, 0x100)
	if err := os.WriteFile(filepath.Join(dir, "0100.nca"), data, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := New(dir)
	defer store.Close()

	got := make([]byte, 0x10)
	n, err := store.ReadAt(context.Background(), "0100", got, 0x20)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n != 0x10 || !bytes.Equal(got, data[0x20:0x30]) {
		t.Fatalf("unexpected read: n=%d got=%x", n, got)
	}
}

func TestReadAtSplitFileCrossesPartBoundary(t *testing.T) {
	dir := t.TempDir()
	part0 := bytes.Repeat([]byte{0x01}, 0x10)
	part1 := bytes.Repeat([]byte{0x02}, 0x10)
	if err := os.WriteFile(filepath.Join(dir, "0200.nca.0"), part0, 0o600); err != nil {
		t.Fatalf("write part0: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0200.nca.1"), part1, 0o600); err != nil {
		t.Fatalf("write part1: %v", err)
	}

	store := New(dir)
	defer store.Close()

	got := make([]byte, 0x8)
	n, err := store.ReadAt(context.Background(), "0200", got, 0xC)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(append([]byte{}, part0[0xC:]...), part1[:0x4]...)
	if n != 0x8 || !bytes.Equal(got, want) {
		t.Fatalf("unexpected cross-part read: n=%d got=%x want=%x", n, got, want)
	}
}

func TestReadAtMissingContentReturnsError(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	defer store.Close()

	_, err := store.ReadAt(context.Background(), "missing", make([]byte, 4), 0)
	if err == nil {
		t.Fatal("expected error for missing content")
	}
}
