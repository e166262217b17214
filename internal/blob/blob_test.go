package blob

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCompress_TextUsesZstd(t *testing.T) {
	src := []byte(strings.Repeat("export function hello() { return 'world'; }\n", 50))
	data, tag, err := Compress(src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if tag != CompressionZstd {
		t.Fatalf("expected zstd for text, got %s", tag)
	}
	if len(data) >= len(src) {
		t.Errorf("expected smaller output, got %d >= %d", len(data), len(src))
	}
	out, err := Decompress(data, tag, len(src))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(out, src) {
		t.Error("round trip mismatch")
	}
}

func TestCompress_BinaryUsesLZ4(t *testing.T) {
	src := bytes.Repeat([]byte{0x00, 0xff, 0x10, 0x20}, 256)
	data, tag, err := Compress(src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if tag != CompressionLZ4 {
		t.Fatalf("expected lz4 for binary, got %s", tag)
	}
	out, err := Decompress(data, tag, len(src))
	if err != nil || !bytes.Equal(out, src) {
		t.Fatalf("round trip failed: %v", err)
	}
}

func TestCompress_IncompressibleStoredRaw(t *testing.T) {
	src := []byte("ab")
	data, tag, err := Compress(src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if tag != CompressionNone || !bytes.Equal(data, src) {
		t.Errorf("expected raw storage, got %s", tag)
	}
	if _, err := Decompress(data, CompressionNone, 5); err == nil {
		t.Error("expected size mismatch error")
	}
}

func TestHashBundle_OrderIndependent(t *testing.T) {
	a := []File{{Path: "a.ts", Content: []byte("1")}, {Path: "b.ts", Content: []byte("2")}}
	b := []File{a[1], a[0]}
	if HashBundle(a) != HashBundle(b) {
		t.Error("bundle hash must not depend on file order")
	}
	c := []File{{Path: "a.ts", Content: []byte("2")}, {Path: "b.ts", Content: []byte("1")}}
	if HashBundle(a) == HashBundle(c) {
		t.Error("swapping contents between paths must change the hash")
	}
	if HashFile([]byte("x")) == HashBundle([]File{{Path: "", Content: []byte("x")}}) {
		t.Error("file and bundle domains must differ")
	}
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	files := []File{
		{Path: "index.ts", Content: []byte(strings.Repeat("export const x = 1;\n", 20))},
		{Path: "logo.bin", Content: []byte{1, 2, 3}},
	}
	hash, err := s.PutBundle(ctx, files)
	if err != nil {
		t.Fatalf("PutBundle: %v", err)
	}
	if hash != HashBundle(files) {
		t.Error("unexpected bundle hash")
	}
	got, err := s.GetBundle(ctx, hash)
	if err != nil {
		t.Fatalf("GetBundle: %v", err)
	}
	if len(got) != 2 || got[0].Path != "index.ts" || !bytes.Equal(got[1].Content, []byte{1, 2, 3}) {
		t.Errorf("unexpected files %+v", got)
	}
	again, err := s.PutBundle(ctx, []File{files[1], files[0]})
	if err != nil || again != hash {
		t.Errorf("re-storing the same files should yield the same hash, got %s, %v", again, err)
	}
	if _, err := s.GetBundle(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
