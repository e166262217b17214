// Package blob stores the source files of published versions,
// content-addressed by BLAKE3 and compressed at rest.
package blob

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// File is one source file of a bundle.
type File struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

// Hash is a BLAKE3 digest in hex.
type Hash string

var (
	fileDomainKey = [32]byte{
		'u', 'l', 't', 'r', 'a', 'l', 'i', 'g', 'h', 't', '.', 'b', 'l', 'o', 'b', '.',
		'f', 'i', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	bundleDomainKey = [32]byte{
		'u', 'l', 't', 'r', 'a', 'l', 'i', 'g', 'h', 't', '.', 'b', 'l', 'o', 'b', '.',
		'b', 'u', 'n', 'd', 'l', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

func keyedHash(key [32]byte, parts ...[]byte) Hash {
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("blob: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// HashFile addresses a file's content.
func HashFile(content []byte) Hash {
	return keyedHash(fileDomainKey, content)
}

// HashBundle addresses a set of files. Path order does not matter.
func HashBundle(files []File) Hash {
	entries := make([]string, len(files))
	for i, f := range files {
		entries[i] = f.Path + "\x00" + string(HashFile(f.Content))
	}
	sort.Strings(entries)
	parts := make([][]byte, len(entries))
	for i, e := range entries {
		parts[i] = []byte(e + "\n")
	}
	return keyedHash(bundleDomainKey, parts...)
}

// ErrNotFound is returned for an unknown bundle.
var ErrNotFound = errors.New("bundle not found")

// Store persists bundles under their content hash. Storing the same files
// twice is a no-op.
type Store interface {
	PutBundle(ctx context.Context, files []File) (Hash, error)
	GetBundle(ctx context.Context, hash Hash) ([]File, error)
}

// SQLStore keeps compressed blobs in Postgres bytea columns.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) PutBundle(ctx context.Context, files []File) (Hash, error) {
	bundle := HashBundle(files)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("PutBundle: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range files {
		data, tag, err := Compress(f.Content)
		if err != nil {
			return "", fmt.Errorf("PutBundle: %s: %w", f.Path, err)
		}
		hash := HashFile(f.Content)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blobs (hash, compression, size, data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (hash) DO NOTHING
		`, string(hash), int16(tag), len(f.Content), data); err != nil {
			return "", fmt.Errorf("PutBundle: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bundle_files (bundle_hash, path, file_hash)
			VALUES ($1, $2, $3)
			ON CONFLICT (bundle_hash, path) DO NOTHING
		`, string(bundle), f.Path, string(hash)); err != nil {
			return "", fmt.Errorf("PutBundle: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("PutBundle: %w", err)
	}
	return bundle, nil
}

func (s *SQLStore) GetBundle(ctx context.Context, hash Hash) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.path, b.compression, b.size, b.data
		FROM bundle_files f JOIN blobs b ON b.hash = f.file_hash
		WHERE f.bundle_hash = $1
		ORDER BY f.path
	`, string(hash))
	if err != nil {
		return nil, fmt.Errorf("GetBundle: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []File
	for rows.Next() {
		var path string
		var tag int16
		var size int
		var data []byte
		if err := rows.Scan(&path, &tag, &size, &data); err != nil {
			return nil, fmt.Errorf("GetBundle: %w", err)
		}
		content, err := Decompress(data, Compression(tag), size)
		if err != nil {
			return nil, fmt.Errorf("GetBundle: %s: %w", path, err)
		}
		out = append(out, File{Path: path, Content: content})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetBundle: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// MemoryStore is an in-process Store for tests and local development. It
// stores compressed bytes like SQLStore does.
type MemoryStore struct {
	mu      sync.Mutex
	blobs   map[Hash]memBlob
	bundles map[Hash]map[string]Hash
}

type memBlob struct {
	tag  Compression
	size int
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Hash]memBlob), bundles: make(map[Hash]map[string]Hash)}
}

func (s *MemoryStore) PutBundle(_ context.Context, files []File) (Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make(map[string]Hash, len(files))
	for _, f := range files {
		data, tag, err := Compress(f.Content)
		if err != nil {
			return "", fmt.Errorf("PutBundle: %s: %w", f.Path, err)
		}
		h := HashFile(f.Content)
		if _, ok := s.blobs[h]; !ok {
			s.blobs[h] = memBlob{tag: tag, size: len(f.Content), data: append([]byte(nil), data...)}
		}
		paths[f.Path] = h
	}
	bundle := HashBundle(files)
	s.bundles[bundle] = paths
	return bundle, nil
}

func (s *MemoryStore) GetBundle(_ context.Context, hash Hash) ([]File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths, ok := s.bundles[hash]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]File, 0, len(paths))
	for p, h := range paths {
		b := s.blobs[h]
		content, err := Decompress(b.data, b.tag, b.size)
		if err != nil {
			return nil, fmt.Errorf("GetBundle: %s: %w", p, err)
		}
		out = append(out, File{Path: p, Content: content})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
