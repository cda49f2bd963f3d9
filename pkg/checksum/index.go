// Package checksum maintains the durable hash→agent index backing
// deployment deduplication. The whole index is one JSON document, rewritten
// atomically (temp file + rename) on every mutation.
package checksum

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateHash is returned by Insert when the hash is already registered
// and force is not set.
var ErrDuplicateHash = errors.New("duplicate_hash")

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("agent record not found")

// Record is one deployed agent as persisted in the index.
type Record struct {
	Name         string    `json:"name"`
	Hash         string    `json:"hash"`
	InstallDir   string    `json:"install_dir"`
	ManifestPath string    `json:"manifest_path"`
	Version      string    `json:"version"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Hash computes the dedup key for raw package bytes. MD5 is a dedup key only,
// not an integrity or authentication mechanism.
func Hash(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// Index is the in-memory view of the checksum DB. All mutations rewrite the
// backing file before returning.
type Index struct {
	mu      sync.RWMutex
	path    string
	records map[string]*Record // hash → record
}

// Open loads the index at path, creating an empty one when the file does not
// exist yet.
func Open(path string) (*Index, error) {
	idx := &Index{
		path:    path,
		records: make(map[string]*Record),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, fmt.Errorf("failed to read checksum db %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &idx.records); err != nil {
		return nil, fmt.Errorf("failed to parse checksum db %s: %w", path, err)
	}
	return idx, nil
}

// Lookup returns the record for hash, or ErrNotFound.
func (i *Index) Lookup(hash string) (*Record, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rec, ok := i.records[hash]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

// ByName returns the record with the given agent name, or ErrNotFound.
func (i *Index) ByName(name string) (*Record, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for _, rec := range i.records {
		if rec.Name == name {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

// RecordExists reports whether an agent with this name is registered.
func (i *Index) RecordExists(name string) bool {
	_, err := i.ByName(name)
	return err == nil
}

// Insert registers a record. A hash collision fails with ErrDuplicateHash
// unless force is set; a name collision with a different hash replaces the
// previous record only under force.
func (i *Index) Insert(rec *Record, force bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.records[rec.Hash]; exists && !force {
		return ErrDuplicateHash
	}

	// One hash per name: drop the old record when force-redeploying a name.
	for h, existing := range i.records {
		if existing.Name == rec.Name && h != rec.Hash {
			if !force {
				return fmt.Errorf("agent %q already registered with hash %s", rec.Name, h)
			}
			delete(i.records, h)
		}
	}

	copied := *rec
	i.records[rec.Hash] = &copied
	return i.persistLocked()
}

// Remove deletes the record with the given name. Removing an absent name is
// a no-op.
func (i *Index) Remove(name string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	for h, rec := range i.records {
		if rec.Name == name {
			delete(i.records, h)
			return i.persistLocked()
		}
	}
	return nil
}

// List returns all records sorted by name.
func (i *Index) List() []*Record {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]*Record, 0, len(i.records))
	for _, rec := range i.records {
		copied := *rec
		out = append(out, &copied)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Flush rewrites the backing file from the current in-memory state.
func (i *Index) Flush() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.persistLocked()
}

// persistLocked writes the full document to a temp file in the same directory
// and renames it over the target, so readers never observe a torn write.
func (i *Index) persistLocked() error {
	data, err := json.MarshalIndent(i.records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checksum db: %w", err)
	}

	dir := filepath.Dir(i.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".checksums-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checksum db: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checksum db: %w", err)
	}
	if err := os.Rename(tmpName, i.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checksum db: %w", err)
	}
	return nil
}
