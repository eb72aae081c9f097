// Package persist implements the agent's local persistency: a keyed blob
// store with a global byte quota used for cloud documents that must survive
// restarts, and the payload spool holding telemetry that failed to upload.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

// DataKind namespaces stored blobs. There are no ordering guarantees across
// kinds.
type DataKind int

const (
	KindDecoderManifest DataKind = iota
	KindCollectionSchemeList
	KindStateTemplateList
	KindEdgeToCloudPayload
	KindMetadata
)

func (k DataKind) String() string {
	switch k {
	case KindDecoderManifest:
		return "DecoderManifest"
	case KindCollectionSchemeList:
		return "CollectionSchemeList"
	case KindStateTemplateList:
		return "StateTemplateList"
	case KindEdgeToCloudPayload:
		return "EdgeToCloudPayload"
	default:
		return "Metadata"
	}
}

// payloadDir is the spool directory for edge-to-cloud payloads, relative to
// the store root.
const payloadDir = "edge-to-cloud-payloads"

// metadataFile holds the store's metadata document, a JSON object updated
// via RFC 7396 merge patches.
const metadataFile = "metadata.json"

var (
	// ErrMemoryFull is returned when a write would exceed the store quota.
	ErrMemoryFull = errors.New("persistency quota exceeded")
	// ErrNotFound is returned when reading a name that was never written.
	ErrNotFound = errors.New("no such persisted entry")
)

// Store is a filesystem-backed blob store. All operations are safe for
// concurrent use. Writes are atomic: a crashed write never corrupts the
// previously stored blob.
type Store struct {
	root  string
	quota int64

	mu sync.Mutex
	// Cached byte sizes of all stored entries, keyed by relative path.
	sizes map[string]int64
}

// NewStore opens (creating if needed) a Store rooted at |root| with a global
// byte quota. A quota of zero disables quota enforcement.
func NewStore(root string, quota int64) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, payloadDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating persistency root: %w", err)
	}
	var s = &Store{root: root, quota: quota, sizes: make(map[string]int64)}

	// Walk existing entries so quota accounting survives restart.
	var err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		var rel, relErr = filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		s.sizes[rel] = info.Size()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning persistency root: %w", err)
	}
	return s, nil
}

// relPath maps (kind, name) to a path relative to the store root. Names are
// flattened to their base to keep the layout flat and traversal-safe.
func (s *Store) relPath(kind DataKind, name string) string {
	switch kind {
	case KindEdgeToCloudPayload:
		return filepath.Join(payloadDir, filepath.Base(name))
	case KindMetadata:
		return metadataFile
	default:
		if name == "" {
			return fmt.Sprintf("Persist_%s.bin", kind)
		}
		return fmt.Sprintf("Persist_%s_%s.bin", kind, filepath.Base(name))
	}
}

// Write stores |data| under (kind, name), atomically replacing any previous
// blob. It returns ErrMemoryFull when the write would exceed the quota; the
// previous blob, if any, is retained in that case.
func (s *Store) Write(kind DataKind, name string, data []byte) error {
	var rel = s.relPath(kind, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota > 0 {
		var projected = s.totalLocked() - s.sizes[rel] + int64(len(data))
		if projected > s.quota {
			return fmt.Errorf("writing %s %q (%d bytes): %w", kind, name, len(data), ErrMemoryFull)
		}
	}

	var abs = filepath.Join(s.root, rel)
	var tmp = abs + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s %q: %w", kind, name, err)
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing %s %q: %w", kind, name, err)
	}
	s.sizes[rel] = int64(len(data))
	return nil
}

// Read returns the blob stored under (kind, name).
func (s *Store) Read(kind DataKind, name string) ([]byte, error) {
	var data, err = os.ReadFile(filepath.Join(s.root, s.relPath(kind, name)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s %q: %w", kind, name, ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("reading %s %q: %w", kind, name, err)
	}
	return data, nil
}

// SizeOf returns the stored size of (kind, name), or zero if absent.
func (s *Store) SizeOf(kind DataKind, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes[s.relPath(kind, name)]
}

// TotalSize returns the summed size of all stored entries.
func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalLocked()
}

func (s *Store) totalLocked() int64 {
	var total int64
	for _, sz := range s.sizes {
		total += sz
	}
	return total
}

// Erase removes the blob stored under (kind, name). Erasing an absent entry
// is not an error.
func (s *Store) Erase(kind DataKind, name string) error {
	var rel = s.relPath(kind, name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(filepath.Join(s.root, rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("erasing %s %q: %w", kind, name, err)
	}
	delete(s.sizes, rel)
	return nil
}

// ListPayloads returns the filenames present in the payload spool, in
// lexical order.
func (s *Store) ListPayloads() []string {
	var entries, err = os.ReadDir(filepath.Join(s.root, payloadDir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		out = append(out, e.Name())
	}
	return out
}

// AddMetadata applies an RFC 7396 merge patch to the store's metadata
// document. The document starts as the empty object.
func (s *Store) AddMetadata(patch json.RawMessage) error {
	var current = s.Metadata()

	var next, err = jsonpatch.MergePatch(current, patch)
	if err != nil {
		return fmt.Errorf("patching metadata: %w", err)
	}
	return s.Write(KindMetadata, "", next)
}

// Metadata returns the current metadata document. An absent document reads
// as the empty JSON object.
func (s *Store) Metadata() json.RawMessage {
	var data, err = s.Read(KindMetadata, "")
	if err != nil || len(data) == 0 {
		return json.RawMessage(`{}`)
	}
	return data
}

// ClearMetadata resets the metadata document to the empty object.
func (s *Store) ClearMetadata() error {
	return s.Write(KindMetadata, "", []byte(`{}`))
}
