package artifact

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("artifact not found")
	ErrGone     = errors.New("artifact expired")
	ErrStorage  = errors.New("artifact storage failure")
)

// Policy selects how an artifact's lifetime ends
type Policy string

const (
	// PolicyFixedTTL keeps artifacts for a fixed duration after creation.
	PolicyFixedTTL Policy = "ttl"
	// PolicyFirstFetch expires an artifact after its first successful fetch,
	// with the fixed TTL as a backstop for artifacts nobody ever fetches.
	PolicyFirstFetch Policy = "first-fetch"
)

// Meta describes a stored artifact for serving
type Meta struct {
	Filename  string
	MediaType string
	Size      int64
}

type record struct {
	mu        sync.Mutex
	path      string
	meta      Meta
	createdAt time.Time
	expiresAt time.Time
	fetched   bool
	gone      bool
	goneAt    time.Time
}

// Store manages completed output blobs on disk with per-artifact expiry.
// The store owns the underlying files; no other component touches them.
// The outer lock guards map membership only; each record carries its own
// lock, so a sweep deleting one blob never stalls a fetch of another.
type Store struct {
	dir    string
	policy Policy
	ttl    time.Duration
	grace  time.Duration
	log    *slog.Logger

	mu   sync.RWMutex
	recs map[string]*record
}

// NewStore creates an artifact store rooted at dir. Blob files a previous
// process left behind are deleted: the index is in-memory, so nothing can
// reach them anymore.
func NewStore(dir string, policy Policy, ttl, grace time.Duration, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := purgeLeftovers(dir, log); err != nil {
		return nil, err
	}
	return &Store{
		dir:    dir,
		policy: policy,
		ttl:    ttl,
		grace:  grace,
		log:    log,
		recs:   make(map[string]*record),
	}, nil
}

func purgeLeftovers(dir string, log *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			log.Warn("failed to remove leftover blob", "file", e.Name(), "error", err)
		}
	}
	return nil
}

// Put takes ownership of the blob at srcPath and registers it under a fresh
// id. The caller must not touch srcPath afterward.
func (s *Store) Put(srcPath, filename, mediaType string) (string, error) {
	id := uuid.New().String()
	dst := filepath.Join(s.dir, id+filepath.Ext(filename))

	if err := moveFile(srcPath, dst); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}

	now := time.Now()
	rec := &record{
		path: dst,
		meta: Meta{
			Filename:  filename,
			MediaType: mediaType,
			Size:      info.Size(),
		},
		createdAt: now,
		expiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.recs[id] = rec
	s.mu.Unlock()

	return id, nil
}

func (s *Store) lookup(id string) (*record, bool) {
	s.mu.RLock()
	rec, ok := s.recs[id]
	s.mu.RUnlock()
	return rec, ok
}

// Open returns a handle to stream the artifact plus its metadata. Unknown ids
// yield ErrNotFound; expired or consumed ones yield ErrGone. Under the
// first-fetch policy at most one caller ever gets a successful Open.
func (s *Store) Open(id string) (io.ReadCloser, Meta, error) {
	rec, ok := s.lookup(id)
	if !ok {
		return nil, Meta{}, ErrNotFound
	}

	now := time.Now()
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.gone || now.After(rec.expiresAt) {
		return nil, Meta{}, ErrGone
	}
	if s.policy == PolicyFirstFetch && rec.fetched {
		return nil, Meta{}, ErrGone
	}

	f, err := os.Open(rec.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Meta{}, ErrGone
		}
		return nil, Meta{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	rec.fetched = true
	if s.policy == PolicyFirstFetch {
		// Grace period lets a slow client finish streaming before deletion.
		rec.expiresAt = now.Add(s.grace)
	}

	return f, rec.meta, nil
}

// Remove discards an artifact and its underlying storage
func (s *Store) Remove(id string) {
	rec, ok := s.lookup(id)
	if !ok {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.gone {
		return
	}
	if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("failed to remove artifact file", "artifact_id", id, "error", err)
	}
	rec.gone = true
	rec.goneAt = time.Now()
}

// Tombstone registers an id whose storage predates this process, so fetches
// report it gone rather than unknown. Ages out with the TTL like any other
// tombstone.
func (s *Store) Tombstone(id string) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[id]; ok {
		return
	}
	s.recs[id] = &record{createdAt: now, gone: true, goneAt: now}
}

// Missing reports whether the artifact no longer holds storage. Used by the
// registry sweep to decide when a finished job may be dropped.
func (s *Store) Missing(id string) bool {
	rec, ok := s.lookup(id)
	if !ok {
		return true
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.gone
}

// SweepExpired deletes storage for expired artifacts and drops stale
// tombstones. Entries are visited one at a time under their own locks;
// per-entry failures are logged and skipped, never fatal.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.RLock()
	ids := make([]string, 0, len(s.recs))
	for id := range s.recs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	swept := 0
	for _, id := range ids {
		rec, ok := s.lookup(id)
		if !ok {
			continue
		}

		rec.mu.Lock()
		switch {
		case rec.gone:
			// Tombstones stick around so fetches can distinguish 410 from
			// 404, then age out with the TTL.
			stale := now.Sub(rec.goneAt) > s.ttl
			rec.mu.Unlock()
			if stale {
				s.dropTombstone(id)
			}
		case now.After(rec.expiresAt):
			if err := os.Remove(rec.path); err != nil && !os.IsNotExist(err) {
				s.log.Warn("failed to delete expired artifact", "artifact_id", id, "error", err)
				rec.mu.Unlock()
				continue
			}
			rec.gone = true
			rec.goneAt = now
			rec.mu.Unlock()
			swept++
		default:
			rec.mu.Unlock()
		}
	}
	return swept
}

func (s *Store) dropTombstone(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.recs[id]
	if !ok {
		return
	}
	rec.mu.Lock()
	gone := rec.gone
	rec.mu.Unlock()
	if gone {
		delete(s.recs, id)
	}
}

// moveFile renames src to dst, copying across filesystems when rename fails
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return err
	}
	return os.Remove(src)
}
