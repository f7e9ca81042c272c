package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fngate/fngate/internal/fn"
)

// MemoryRegistry is a mutex-guarded in-memory Registry.
type MemoryRegistry struct {
	mu sync.RWMutex

	// latest maps RegistryKey(id) -> version string; versions maps
	// RegistryVersionKey(id, version) -> metadata.
	latest   map[string]string
	versions map[string]*fn.Metadata
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		latest:   map[string]string{},
		versions: map[string]*fn.Metadata{},
	}
}

func (r *MemoryRegistry) Get(ctx context.Context, id string) (*fn.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version, ok := r.latest[RegistryKey(id)]
	if !ok {
		return nil, fmt.Errorf("function %s: %w", id, ErrNotFound)
	}
	m := r.versions[RegistryVersionKey(id, version)]
	if m == nil {
		return nil, fmt.Errorf("function %s@%s: %w", id, version, ErrNotFound)
	}
	return m.Clone()
}

func (r *MemoryRegistry) GetVersion(ctx context.Context, id, version string) (*fn.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.versions[RegistryVersionKey(id, version)]
	if m == nil {
		return nil, fmt.Errorf("function %s@%s: %w", id, version, ErrNotFound)
	}
	return m.Clone()
}

func (r *MemoryRegistry) Put(ctx context.Context, m *fn.Metadata) error {
	if m == nil {
		return fmt.Errorf("metadata is nil")
	}
	cp, err := m.Clone()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if cp.CreatedAt == nil {
		cp.CreatedAt = &now
	}
	cp.UpdatedAt = &now

	r.mu.Lock()
	defer r.mu.Unlock()
	key := RegistryVersionKey(cp.ID, cp.Version)
	if _, exists := r.versions[key]; exists {
		return fmt.Errorf("function %s@%s: %w", cp.ID, cp.Version, ErrVersionExists)
	}
	r.versions[key] = cp
	r.latest[RegistryKey(cp.ID)] = cp.Version
	return nil
}

func (r *MemoryRegistry) Update(ctx context.Context, m *fn.Metadata) error {
	if m == nil {
		return fmt.Errorf("metadata is nil")
	}
	cp, err := m.Clone()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	cp.UpdatedAt = &now

	r.mu.Lock()
	defer r.mu.Unlock()
	key := RegistryVersionKey(cp.ID, cp.Version)
	if _, ok := r.versions[key]; !ok {
		return fmt.Errorf("function %s@%s: %w", cp.ID, cp.Version, ErrNotFound)
	}
	r.versions[key] = cp
	return nil
}

func (r *MemoryRegistry) SetLatest(ctx context.Context, id, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[RegistryVersionKey(id, version)]; !ok {
		return fmt.Errorf("function %s@%s: %w", id, version, ErrNotFound)
	}
	r.latest[RegistryKey(id)] = version
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context) ([]*fn.Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*fn.Metadata, 0, len(r.latest))
	for key, version := range r.latest {
		id := strings.TrimPrefix(key, "registry:")
		if m := r.versions[RegistryVersionKey(id, version)]; m != nil {
			cp, err := m.Clone()
			if err != nil {
				return nil, err
			}
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRegistry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.latest[RegistryKey(id)]; !ok {
		return fmt.Errorf("function %s: %w", id, ErrNotFound)
	}
	delete(r.latest, RegistryKey(id))
	prefix := "registry:" + id + ":"
	for key := range r.versions {
		if strings.HasPrefix(key, prefix) {
			delete(r.versions, key)
		}
	}
	return nil
}

func (r *MemoryRegistry) Ping(ctx context.Context) error { return ctx.Err() }

// MemoryCodeStore is a mutex-guarded in-memory CodeStore.
type MemoryCodeStore struct {
	mu sync.RWMutex

	latest    map[string]string
	artifacts map[string]*Artifact
}

// NewMemoryCodeStore creates an empty code store.
func NewMemoryCodeStore() *MemoryCodeStore {
	return &MemoryCodeStore{
		latest:    map[string]string{},
		artifacts: map[string]*Artifact{},
	}
}

func (s *MemoryCodeStore) Get(ctx context.Context, id string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	version, ok := s.latest[CodeKey(id)]
	if !ok {
		return nil, fmt.Errorf("code for %s: %w", id, ErrNotFound)
	}
	a := s.artifacts[CodeVersionKey(id, version)]
	if a == nil {
		return nil, fmt.Errorf("code for %s@%s: %w", id, version, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryCodeStore) GetVersion(ctx context.Context, id, version string) (*Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a := s.artifacts[CodeVersionKey(id, version)]
	if a == nil {
		return nil, fmt.Errorf("code for %s@%s: %w", id, version, ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryCodeStore) Put(ctx context.Context, id, version string, a *Artifact) error {
	if a == nil {
		return fmt.Errorf("artifact is nil")
	}
	cp := *a
	cp.Digest = Digest(cp.Bytes())

	s.mu.Lock()
	defer s.mu.Unlock()
	key := CodeVersionKey(id, version)
	if _, exists := s.artifacts[key]; exists {
		return fmt.Errorf("code for %s@%s: %w", id, version, ErrVersionExists)
	}
	s.artifacts[key] = &cp
	s.latest[CodeKey(id)] = version
	return nil
}

func (s *MemoryCodeStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, CodeKey(id))
	prefix := "code:" + id + ":"
	for key := range s.artifacts {
		if strings.HasPrefix(key, prefix) {
			delete(s.artifacts, key)
		}
	}
	return nil
}

func (s *MemoryCodeStore) Ping(ctx context.Context) error { return ctx.Err() }

// Digest computes the blake3 hex digest of artifact content.
func Digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
