// Package store defines the persistence interfaces the serving pipeline
// consumes: a metadata registry and a code-artifact store. Both are keyed
// by function id with optional version qualification. In-memory
// implementations back tests and single-node deployments; production
// deployments inject durable implementations.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/fngate/fngate/internal/fn"
)

var (
	// ErrNotFound reports a missing function, version, or artifact.
	ErrNotFound = errors.New("not found")

	// ErrVersionExists reports a redeploy of an already-stored
	// (id, version) pair. Stored metadata is immutable per pair.
	ErrVersionExists = errors.New("version already exists")
)

// Registry stores function metadata. The unqualified key tracks the latest
// version; version-qualified keys are immutable once written.
type Registry interface {
	// Get returns the latest metadata for id.
	Get(ctx context.Context, id string) (*fn.Metadata, error)

	// GetVersion returns a specific stored version.
	GetVersion(ctx context.Context, id, version string) (*fn.Metadata, error)

	// Put stores metadata under both the latest and version-qualified
	// keys. Returns ErrVersionExists when the pair is already stored.
	Put(ctx context.Context, m *fn.Metadata) error

	// Update overwrites an already-stored version's metadata, for
	// mutable-field edits. Returns ErrNotFound for unknown versions.
	Update(ctx context.Context, m *fn.Metadata) error

	// SetLatest repoints the latest key at an already-stored version.
	SetLatest(ctx context.Context, id, version string) error

	// List returns the latest metadata of every stored function.
	List(ctx context.Context) ([]*fn.Metadata, error)

	// Delete removes a function and all of its versions.
	Delete(ctx context.Context, id string) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}

// Artifact is a stored code blob. Text holds source or compiled JS; Binary
// holds validated WASM bytes. Digest is the blake3 hex digest of the
// content, computed on Put.
type Artifact struct {
	Text      string   `json:"text,omitempty"`
	Binary    []byte   `json:"binary,omitempty"`
	SourceMap string   `json:"sourceMap,omitempty"`
	Compiled  string   `json:"compiled,omitempty"`
	Exports   []string `json:"exports,omitempty"`
	Digest    string   `json:"digest,omitempty"`
}

// Bytes returns the executable content: compiled output when present,
// otherwise the text blob, otherwise the binary blob.
func (a *Artifact) Bytes() []byte {
	if a == nil {
		return nil
	}
	if a.Compiled != "" {
		return []byte(a.Compiled)
	}
	if a.Text != "" {
		return []byte(a.Text)
	}
	return a.Binary
}

// CodeStore stores code artifacts, immutable per (id, version).
type CodeStore interface {
	Get(ctx context.Context, id string) (*Artifact, error)
	GetVersion(ctx context.Context, id, version string) (*Artifact, error)
	Put(ctx context.Context, id, version string, a *Artifact) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// Key layout shared by all backends.

// RegistryKey is the latest-pointer key for a function's metadata.
func RegistryKey(id string) string { return "registry:" + id }

// RegistryVersionKey is the immutable per-version metadata key.
func RegistryVersionKey(id, version string) string {
	return fmt.Sprintf("registry:%s:%s", id, version)
}

// CodeKey is the latest-pointer key for a function's artifact.
func CodeKey(id string) string { return "code:" + id }

// CodeVersionKey is the immutable per-version artifact key.
func CodeVersionKey(id, version string) string {
	return fmt.Sprintf("code:%s:%s", id, version)
}

// CodeCompiledKey stores compiled output for source that required
// compilation.
func CodeCompiledKey(id string) string { return "code:" + id + ":compiled" }

// CodeSourceMapKey stores the sibling source map.
func CodeSourceMapKey(id string) string { return "code:" + id + ":sourcemap" }
