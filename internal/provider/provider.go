// Package provider defines the Provider capability abstracting a remote Git
// host (GitHub, Gitea) and the pluggable registry concrete providers
// register themselves into.
package provider

import (
	"context"

	"github.com/universesync/core/internal/corekit"
)

// FileInfo is one entry returned by ListFiles.
type FileInfo struct {
	Name string
	SHA  string
	Size int64
}

// FileContent is the result of GetFile.
type FileContent struct {
	Bytes []byte
	SHA   string
}

// Repo is the result of CreateRepo.
type Repo struct {
	Host    string
	Owner   string
	Name    string
	Private bool
}

// Provider is a capability over a remote Git host. Paths are opaque
// strings; the caller (the Git Sync Engine) composes them. Every operation
// fails with a *corekit.Error classified from the closed corekit.Kind set.
type Provider interface {
	// IsAvailable performs a cheap reachability + auth probe.
	IsAvailable(ctx context.Context) (bool, error)
	ListFiles(ctx context.Context, path string) ([]FileInfo, error)
	GetFile(ctx context.Context, path string) (FileContent, error)
	// PutFile writes path. If expectedSHA is non-empty and mismatches the
	// remote's current sha, fails with corekit.KindConflict.
	PutFile(ctx context.Context, path string, data []byte, expectedSHA string) (newSHA string, err error)
	DeleteFile(ctx context.Context, path string, expectedSHA string) error
	// CreateRepo may fail with corekit.KindReadOnly when the credential
	// modality forbids repo creation (e.g. an installation token scoped to
	// existing repositories only).
	CreateRepo(ctx context.Context, name string, private bool) (Repo, error)
	// InitializeEmptyRepo writes a minimal schema folder and README. Must
	// be idempotent.
	InitializeEmptyRepo(ctx context.Context) error

	String() string
}

// ErrNotFound is returned by Create when name isn't registered.
var ErrNotFound = corekit.Newf(corekit.KindNotFound, "provider not registered")

type registryEntry struct {
	description string
	factory     func(ctx context.Context, cfg any) (Provider, error)
}

var registry = map[string]registryEntry{}

// Factory constructs a concrete Provider from its typed configuration.
type Factory[Config any, P Provider] func(ctx context.Context, config Config) (P, error)

// Register adds a named Provider implementation to the registry. Concrete
// providers call this from their package init().
func Register[Config any, P Provider](id, description string, factory Factory[Config, P]) {
	registry[id] = registryEntry{
		description: description,
		factory: func(ctx context.Context, cfg any) (Provider, error) {
			typed, ok := cfg.(Config)
			if !ok {
				return nil, corekit.Newf(corekit.KindInvariantViolation, "provider %q: config type mismatch", id)
			}
			return factory(ctx, typed)
		},
	}
}

// Create instantiates the named provider with the given (already-typed)
// configuration value.
func Create(ctx context.Context, name string, cfg any) (Provider, error) {
	entry, ok := registry[name]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.factory(ctx, cfg)
}

// Kinds lists every registered provider name, for schema/help output.
func Kinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	return kinds
}
