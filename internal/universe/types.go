// Package universe implements the Universe Manager: the registry and
// active-universe state machine.
package universe

import "time"

// SourceOfTruth selects which side is authoritative for conflicts.
type SourceOfTruth string

const (
	SourceOfTruthLocal SourceOfTruth = "local"
	SourceOfTruthGit    SourceOfTruth = "git"
)

// LocalFile is the universe's local-file backing declaration.
type LocalFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LinkedRepo identifies a concrete remote repository.
type LinkedRepo struct {
	Host  string `json:"host"`
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// GitRepo is the universe's git backing declaration.
type GitRepo struct {
	Enabled        bool        `json:"enabled"`
	LinkedRepo     *LinkedRepo `json:"linkedRepo,omitempty"`
	UniverseFolder string      `json:"universeFolder"`
	UniverseFile   string      `json:"universeFile"`
	SchemaPath     string      `json:"schemaPath"`
}

// SourceType enumerates the kinds of auxiliary Source a universe can
// declare.
type SourceType string

const (
	SourceTypeGitHub SourceType = "github"
	SourceTypeGitea  SourceType = "gitea"
	SourceTypeURL    SourceType = "url"
	SourceTypeLocal  SourceType = "local"
)

// Source is an auxiliary, read-only (except when promoted) descriptor:
// another git repo, a read-through URL, or a local mirror.
type Source struct {
	ID      string     `json:"id"`
	Type    SourceType `json:"type"`
	Enabled bool       `json:"enabled"`
	Name    string     `json:"name"`

	// Type-specific fields; only the ones matching Type are meaningful.
	Owner string `json:"owner,omitempty"`
	Repo  string `json:"repo,omitempty"`
	Host  string `json:"host,omitempty"`
	URL   string `json:"url,omitempty"`
	Path  string `json:"path,omitempty"`
}

// Metadata is derived statistics surfaced from the Codec, cached on the
// registry entry for listing without a full load.
type Metadata struct {
	NodeCount    int        `json:"nodeCount"`
	GraphCount   int        `json:"graphCount"`
	EdgeCount    int        `json:"edgeCount"`
	LastOpenedAt *time.Time `json:"lastOpenedAt,omitempty"`
	LastSavedAt  *time.Time `json:"lastSavedAt,omitempty"`
}

// Universe is the unit of persistence and activity.
type Universe struct {
	Slug          string        `json:"slug"`
	Name          string        `json:"name"`
	SourceOfTruth SourceOfTruth `json:"sourceOfTruth"`
	LocalFile     LocalFile     `json:"localFile"`
	GitRepo       GitRepo       `json:"gitRepo"`
	Sources       []Source      `json:"sources"`
	Metadata      Metadata      `json:"metadata"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// PrimaryMirror returns the Sources entry matching GitRepo.LinkedRepo, if
// any, per the "at most one entry matching linkedRepo" invariant.
func (u Universe) PrimaryMirror() (Source, bool) {
	if u.GitRepo.LinkedRepo == nil {
		return Source{}, false
	}
	for _, s := range u.Sources {
		if (s.Type == SourceTypeGitHub || s.Type == SourceTypeGitea) &&
			s.Owner == u.GitRepo.LinkedRepo.Owner && s.Repo == u.GitRepo.LinkedRepo.Repo {
			return s, true
		}
	}
	return Source{}, false
}

func countPrimaryMirrorMatches(u Universe) int {
	if u.GitRepo.LinkedRepo == nil {
		return 0
	}
	count := 0
	for _, s := range u.Sources {
		if (s.Type == SourceTypeGitHub || s.Type == SourceTypeGitea) &&
			s.Owner == u.GitRepo.LinkedRepo.Owner && s.Repo == u.GitRepo.LinkedRepo.Repo {
			count++
		}
	}
	return count
}

// DiscoveredUniverse is one entry found by DiscoverInRepo: an identity and
// stats read from a remote `*.redstring` file, not yet linked locally.
type DiscoveredUniverse struct {
	Slug     string
	Name     string
	Path     string
	Metadata Metadata
}

// CreateOptions configures Create.
type CreateOptions struct {
	SourceOfTruth  SourceOfTruth
	LocalFile      LocalFile
	GitRepo        GitRepo
	PlatformLocalFileSupported bool
}

// UpdatePatch is the set of mutable Universe fields update accepts; a nil
// field means "leave unchanged".
type UpdatePatch struct {
	Name          *string
	SourceOfTruth *SourceOfTruth
	Sources       []Source
}
