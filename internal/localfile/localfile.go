// Package localfile implements the Local File Backing: a thin wrapper over
// a platform file handle with atomic-replace writes, download-fallback
// semantics, and a declared not_supported signal the Universe Manager uses
// to force git-only mode.
package localfile

import (
	"os"
	"path/filepath"

	"github.com/universesync/core/internal/corekit"
)

// Handle is an opaque reference to a selected local file. On a platform
// without durable file access, a Handle is download-only: Write still
// succeeds (as a one-shot download) but Read fails with not_supported.
type Handle struct {
	path         string
	downloadOnly bool
	downloadDir  string
}

// Backing mediates access to the local filesystem. The zero value behaves
// as a fully-capable backing rooted at the current directory; construct
// with NewDownloadOnly to model a platform lacking durable file access
// (e.g. a sandboxed runtime), exercised by tests of the Manager's
// not_supported handling.
type Backing struct {
	downloadOnly bool
	downloadDir  string
}

// New constructs a Backing with durable file access.
func New() *Backing { return &Backing{} }

// NewDownloadOnly constructs a Backing that can only ever produce
// download-handles, modeling a platform that cannot grant durable local
// file access. downloadDir is where one-shot downloads are written.
func NewDownloadOnly(downloadDir string) *Backing {
	return &Backing{downloadOnly: true, downloadDir: downloadDir}
}

// Supported reports whether this Backing can grant durable local file
// access — the platform capability that CreateOptions.PlatformLocalFileSupported
// passes to the Universe Manager to decide whether sourceOfTruth=local is legal.
func (b *Backing) Supported() bool { return !b.downloadOnly }

// Pick returns a Handle for nameHint. On a fully-capable Backing this is a
// direct file path; on a download-only Backing it is a download handle.
func (b *Backing) Pick(nameHint string) Handle {
	if b.downloadOnly {
		return Handle{downloadOnly: true, downloadDir: b.downloadDir, path: filepath.Join(b.downloadDir, nameHint)}
	}
	return Handle{path: nameHint}
}

// Write replaces handle's contents atomically when the platform supports
// it (temp file + rename); on a download-only handle it still succeeds, as
// a download.
func (b *Backing) Write(handle Handle, data []byte) error {
	dir := filepath.Dir(handle.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return corekit.New(corekit.KindServer, err, "create local file directory")
	}

	tmp, err := os.CreateTemp(dir, ".universesync-*")
	if err != nil {
		return corekit.New(corekit.KindServer, err, "create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) //nolint:errcheck // best-effort cleanup if rename fails

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return corekit.New(corekit.KindServer, err, "write temp file")
	}
	if err := tmp.Close(); err != nil {
		return corekit.New(corekit.KindServer, err, "close temp file")
	}
	if err := os.Rename(tmpPath, handle.path); err != nil {
		return corekit.New(corekit.KindServer, err, "atomic replace")
	}
	return nil
}

// Read returns handle's contents. Fails with not_supported on a
// download-only handle.
func (b *Backing) Read(handle Handle) ([]byte, error) {
	if handle.downloadOnly {
		return nil, corekit.Newf(corekit.KindNotSupported, "download-only handle cannot be read back")
	}
	data, err := os.ReadFile(handle.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corekit.New(corekit.KindNotFound, err, "local file not found")
		}
		return nil, corekit.New(corekit.KindServer, err, "read local file")
	}
	return data, nil
}

// Path returns the handle's filesystem path, for callers that need it for
// display (e.g. the UI's "linked to <path>" label).
func (h Handle) Path() string { return h.path }

// DownloadOnly reports whether h is a download-only handle.
func (h Handle) DownloadOnly() bool { return h.downloadOnly }
