package adapters

import (
	"path/filepath"
	"time"

	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

const requestsDir = "requests"

// FileRequestTracker keeps one marker file per accepted request under stateDir/requests/<host>/<token>.
// Markers outlive the process, so a `status` run from another process sees the request as in
// progress until the pipeline has journaled its result.
type FileRequestTracker struct {
	fileSystem interfaces.FileSystem
	dir        string
	logger     *logrus.Logger
}

// NewFileRequestTracker creates a tracker rooted at stateDir
func NewFileRequestTracker(fs interfaces.FileSystem, stateDir string, logger *logrus.Logger) *FileRequestTracker {
	return &FileRequestTracker{
		fileSystem: fs,
		dir:        filepath.Join(stateDir, requestsDir),
		logger:     logger,
	}
}

// Mark records that the request for token on host has been accepted
func (t *FileRequestTracker) Mark(host, token string) error {
	hostDir := filepath.Join(t.dir, filepath.Base(host))
	if err := t.fileSystem.MkdirAll(hostDir, 0700); err != nil {
		return errors.NewSystemError("failed to create request marker directory", err)
	}
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	if err := t.fileSystem.WriteFile(t.path(host, token), stamp, 0600); err != nil {
		return errors.NewSystemError("failed to write request marker", err)
	}
	return nil
}

// Unmark removes the marker once the result has been journaled
func (t *FileRequestTracker) Unmark(host, token string) {
	path := t.path(host, token)
	if err := t.fileSystem.Remove(path); err != nil && t.fileSystem.Exists(path) {
		t.logger.WithError(err).WithFields(logrus.Fields{
			"host":  host,
			"token": token,
		}).Warn("Failed to remove request marker")
	}
}

// Pending reports whether a marker exists for token on host
func (t *FileRequestTracker) Pending(host, token string) bool {
	return t.fileSystem.Exists(t.path(host, token))
}

func (t *FileRequestTracker) path(host, token string) string {
	return filepath.Join(t.dir, filepath.Base(host), filepath.Base(token))
}
