package journal

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/internal/infrastructure/metrics"

	"github.com/sirupsen/logrus"
)

const (
	entrySuffix = ".json"
	lockSuffix  = ".lock"

	// a lock file older than this belongs to a dead process
	staleLockAge = 30 * time.Second
	lockPoll     = 20 * time.Millisecond
)

// FileJournal stores one JSON file per host under dir. Read-modify-write cycles are
// serialized per host with an exclusive lock file, which also covers other engine
// processes on the same machine.
type FileJournal struct {
	dir        string
	fileSystem interfaces.FileSystem
	clock      interfaces.Clock
	logger     *logrus.Logger
	mu         sync.Mutex
}

// NewFileJournal creates a FileJournal rooted at dir
func NewFileJournal(dir string, fs interfaces.FileSystem, clock interfaces.Clock, logger *logrus.Logger) (*FileJournal, error) {
	if err := fs.MkdirAll(dir, 0700); err != nil {
		return nil, errors.NewSystemError(fmt.Sprintf("failed to create journal directory %s", dir), err)
	}
	return &FileJournal{dir: dir, fileSystem: fs, clock: clock, logger: logger}, nil
}

func (j *FileJournal) Open(ctx context.Context, entry interfaces.JournalEntry) error {
	defer observe("open", time.Now())
	return j.withLock(ctx, entry.Host, func() error {
		existing, err := j.read(entry.Host)
		if err != nil {
			return err
		}
		if existing != nil && existing.Live() {
			return errors.NewCheckpointConflictError(
				fmt.Sprintf("host %s already has a live journal entry (token %s)", entry.Host, existing.Token))
		}
		if existing != nil && existing.State == interfaces.JournalStateRestoreFailed {
			return errors.NewCheckpointConflictError(
				fmt.Sprintf("host %s is in restore-failed state (token %s)", entry.Host, existing.Token))
		}
		return j.write(entry)
	})
}

func (j *FileJournal) Resolve(ctx context.Context, host string, state interfaces.JournalState, result entities.ApplyResult) error {
	defer observe("resolve", time.Now())
	return j.withLock(ctx, host, func() error {
		existing, err := j.read(host)
		if err != nil {
			return err
		}
		if existing != nil && existing.Live() && existing.Token != result.Token {
			return errors.NewCheckpointConflictError(
				fmt.Sprintf("host %s has a live entry of token %s; not overwriting with %s", host, existing.Token, result.Token))
		}
		return j.write(resolved(existing, host, state, result, j.clock.Now()))
	})
}

func (j *FileJournal) Get(ctx context.Context, host string) (interfaces.JournalEntry, error) {
	defer observe("get", time.Now())
	entry, err := j.read(host)
	if err != nil {
		return interfaces.JournalEntry{}, err
	}
	if entry == nil {
		return interfaces.JournalEntry{}, errors.NewNotFoundError(fmt.Sprintf("no journal entry for host %s", host))
	}
	return *entry, nil
}

func (j *FileJournal) FindByToken(ctx context.Context, host, token string) (interfaces.JournalEntry, error) {
	entry, err := j.Get(ctx, host)
	if err != nil {
		return interfaces.JournalEntry{}, err
	}
	if entry.Token != token {
		return interfaces.JournalEntry{}, errors.NewNotFoundError(fmt.Sprintf("no journal entry for token %s on host %s", token, host))
	}
	return entry, nil
}

func (j *FileJournal) ListExpired(ctx context.Context, now time.Time) ([]interfaces.JournalEntry, error) {
	defer observe("list_expired", time.Now())
	entries, err := j.all()
	if err != nil {
		return nil, err
	}
	var expired []interfaces.JournalEntry
	for _, e := range entries {
		if e.Live() && e.Checkpoint.Expired(now) {
			expired = append(expired, e)
		}
	}
	return expired, nil
}

func (j *FileJournal) Prune(ctx context.Context, before time.Time) (int, error) {
	defer observe("prune", time.Now())
	entries, err := j.all()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, e := range entries {
		if e.State != interfaces.JournalStateResolved || !e.UpdatedAt.Before(before) {
			continue
		}
		err := j.withLock(ctx, e.Host, func() error {
			current, err := j.read(e.Host)
			if err != nil || current == nil || current.State != interfaces.JournalStateResolved || !current.UpdatedAt.Before(before) {
				return err
			}
			pruned++
			return j.fileSystem.Remove(j.path(e.Host))
		})
		if err != nil {
			return pruned, errors.NewSystemError(fmt.Sprintf("failed to prune journal entry for %s", e.Host), err)
		}
	}
	return pruned, nil
}

func (j *FileJournal) all() ([]interfaces.JournalEntry, error) {
	files, err := j.fileSystem.ListFiles(j.dir)
	if err != nil {
		return nil, errors.NewSystemError("failed to list journal directory", err)
	}
	var entries []interfaces.JournalEntry
	for _, name := range files {
		if !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		content, err := j.fileSystem.ReadFile(filepath.Join(j.dir, name))
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(content, &rec); err != nil {
			j.logger.WithError(err).WithField("file", name).Warn("Skipping unreadable journal entry")
			continue
		}
		entries = append(entries, rec.entry())
	}
	return entries, nil
}

func (j *FileJournal) read(host string) (*interfaces.JournalEntry, error) {
	path := j.path(host)
	if !j.fileSystem.Exists(path) {
		return nil, nil
	}
	content, err := j.fileSystem.ReadFile(path)
	if err != nil {
		return nil, errors.NewSystemError(fmt.Sprintf("failed to read journal entry for %s", host), err)
	}
	var rec record
	if err := json.Unmarshal(content, &rec); err != nil {
		return nil, errors.NewSystemError(fmt.Sprintf("corrupt journal entry for %s", host), err)
	}
	entry := rec.entry()
	return &entry, nil
}

func (j *FileJournal) write(entry interfaces.JournalEntry) error {
	content, err := json.MarshalIndent(toRecord(entry), "", "  ")
	if err != nil {
		return errors.NewSystemError("failed to marshal journal entry", err)
	}
	if err := j.fileSystem.WriteFile(j.path(entry.Host), content, 0600); err != nil {
		return errors.NewSystemError(fmt.Sprintf("failed to write journal entry for %s", entry.Host), err)
	}
	return nil
}

// withLock runs fn holding the in-process mutex and the host's lock file
func (j *FileJournal) withLock(ctx context.Context, host string, fn func() error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	lock := filepath.Join(j.dir, fileName(host)+lockSuffix)
	for {
		f, err := os.OpenFile(lock, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			break
		}
		if !stderrors.Is(err, os.ErrExist) {
			return errors.NewSystemError("failed to acquire journal lock", err)
		}
		if info, statErr := os.Stat(lock); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			j.logger.WithField("lock", lock).Warn("Removing stale journal lock")
			os.Remove(lock)
			continue
		}
		select {
		case <-ctx.Done():
			return errors.NewTimeoutError(fmt.Sprintf("timed out waiting for journal lock of %s", host))
		case <-time.After(lockPoll):
		}
	}
	defer os.Remove(lock)
	return fn()
}

func (j *FileJournal) path(host string) string {
	return filepath.Join(j.dir, fileName(host)+entrySuffix)
}

func fileName(host string) string {
	return strings.NewReplacer("/", "_", string(os.PathSeparator), "_").Replace(host)
}

func observe(queryType string, started time.Time) {
	metrics.RecordJournalQuery(queryType, time.Since(started).Seconds())
}
