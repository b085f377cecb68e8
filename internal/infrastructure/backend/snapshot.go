package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	snapshotMetaFile  = "meta.yaml"
	snapshotFilesDir  = "files"
	snapshotStatePath = "managed-state"
)

// SnapshotMeta describes a stored snapshot
type SnapshotMeta struct {
	ID         string    `yaml:"id"`
	CreatedAt  time.Time `yaml:"created_at"`
	Deadline   time.Time `yaml:"deadline"`
	SourceDir  string    `yaml:"source_dir"`
	Files      []string  `yaml:"files"`
	HasState   bool      `yaml:"has_state"`
	Interfaces []string  `yaml:"interfaces"`
}

// Snapshot is a loaded snapshot with file contents keyed by base name
type Snapshot struct {
	Meta  SnapshotMeta
	Files map[string][]byte
	State []byte
}

// SnapshotStore keeps configuration snapshots on disk so that a different process can
// restore them after a crash
type SnapshotStore struct {
	fileSystem interfaces.FileSystem
	logger     *logrus.Logger
	baseDir    string
}

// NewSnapshotStore creates a new SnapshotStore rooted at baseDir
func NewSnapshotStore(fs interfaces.FileSystem, logger *logrus.Logger, baseDir string) *SnapshotStore {
	return &SnapshotStore{
		fileSystem: fs,
		logger:     logger,
		baseDir:    baseDir,
	}
}

// Create copies the YAML files of meta.SourceDir and the managed state file into a new snapshot
func (s *SnapshotStore) Create(ctx context.Context, meta SnapshotMeta, statePath string) error {
	dir := s.dir(meta.ID)
	if err := s.fileSystem.MkdirAll(filepath.Join(dir, snapshotFilesDir), 0700); err != nil {
		return errors.NewSystemError("failed to create snapshot directory", err)
	}

	files, err := s.configFiles(meta.SourceDir)
	if err != nil {
		return err
	}
	for _, name := range files {
		content, err := s.fileSystem.ReadFile(filepath.Join(meta.SourceDir, name))
		if err != nil {
			return errors.NewSystemError("failed to read config file", err)
		}
		if err := s.fileSystem.WriteFile(filepath.Join(dir, snapshotFilesDir, name), content, 0600); err != nil {
			return errors.NewSystemError("failed to write snapshot file", err)
		}
	}
	meta.Files = files

	if s.fileSystem.Exists(statePath) {
		content, err := s.fileSystem.ReadFile(statePath)
		if err != nil {
			return errors.NewSystemError("failed to read managed state", err)
		}
		if err := s.fileSystem.WriteFile(filepath.Join(dir, snapshotStatePath), content, 0600); err != nil {
			return errors.NewSystemError("failed to write managed state snapshot", err)
		}
		meta.HasState = true
	}

	data, err := yaml.Marshal(meta)
	if err != nil {
		return errors.NewSystemError("failed to marshal snapshot metadata", err)
	}
	// meta is written last; a snapshot without it is incomplete
	if err := s.fileSystem.WriteFile(filepath.Join(dir, snapshotMetaFile), data, 0600); err != nil {
		return errors.NewSystemError("failed to write snapshot metadata", err)
	}

	s.logger.WithFields(logrus.Fields{
		"snapshot": meta.ID,
		"files":    len(files),
	}).Debug("Configuration snapshot created")
	return nil
}

// Load reads a snapshot back; a missing snapshot is a NotFound error
func (s *SnapshotStore) Load(ctx context.Context, id string) (Snapshot, error) {
	dir := s.dir(id)
	raw, err := s.fileSystem.ReadFile(filepath.Join(dir, snapshotMetaFile))
	if err != nil {
		if !s.fileSystem.Exists(filepath.Join(dir, snapshotMetaFile)) {
			return Snapshot{}, errors.NewNotFoundError(fmt.Sprintf("snapshot %s not found", id))
		}
		return Snapshot{}, errors.NewSystemError("failed to read snapshot metadata", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(raw, &snap.Meta); err != nil {
		return Snapshot{}, errors.NewSystemError("failed to parse snapshot metadata", err)
	}
	snap.Files = make(map[string][]byte, len(snap.Meta.Files))
	for _, name := range snap.Meta.Files {
		content, err := s.fileSystem.ReadFile(filepath.Join(dir, snapshotFilesDir, name))
		if err != nil {
			return Snapshot{}, errors.NewSystemError("failed to read snapshot file", err)
		}
		snap.Files[name] = content
	}
	if snap.Meta.HasState {
		content, err := s.fileSystem.ReadFile(filepath.Join(dir, snapshotStatePath))
		if err != nil {
			return Snapshot{}, errors.NewSystemError("failed to read managed state snapshot", err)
		}
		snap.State = content
	}
	return snap, nil
}

// Delete removes a snapshot
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	if err := s.fileSystem.RemoveAll(s.dir(id)); err != nil {
		return errors.NewSystemError("failed to delete snapshot", err)
	}
	return nil
}

// configFiles lists the YAML files of sourceDir in sorted order
func (s *SnapshotStore) configFiles(sourceDir string) ([]string, error) {
	if !s.fileSystem.Exists(sourceDir) {
		return []string{}, nil
	}
	files, err := s.fileSystem.ListFiles(sourceDir)
	if err != nil {
		return nil, errors.NewSystemError("failed to list config directory", err)
	}

	var configs []string
	for _, file := range files {
		if strings.HasSuffix(file, ".yaml") || strings.HasSuffix(file, ".yml") {
			configs = append(configs, file)
		}
	}
	sort.Strings(configs)
	return configs, nil
}

func (s *SnapshotStore) dir(id string) string {
	return filepath.Join(s.baseDir, filepath.Base(id))
}
