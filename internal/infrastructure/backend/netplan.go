package backend

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// NetplanBackendName is the name reported by NetplanBackend
const NetplanBackendName = "netplan"

// NetplanOptions configures NetplanBackend
type NetplanOptions struct {
	ConfigDir      string
	ConfigFile     string
	StateDir       string
	Renderer       string
	ResolvConf     []string
	CommandTimeout time.Duration
}

// DefaultNetplanOptions returns the paths used on a stock Ubuntu host
func DefaultNetplanOptions(stateDir string) NetplanOptions {
	return NetplanOptions{
		ConfigDir:      "/etc/netplan",
		ConfigFile:     "90-nmstate-agent.yaml",
		StateDir:       stateDir,
		ResolvConf:     []string{"/run/systemd/resolve/resolv.conf", "/etc/resolv.conf"},
		CommandTimeout: 60 * time.Second,
	}
}

// NetplanBackend keeps the interfaces, routes and DNS it manages in one netplan file and
// applies it with `netplan apply`. Checkpoints are on-disk snapshots of the netplan
// directory; netplan has no timer of its own, so they never self-expire and the journal
// plus the watchdog restore them after a crash.
type NetplanBackend struct {
	commandExecutor interfaces.CommandExecutor
	fileSystem      interfaces.FileSystem
	clock           interfaces.Clock
	logger          *logrus.Logger
	snapshots       *SnapshotStore
	options         NetplanOptions
}

// NewNetplanBackend creates a new NetplanBackend
func NewNetplanBackend(
	executor interfaces.CommandExecutor,
	fs interfaces.FileSystem,
	clock interfaces.Clock,
	logger *logrus.Logger,
	options NetplanOptions,
) *NetplanBackend {
	return &NetplanBackend{
		commandExecutor: executor,
		fileSystem:      fs,
		clock:           clock,
		logger:          logger,
		snapshots:       NewSnapshotStore(fs, logger, filepath.Join(options.StateDir, "snapshots")),
		options:         options,
	}
}

func (b *NetplanBackend) Name() string       { return NetplanBackendName }
func (b *NetplanBackend) SelfExpiring() bool { return false }

// Query reads the kernel state through iproute2 and the resolver configuration
func (b *NetplanBackend) Query(ctx context.Context) (entities.NetworkState, error) {
	links, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "ip", "-j", "-d", "addr", "show")
	if err != nil {
		return entities.NetworkState{}, errors.NewSystemError("ip addr show failed", err)
	}
	ifaces, err := parseIPLinks(links)
	if err != nil {
		return entities.NetworkState{}, err
	}
	state := entities.NetworkState{Interfaces: ifaces}

	var routes []entities.Route
	for _, family := range []string{"-4", "-6"} {
		output, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "ip", "-j", family, "route", "show", "table", "main")
		if err != nil {
			return entities.NetworkState{}, errors.NewSystemError("ip route show failed", err)
		}
		parsed, err := parseIPRoutes(output, family == "-6")
		if err != nil {
			return entities.NetworkState{}, err
		}
		routes = append(routes, parsed...)
	}
	if len(routes) > 0 {
		state.Routes = &entities.RouteSection{Config: routes}
	}

	for _, path := range b.options.ResolvConf {
		if !b.fileSystem.Exists(path) {
			continue
		}
		content, err := b.fileSystem.ReadFile(path)
		if err != nil {
			return entities.NetworkState{}, errors.NewSystemError(fmt.Sprintf("failed to read %s", path), err)
		}
		state.DNS = &entities.DNSSection{Config: parseResolvConf(content)}
		break
	}
	return state.Normalized(), nil
}

// Apply merges the change into the managed document, rewrites the netplan file and applies
// it. Deleted virtual interfaces and routes are removed from the kernel explicitly since
// `netplan apply` leaves them in place.
func (b *NetplanBackend) Apply(ctx context.Context, change entities.StateChange) error {
	if change.IsEmpty() {
		return nil
	}
	current, err := b.Query(ctx)
	if err != nil {
		return err
	}
	managed, err := b.loadManaged()
	if err != nil {
		return err
	}
	next := applyChange(managed, change)
	doc, err := renderNetplan(next, current, b.options.Renderer)
	if err != nil {
		return errors.NewApplyError("failed to render netplan configuration", err)
	}

	if err := b.fileSystem.WriteFile(b.configPath(), doc, 0600); err != nil {
		return errors.NewApplyError("failed to write netplan configuration", err)
	}
	if err := b.saveManaged(next); err != nil {
		return errors.NewApplyError("failed to save managed state", err)
	}

	b.logger.WithFields(logrus.Fields{
		"changes":     len(change.Changes),
		"config_path": b.configPath(),
	}).Info("Applying state with netplan")

	if _, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "netplan", "generate"); err != nil {
		return errors.NewApplyError("netplan generate rejected the configuration", err)
	}
	if _, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "netplan", "apply"); err != nil {
		return errors.NewApplyError("netplan apply failed", err)
	}

	for _, c := range change.Changes {
		if c.Op != entities.ChangeOpDelete {
			continue
		}
		switch c.Kind {
		case entities.ChangeKindInterface:
			if err := b.removeLink(ctx, c); err != nil {
				return errors.NewApplyError(fmt.Sprintf("failed to remove interface %s", c.Name), err)
			}
		case entities.ChangeKindRoute:
			if err := b.removeRoute(ctx, c.Route); err != nil {
				return errors.NewApplyError(fmt.Sprintf("failed to remove route %s", c.Name), err)
			}
		}
	}
	return nil
}

func (b *NetplanBackend) removeLink(ctx context.Context, c entities.Change) error {
	if c.CurrentInterface == nil {
		return nil
	}
	if c.CurrentInterface.Type.IsVirtual() {
		_, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "ip", "link", "delete", c.Name)
		return err
	}
	// physical links cannot be removed; absent leaves them down and unconfigured
	if _, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "ip", "addr", "flush", "dev", c.Name); err != nil {
		return err
	}
	_, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "ip", "link", "set", "dev", c.Name, "down")
	return err
}

func (b *NetplanBackend) removeRoute(ctx context.Context, r *entities.Route) error {
	if r == nil {
		return nil
	}
	args := []string{"route", "del", r.Destination}
	if r.NextHopAddress != "" {
		args = append(args, "via", r.NextHopAddress)
	}
	if r.NextHopInterface != "" {
		args = append(args, "dev", r.NextHopInterface)
	}
	if r.TableID != 0 {
		args = append(args, "table", fmt.Sprint(r.TableID))
	}
	_, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "ip", args...)
	if err != nil && strings.Contains(err.Error(), "No such process") {
		return nil
	}
	return err
}

// CheckpointCreate snapshots the netplan directory, the managed document and the list of
// existing interfaces
func (b *NetplanBackend) CheckpointCreate(ctx context.Context, timeout time.Duration) (entities.Checkpoint, error) {
	current, err := b.Query(ctx)
	if err != nil {
		return entities.Checkpoint{}, err
	}
	now := b.clock.Now()
	cp := entities.Checkpoint{
		ID:        fmt.Sprintf("netplan-%s", now.UTC().Format("20060102T150405.000000000")),
		Backend:   NetplanBackendName,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
	}

	names := make([]string, 0, len(current.Interfaces))
	for _, iface := range current.Interfaces {
		names = append(names, iface.Name)
	}
	meta := SnapshotMeta{
		ID:         cp.ID,
		CreatedAt:  cp.CreatedAt,
		Deadline:   cp.Deadline,
		SourceDir:  b.options.ConfigDir,
		Interfaces: names,
	}
	if err := b.snapshots.Create(ctx, meta, b.managedPath()); err != nil {
		return entities.Checkpoint{}, err
	}
	return cp, nil
}

// CheckpointRestore puts the snapshotted netplan files back, applies them and deletes the
// virtual interfaces created after the snapshot
func (b *NetplanBackend) CheckpointRestore(ctx context.Context, cp entities.Checkpoint) error {
	snap, err := b.snapshots.Load(ctx, cp.ID)
	if err != nil {
		return err
	}

	existing, err := b.snapshots.configFiles(b.options.ConfigDir)
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, ok := snap.Files[name]; !ok {
			if err := b.fileSystem.Remove(filepath.Join(b.options.ConfigDir, name)); err != nil {
				return errors.NewSystemError(fmt.Sprintf("failed to remove %s", name), err)
			}
		}
	}
	for name, content := range snap.Files {
		if err := b.fileSystem.WriteFile(filepath.Join(b.options.ConfigDir, name), content, 0600); err != nil {
			return errors.NewSystemError(fmt.Sprintf("failed to restore %s", name), err)
		}
	}
	if snap.Meta.HasState {
		if err := b.fileSystem.WriteFile(b.managedPath(), snap.State, 0600); err != nil {
			return errors.NewSystemError("failed to restore managed state", err)
		}
	} else if b.fileSystem.Exists(b.managedPath()) {
		if err := b.fileSystem.Remove(b.managedPath()); err != nil {
			return errors.NewSystemError("failed to remove managed state", err)
		}
	}

	if _, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "netplan", "apply"); err != nil {
		return errors.NewSystemError("netplan apply failed during restore", err)
	}

	current, err := b.Query(ctx)
	if err != nil {
		return err
	}
	before := make(map[string]bool, len(snap.Meta.Interfaces))
	for _, name := range snap.Meta.Interfaces {
		before[name] = true
	}
	for _, iface := range current.Interfaces {
		if before[iface.Name] || !iface.Type.IsVirtual() {
			continue
		}
		if _, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.options.CommandTimeout, "ip", "link", "delete", iface.Name); err != nil {
			return errors.NewSystemError(fmt.Sprintf("failed to delete interface %s created after checkpoint", iface.Name), err)
		}
	}

	b.logger.WithField("checkpoint", cp.ID).Info("Netplan configuration restored from snapshot")
	return b.snapshots.Delete(ctx, cp.ID)
}

// CheckpointDestroy discards the snapshot
func (b *NetplanBackend) CheckpointDestroy(ctx context.Context, cp entities.Checkpoint) error {
	return b.snapshots.Delete(ctx, cp.ID)
}

func (b *NetplanBackend) loadManaged() (entities.NetworkState, error) {
	path := b.managedPath()
	if !b.fileSystem.Exists(path) {
		return entities.NetworkState{}, nil
	}
	content, err := b.fileSystem.ReadFile(path)
	if err != nil {
		return entities.NetworkState{}, errors.NewSystemError("failed to read managed state", err)
	}
	var state entities.NetworkState
	if err := yaml.Unmarshal(content, &state); err != nil {
		return entities.NetworkState{}, errors.NewSystemError("failed to parse managed state", err)
	}
	return state, nil
}

func (b *NetplanBackend) saveManaged(state entities.NetworkState) error {
	content, err := state.YAML()
	if err != nil {
		return err
	}
	return b.fileSystem.WriteFile(b.managedPath(), content, 0600)
}

func (b *NetplanBackend) configPath() string {
	return filepath.Join(b.options.ConfigDir, b.options.ConfigFile)
}

func (b *NetplanBackend) managedPath() string {
	return filepath.Join(b.options.StateDir, "netplan-managed.yaml")
}
