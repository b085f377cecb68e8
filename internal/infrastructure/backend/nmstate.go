package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// NmstateBackendName is the name reported by NmstateBackend
const NmstateBackendName = "nmstate"

const (
	nmDest       = "org.freedesktop.NetworkManager"
	nmObjectPath = "/org/freedesktop/NetworkManager"

	// NM_CHECKPOINT_CREATE_FLAG_DELETE_NEW_CONNECTIONS | DISCONNECT_NEW_DEVICES | ALLOW_OVERLAPPING.
	// Overlapping lets nmstatectl take its own inner checkpoint while ours is held.
	nmCheckpointFlags = 0x02 | 0x04 | 0x08

	// main routing table; desired documents leave table-id unset for it
	mainRouteTable = 254
)

var checkpointPathPattern = regexp.MustCompile(`'(/org/freedesktop/NetworkManager/Checkpoint/\d+)'`)
var rollbackResultPattern = regexp.MustCompile(`'([^']+)':\s*(?:uint32\s+)?(\d+)`)

// NmstateBackend drives NetworkManager through nmstatectl for state and through the
// NetworkManager D-Bus checkpoint API (gdbus) for rollback points. NetworkManager reverts
// a checkpoint on its own once its rollback timeout passes, so checkpoints self-expire.
type NmstateBackend struct {
	commandExecutor interfaces.CommandExecutor
	clock           interfaces.Clock
	logger          *logrus.Logger
	commandTimeout  time.Duration
}

// NewNmstateBackend creates a new NmstateBackend
func NewNmstateBackend(
	executor interfaces.CommandExecutor,
	clock interfaces.Clock,
	logger *logrus.Logger,
	commandTimeout time.Duration,
) *NmstateBackend {
	return &NmstateBackend{
		commandExecutor: executor,
		clock:           clock,
		logger:          logger,
		commandTimeout:  commandTimeout,
	}
}

func (b *NmstateBackend) Name() string       { return NmstateBackendName }
func (b *NmstateBackend) SelfExpiring() bool { return true }

// nmstateShow mirrors the parts of `nmstatectl show --json` the engine reads
type nmstateShow struct {
	Interfaces []entities.Interface `json:"interfaces"`
	Routes     struct {
		Running []entities.Route `json:"running"`
		Config  []entities.Route `json:"config"`
	} `json:"routes"`
	DNS struct {
		Running *entities.DNSConfig `json:"running"`
		Config  *entities.DNSConfig `json:"config"`
	} `json:"dns-resolver"`
}

// Query returns the running state reported by nmstatectl
func (b *NmstateBackend) Query(ctx context.Context) (entities.NetworkState, error) {
	return b.QueryWith(ctx, entities.ShowOptions{})
}

// QueryWith runs nmstatectl show with the flags selected by opts
func (b *NmstateBackend) QueryWith(ctx context.Context, opts entities.ShowOptions) (entities.NetworkState, error) {
	args := []string{"show", "--json"}
	if opts.KernelOnly {
		args = append(args, "--kernel")
	}
	if opts.RunningConfig {
		args = append(args, "--running-config")
	}
	if opts.ShowSecrets {
		args = append(args, "--show-secrets")
	}
	output, err := b.commandExecutor.ExecuteWithTimeout(ctx, b.commandTimeout, "nmstatectl", args...)
	if err != nil {
		return entities.NetworkState{}, errors.NewSystemError("nmstatectl show failed", err)
	}
	return parseNmstateShow(output)
}

func parseNmstateShow(output []byte) (entities.NetworkState, error) {
	var show nmstateShow
	if err := json.Unmarshal(output, &show); err != nil {
		return entities.NetworkState{}, errors.NewSystemError("failed to parse nmstatectl output", err)
	}

	state := entities.NetworkState{Interfaces: show.Interfaces}
	routes := show.Routes.Running
	if len(routes) == 0 {
		routes = show.Routes.Config
	}
	if len(routes) > 0 {
		normalized := make([]entities.Route, 0, len(routes))
		for _, r := range routes {
			if r.TableID == mainRouteTable {
				r.TableID = 0
			}
			normalized = append(normalized, r)
		}
		state.Routes = &entities.RouteSection{Config: normalized}
	}
	dns := show.DNS.Running
	if dns == nil {
		dns = show.DNS.Config
	}
	if dns != nil {
		state.DNS = &entities.DNSSection{Config: *dns}
	}
	return state.Normalized(), nil
}

// Apply renders the change as a partial nmstate document and feeds it to nmstatectl on stdin
func (b *NmstateBackend) Apply(ctx context.Context, change entities.StateChange) error {
	if change.IsEmpty() {
		return nil
	}
	doc, err := yaml.Marshal(change.DesiredState())
	if err != nil {
		return errors.NewSystemError("failed to render nmstate document", err)
	}

	b.logger.WithFields(logrus.Fields{
		"changes": len(change.Changes),
	}).Info("Applying state with nmstatectl")

	applyCtx, cancel := context.WithTimeout(ctx, b.commandTimeout)
	defer cancel()
	if _, err := b.commandExecutor.ExecuteWithInput(applyCtx, bytes.NewReader(doc), "nmstatectl", "apply"); err != nil {
		return errors.NewApplyError("nmstatectl apply failed", err)
	}
	return nil
}

// CheckpointCreate creates a NetworkManager checkpoint covering all devices that NetworkManager
// itself rolls back after timeout
func (b *NmstateBackend) CheckpointCreate(ctx context.Context, timeout time.Duration) (entities.Checkpoint, error) {
	seconds := uint32(math.Ceil(timeout.Seconds()))
	output, err := b.gdbus(ctx, "CheckpointCreate",
		"@ao []",
		fmt.Sprintf("uint32 %d", seconds),
		fmt.Sprintf("uint32 %d", nmCheckpointFlags),
	)
	if err != nil {
		return entities.Checkpoint{}, errors.NewSystemError("NetworkManager CheckpointCreate failed", err)
	}

	match := checkpointPathPattern.FindSubmatch(output)
	if match == nil {
		return entities.Checkpoint{}, errors.NewSystemError(
			fmt.Sprintf("unexpected CheckpointCreate reply: %s", strings.TrimSpace(string(output))), nil)
	}

	now := b.clock.Now()
	cp := entities.Checkpoint{
		ID:           string(match[1]),
		Backend:      NmstateBackendName,
		CreatedAt:    now,
		Deadline:     now.Add(time.Duration(seconds) * time.Second),
		SelfExpiring: true,
	}
	b.logger.WithFields(logrus.Fields{
		"checkpoint": cp.ID,
		"timeout":    seconds,
	}).Debug("NetworkManager checkpoint created")
	return cp, nil
}

// CheckpointRestore rolls NetworkManager back to the checkpoint; any device that fails to
// roll back fails the restore
func (b *NmstateBackend) CheckpointRestore(ctx context.Context, cp entities.Checkpoint) error {
	output, err := b.gdbus(ctx, "CheckpointRollback", fmt.Sprintf("objectpath '%s'", cp.ID))
	if err != nil {
		return errors.NewSystemError(fmt.Sprintf("NetworkManager CheckpointRollback failed for %s", cp.ID), err)
	}

	var failed []string
	for _, m := range rollbackResultPattern.FindAllSubmatch(output, -1) {
		if string(m[2]) != "0" {
			failed = append(failed, fmt.Sprintf("%s=%s", m[1], m[2]))
		}
	}
	if len(failed) > 0 {
		return errors.NewSystemError(
			fmt.Sprintf("checkpoint %s rollback failed for devices: %s", cp.ID, strings.Join(failed, ", ")), nil)
	}
	return nil
}

// CheckpointDestroy discards the checkpoint, making the applied state permanent
func (b *NmstateBackend) CheckpointDestroy(ctx context.Context, cp entities.Checkpoint) error {
	if _, err := b.gdbus(ctx, "CheckpointDestroy", fmt.Sprintf("objectpath '%s'", cp.ID)); err != nil {
		return errors.NewSystemError(fmt.Sprintf("NetworkManager CheckpointDestroy failed for %s", cp.ID), err)
	}
	return nil
}

func (b *NmstateBackend) gdbus(ctx context.Context, method string, args ...string) ([]byte, error) {
	cmd := append([]string{
		"call", "--system",
		"--dest", nmDest,
		"--object-path", nmObjectPath,
		"--method", nmDest + "." + method,
	}, args...)
	return b.commandExecutor.ExecuteWithTimeout(ctx, b.commandTimeout, "gdbus", cmd...)
}
