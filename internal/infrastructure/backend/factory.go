package backend

import (
	"fmt"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

// Backend kinds accepted by Factory.Create
const (
	KindAuto    = "auto"
	KindNmstate = "nmstate"
	KindNetplan = "netplan"
	KindMemory  = "memory"
)

// Options carries backend-specific settings
type Options struct {
	CommandTimeout time.Duration
	Netplan        NetplanOptions
	MemorySeed     entities.NetworkState
}

// Factory creates the StateBackend for the host, choosing by OS family in auto mode
type Factory struct {
	osDetector      interfaces.OSDetector
	commandExecutor interfaces.CommandExecutor
	fileSystem      interfaces.FileSystem
	clock           interfaces.Clock
	logger          *logrus.Logger
	options         Options
}

// NewFactory creates a new Factory
func NewFactory(
	osDetector interfaces.OSDetector,
	executor interfaces.CommandExecutor,
	fs interfaces.FileSystem,
	clock interfaces.Clock,
	logger *logrus.Logger,
	options Options,
) *Factory {
	return &Factory{
		osDetector:      osDetector,
		commandExecutor: executor,
		fileSystem:      fs,
		clock:           clock,
		logger:          logger,
		options:         options,
	}
}

// Create returns the backend for kind
func (f *Factory) Create(kind string) (interfaces.StateBackend, error) {
	if kind == "" || kind == KindAuto {
		osType, err := f.osDetector.DetectOS()
		if err != nil {
			return nil, errors.NewSystemError("failed to detect OS", err)
		}
		f.logger.WithField("os_type", osType).Debug("OS type detected")

		switch osType {
		case interfaces.OSTypeUbuntu:
			kind = KindNetplan
		case interfaces.OSTypeRHEL:
			kind = KindNmstate
		default:
			return nil, errors.NewSystemError(fmt.Sprintf("unsupported OS type: %s", osType), nil)
		}
	}

	switch kind {
	case KindNmstate:
		return NewNmstateBackend(f.commandExecutor, f.clock, f.logger, f.options.CommandTimeout), nil
	case KindNetplan:
		opts := f.options.Netplan
		if opts.CommandTimeout == 0 {
			opts.CommandTimeout = f.options.CommandTimeout
		}
		return NewNetplanBackend(f.commandExecutor, f.fileSystem, f.clock, f.logger, opts), nil
	case KindMemory:
		return NewMemoryBackend(f.options.MemorySeed, f.clock), nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown backend %q", kind), nil)
	}
}
