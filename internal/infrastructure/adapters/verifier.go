package adapters

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

const confirmDir = "confirm"

// ProbeVerifier checks reachability after an apply without using the channel that applied it.
// Probe targets are dialed over TCP from the host; with RequireConfirmation it also waits for a
// confirmation marker written by a separate `confirm --token` invocation over a fresh connection.
type ProbeVerifier struct {
	fileSystem   interfaces.FileSystem
	stateDir     string
	pollInterval time.Duration
	dialTimeout  time.Duration
	logger       *logrus.Logger
	dial         func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewProbeVerifier creates a ProbeVerifier keeping confirmation markers under stateDir
func NewProbeVerifier(fs interfaces.FileSystem, stateDir string, pollInterval time.Duration, logger *logrus.Logger) *ProbeVerifier {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	dialer := &net.Dialer{}
	return &ProbeVerifier{
		fileSystem:   fs,
		stateDir:     stateDir,
		pollInterval: pollInterval,
		dialTimeout:  2 * time.Second,
		logger:       logger,
		dial:         dialer.DialContext,
	}
}

// Verify polls until every configured check passes or the grace period elapses.
// Returns ctx.Err() when the caller's context ends first so the pipeline can tell a
// deadline apart from a failed verification.
func (v *ProbeVerifier) Verify(ctx context.Context, token string, policy entities.VerificationPolicy) error {
	if len(policy.ProbeTargets) == 0 && !policy.RequireConfirmation {
		v.logger.WithField("token", token).Warn("Verification requested without probe targets or confirmation, treating as reachable")
		return nil
	}

	grace := time.NewTimer(policy.GracePeriod)
	defer grace.Stop()
	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = v.check(ctx, token, policy); lastErr == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-grace.C:
			return errors.NewVerificationTimeoutError(
				fmt.Sprintf("reachability not confirmed within %v", policy.GracePeriod), lastErr)
		case <-ticker.C:
		}
	}
}

func (v *ProbeVerifier) check(ctx context.Context, token string, policy entities.VerificationPolicy) error {
	if policy.RequireConfirmation && !v.fileSystem.Exists(v.markerPath(token)) {
		return fmt.Errorf("confirmation for token %s not received", token)
	}
	if len(policy.ProbeTargets) == 0 {
		return nil
	}

	var failures []string
	for _, target := range policy.ProbeTargets {
		dialCtx, cancel := context.WithTimeout(ctx, v.dialTimeout)
		conn, err := v.dial(dialCtx, "tcp", target)
		cancel()
		if err == nil {
			conn.Close()
			return nil
		}
		failures = append(failures, fmt.Sprintf("%s: %v", target, err))
	}
	return fmt.Errorf("no probe target reachable: %s", strings.Join(failures, "; "))
}

// Confirm records that the host was reached over an independent connection for token
func (v *ProbeVerifier) Confirm(token string) error {
	if err := v.fileSystem.WriteFile(v.markerPath(token), []byte(time.Now().UTC().Format(time.RFC3339)), 0600); err != nil {
		return errors.NewSystemError("failed to write confirmation marker", err)
	}
	return nil
}

// Clear removes the confirmation marker once the pipeline for token has finished
func (v *ProbeVerifier) Clear(token string) {
	if err := v.fileSystem.Remove(v.markerPath(token)); err != nil && v.fileSystem.Exists(v.markerPath(token)) {
		v.logger.WithError(err).WithField("token", token).Warn("Failed to remove confirmation marker")
	}
}

func (v *ProbeVerifier) markerPath(token string) string {
	return filepath.Join(v.stateDir, confirmDir, filepath.Base(token))
}
