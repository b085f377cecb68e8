package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	domainErrors "nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
)

// RealCommandExecutor is a CommandExecutor implementation that executes actual system commands
type RealCommandExecutor struct{}

// NewRealCommandExecutor creates a new RealCommandExecutor
func NewRealCommandExecutor() interfaces.CommandExecutor {
	return &RealCommandExecutor{}
}

// Execute executes a command and returns its stdout
func (e *RealCommandExecutor) Execute(ctx context.Context, command string, args ...string) ([]byte, error) {
	return e.run(ctx, nil, command, args...)
}

// ExecuteWithInput executes a command feeding input on stdin
func (e *RealCommandExecutor) ExecuteWithInput(ctx context.Context, input io.Reader, command string, args ...string) ([]byte, error) {
	return e.run(ctx, input, command, args...)
}

// ExecuteWithTimeout executes a command with timeout
func (e *RealCommandExecutor) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, command string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.Execute(ctx, command, args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domainErrors.NewTimeoutError(
				fmt.Sprintf("command execution timeout: %s %s (timeout: %v)", command, strings.Join(args, " "), timeout),
			)
		}
		return nil, err
	}

	return output, nil
}

func (e *RealCommandExecutor) run(ctx context.Context, input io.Reader, command string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if input != nil {
		cmd.Stdin = input
	}

	if err := cmd.Run(); err != nil {
		return nil, domainErrors.NewSystemError(
			fmt.Sprintf("command execution failed: %s %s", command, strings.Join(args, " ")),
			fmt.Errorf("%w, stderr: %s", err, strings.TrimSpace(stderr.String())),
		)
	}

	return stdout.Bytes(), nil
}

// NsenterExecutor runs every command inside the namespaces of PID 1 so that an agent
// running in a container configures the host network
type NsenterExecutor struct {
	inner interfaces.CommandExecutor
}

// NewNsenterExecutor wraps inner with nsenter
func NewNsenterExecutor(inner interfaces.CommandExecutor) interfaces.CommandExecutor {
	return &NsenterExecutor{inner: inner}
}

func (e *NsenterExecutor) Execute(ctx context.Context, command string, args ...string) ([]byte, error) {
	return e.inner.Execute(ctx, "nsenter", nsenterArgs(command, args)...)
}

func (e *NsenterExecutor) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, command string, args ...string) ([]byte, error) {
	return e.inner.ExecuteWithTimeout(ctx, timeout, "nsenter", nsenterArgs(command, args)...)
}

func (e *NsenterExecutor) ExecuteWithInput(ctx context.Context, input io.Reader, command string, args ...string) ([]byte, error) {
	return e.inner.ExecuteWithInput(ctx, input, "nsenter", nsenterArgs(command, args)...)
}

func nsenterArgs(command string, args []string) []string {
	out := []string{"--target", "1", "--mount", "--uts", "--ipc", "--net", "--pid", command}
	return append(out, args...)
}
