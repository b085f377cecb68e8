package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/domain/interfaces"
	"nmstate-agent/pkg/utils"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config holds the SSH channel settings
type Config struct {
	// AgentPath is the agent binary invoked on the remote host
	AgentPath string
	// User and KeyFile apply when the inventory entry leaves them empty
	User    string
	KeyFile string
	// KnownHostsFile pins host keys. InsecureHostKey accepts any key and is meant for labs only.
	KnownHostsFile  string
	InsecureHostKey bool
	ConnectTimeout  time.Duration
	// ConfirmInterval is the pause between confirmation attempts over fresh connections
	ConfirmInterval time.Duration
	// Retry bounds the reconnect attempts used to fetch a result after the apply connection dropped
	Retry utils.RetryConfig
}

// TransportError reports a failure of the SSH transport itself rather than of the remote command
type TransportError struct {
	Op   string
	Host string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ssh %s %s: %v", e.Op, e.Host, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// delivered reports whether the command may have started on the host
func (e *TransportError) delivered() bool {
	return e.Op == opRun
}

const (
	opDial    = "dial"
	opSession = "session"
	opRun     = "run"
)

// CommandError reports a remote command that exited non-zero
type CommandError struct {
	Host   string
	Status int
	Stderr string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("remote agent on %s exited with status %d: %s", e.Host, e.Status, e.Stderr)
}

// SSHChannel runs the engine pipeline on a remote host by invoking the agent there over SSH.
// The desired state travels on stdin and the result comes back as JSON on stdout.
type SSHChannel struct {
	resolver        interfaces.HostResolver
	config          Config
	hostKeyCallback ssh.HostKeyCallback
	clock           interfaces.Clock
	logger          *logrus.Logger

	mu      sync.Mutex
	signers map[string]ssh.Signer
}

// NewSSHChannel creates an SSHChannel. A known hosts file is required unless InsecureHostKey is set.
func NewSSHChannel(resolver interfaces.HostResolver, config Config, clock interfaces.Clock, logger *logrus.Logger) (*SSHChannel, error) {
	if config.AgentPath == "" {
		config.AgentPath = "nmstate-agent"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ConfirmInterval <= 0 {
		config.ConfirmInterval = time.Second
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = utils.DefaultRetryConfig
	}

	var callback ssh.HostKeyCallback
	switch {
	case config.KnownHostsFile != "":
		cb, err := knownhosts.New(config.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		callback = cb
	case config.InsecureHostKey:
		logger.Warn("SSH host key checking is disabled")
		callback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.NewValidationError("a known hosts file is required for the SSH channel", nil)
	}

	return &SSHChannel{
		resolver:        resolver,
		config:          config,
		hostKeyCallback: callback,
		clock:           clock,
		logger:          logger,
		signers:         make(map[string]ssh.Signer),
	}, nil
}

// Apply pushes the request to `agent apply --local` on the host. If the connection drops after
// the command started, it reconnects and fetches the journaled result by token instead of
// applying again.
func (c *SSHChannel) Apply(ctx context.Context, req entities.ApplyRequest) entities.ApplyResult {
	started := c.clock.Now()
	logger := c.logger.WithFields(logrus.Fields{
		"host":  req.Host,
		"token": req.Token,
	})

	ep, err := c.resolver.Resolve(req.Host)
	if err != nil {
		return c.failure(req, started, entities.OutcomeFailedNoCheckpoint, asDomainError(err), "host could not be resolved")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return c.failure(req, started, entities.OutcomeFailedNoCheckpoint,
			errors.NewSystemError("failed to encode apply request", err), "")
	}

	stopConfirm := c.confirmLoop(ctx, ep, req)
	stdout, runErr := c.exec(ctx, ep, []string{"apply", "--local", "--json", "--request", "-"}, payload)
	stopConfirm()

	if res, ok := parseResult(stdout); ok {
		res.Host = req.Host
		logger.WithField("outcome", res.Outcome).Debug("Remote apply finished")
		return res
	}

	var terr *TransportError
	if stderrors.As(runErr, &terr) && !terr.delivered() {
		return c.failure(req, started, entities.OutcomeFailedNoCheckpoint,
			errors.NewNetworkError("could not reach host", runErr), "request was not delivered; nothing was applied")
	}

	logger.WithError(runErr).Warn("Apply connection ended without a result, fetching it by token")
	return c.fetchResult(ctx, ep, req, started)
}

// fetchResult asks the host for the journaled result of req.Token over new connections
func (c *SSHChannel) fetchResult(ctx context.Context, ep interfaces.HostEndpoint, req entities.ApplyRequest, started time.Time) entities.ApplyResult {
	var result *entities.ApplyResult
	err := utils.RetryWithBackoff(ctx, c.config.Retry, func(ctx context.Context) error {
		stdout, runErr := c.exec(ctx, ep, []string{"status", "--json", "--host", req.Host, "--token", req.Token}, nil)
		var doc statusDocument
		// NOT_FOUND may only mean the delivered process has not started yet
		if err := decode(stdout, runErr, &doc); err != nil {
			if errors.IsValidationError(err) {
				return utils.Permanent(err)
			}
			return err
		}
		if doc.Result == nil {
			return fmt.Errorf("pipeline for token %s is still in progress", req.Token)
		}
		result = doc.Result
		return nil
	})

	if result != nil {
		res := *result
		res.Host = req.Host
		return res
	}
	if errors.IsNotFoundError(err) {
		return c.failure(req, started, entities.OutcomeFailedNoCheckpoint,
			errors.NewNetworkError("connection lost before the host recorded the request", err),
			"host has no record of the token; nothing was applied")
	}
	return c.failure(req, started, entities.OutcomeTimedOut,
		errors.NewNetworkError("result could not be fetched after reconnecting", err),
		"result unknown; an uncommitted change is restored by the host at its checkpoint deadline")
}

// confirmLoop proves reachability after the change by running `confirm` over fresh connections
// until the host accepts it or the apply ends.
func (c *SSHChannel) confirmLoop(ctx context.Context, ep interfaces.HostEndpoint, req entities.ApplyRequest) func() {
	if !req.Policy.RequireConfirmation {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(c.config.ConfirmInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := c.exec(ctx, ep, []string{"confirm", "--json", "--host", req.Host, "--token", req.Token}, nil)
			if err == nil {
				c.logger.WithField("host", req.Host).Info("Reachability confirmed over a fresh connection")
				return
			}
			c.logger.WithError(err).WithField("host", req.Host).Debug("Confirmation not accepted yet")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// GetState returns the host's current network state
func (c *SSHChannel) GetState(ctx context.Context, host string, opts entities.ShowOptions) (entities.NetworkState, error) {
	ep, err := c.resolver.Resolve(host)
	if err != nil {
		return entities.NetworkState{}, err
	}
	args := []string{"show", "--local", "--json"}
	if opts.KernelOnly {
		args = append(args, "--kernel")
	}
	if opts.RunningConfig {
		args = append(args, "--running-config")
	}
	if opts.ShowSecrets {
		args = append(args, "--show-secrets")
	}
	stdout, runErr := c.exec(ctx, ep, args, nil)
	var state entities.NetworkState
	if err := decode(stdout, runErr, &state); err != nil {
		return entities.NetworkState{}, err
	}
	return state, nil
}

// Plan computes the change the host would apply for desired
func (c *SSHChannel) Plan(ctx context.Context, host string, desired entities.NetworkState) (entities.StateChange, error) {
	ep, err := c.resolver.Resolve(host)
	if err != nil {
		return entities.StateChange{}, err
	}
	payload, err := json.Marshal(desired)
	if err != nil {
		return entities.StateChange{}, errors.NewSystemError("failed to encode desired state", err)
	}
	stdout, runErr := c.exec(ctx, ep, []string{"plan", "--local", "--json", "--state", "-"}, payload)
	var change entities.StateChange
	if err := decode(stdout, runErr, &change); err != nil {
		return entities.StateChange{}, err
	}
	return change, nil
}

// Rollback restores the host's open checkpoint
func (c *SSHChannel) Rollback(ctx context.Context, host string) entities.ApplyResult {
	req := entities.ApplyRequest{Host: host}
	started := c.clock.Now()
	ep, err := c.resolver.Resolve(host)
	if err != nil {
		return c.failure(req, started, entities.OutcomeFailedNoCheckpoint, asDomainError(err), "host could not be resolved")
	}
	stdout, runErr := c.exec(ctx, ep, []string{"rollback", "--local", "--json", "--host", host}, nil)
	if res, ok := parseResult(stdout); ok {
		res.Host = host
		return res
	}
	var report entities.ErrorReport
	if json.Unmarshal(stdout, &report) == nil && report.Error.Type != "" {
		return c.failure(req, started, entities.OutcomeFailedNoCheckpoint, reportError(report), "")
	}
	return c.failure(req, started, entities.OutcomeFailedNoCheckpoint,
		errors.NewNetworkError("rollback did not return a result", runErr), "")
}

// exec runs the agent with args on the endpoint. stdout is returned even when the command failed.
func (c *SSHChannel) exec(ctx context.Context, ep interfaces.HostEndpoint, args []string, stdin []byte) ([]byte, error) {
	client, err := c.dial(ctx, ep)
	if err != nil {
		return nil, &TransportError{Op: opDial, Host: ep.Name, Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: opSession, Host: ep.Name, Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != nil {
		session.Stdin = bytes.NewReader(stdin)
	}

	command := c.command(args)
	c.logger.WithFields(logrus.Fields{
		"host":    ep.Name,
		"command": command,
	}).Debug("Running remote command")

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return stdout.Bytes(), &TransportError{Op: opRun, Host: ep.Name, Err: ctx.Err()}
	case runErr = <-done:
	}

	if runErr == nil {
		return stdout.Bytes(), nil
	}
	var exitErr *ssh.ExitError
	if stderrors.As(runErr, &exitErr) {
		return stdout.Bytes(), &CommandError{
			Host:   ep.Name,
			Status: exitErr.ExitStatus(),
			Stderr: strings.TrimSpace(stderr.String()),
		}
	}
	return stdout.Bytes(), &TransportError{Op: opRun, Host: ep.Name, Err: runErr}
}

func (c *SSHChannel) dial(ctx context.Context, ep interfaces.HostEndpoint) (*ssh.Client, error) {
	clientConfig, err := c.clientConfig(ep)
	if err != nil {
		return nil, err
	}
	port := ep.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(ep.Address, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// the handshake has no context, so bound it with a deadline on the raw connection
	_ = conn.SetDeadline(time.Now().Add(c.config.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (c *SSHChannel) clientConfig(ep interfaces.HostEndpoint) (*ssh.ClientConfig, error) {
	user := firstNonEmpty(ep.User, c.config.User)
	if user == "" {
		return nil, fmt.Errorf("no SSH user configured for %s", ep.Name)
	}
	signer, err := c.signer(firstNonEmpty(ep.KeyFile, c.config.KeyFile))
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: c.hostKeyCallback,
		Timeout:         c.config.ConnectTimeout,
	}, nil
}

func (c *SSHChannel) signer(keyFile string) (ssh.Signer, error) {
	if keyFile == "" {
		return nil, fmt.Errorf("no SSH key file configured")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.signers[keyFile]; ok {
		return s, nil
	}
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	s, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	c.signers[keyFile] = s
	return s, nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./:=@,+-]+$`)

func (c *SSHChannel) command(args []string) string {
	parts := make([]string, 0, len(args)+1)
	for _, a := range append([]string{c.config.AgentPath}, args...) {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (c *SSHChannel) failure(req entities.ApplyRequest, started time.Time, outcome entities.Outcome, err *errors.DomainError, detail string) entities.ApplyResult {
	if detail == "" {
		detail = err.Error()
	}
	return entities.ApplyResult{
		Host:       req.Host,
		Token:      req.Token,
		Outcome:    outcome,
		Error:      &entities.ResultError{Type: string(err.Type), Message: err.Message},
		Detail:     detail,
		StartedAt:  started,
		FinishedAt: c.clock.Now(),
	}
}

type statusDocument struct {
	State  string                `json:"state"`
	Result *entities.ApplyResult `json:"result,omitempty"`
}

// parseResult accepts stdout only when it holds an ApplyResult with an outcome
func parseResult(stdout []byte) (entities.ApplyResult, bool) {
	if len(bytes.TrimSpace(stdout)) == 0 {
		return entities.ApplyResult{}, false
	}
	var res entities.ApplyResult
	if err := json.Unmarshal(stdout, &res); err != nil || res.Outcome == "" {
		return entities.ApplyResult{}, false
	}
	return res, true
}

// decode turns agent output into out, mapping an error document back to its domain error
func decode(stdout []byte, runErr error, out any) error {
	var report entities.ErrorReport
	if len(bytes.TrimSpace(stdout)) > 0 && json.Unmarshal(stdout, &report) == nil && report.Error.Type != "" {
		return reportError(report)
	}
	if runErr != nil {
		var cerr *CommandError
		if stderrors.As(runErr, &cerr) {
			return errors.NewSystemError("remote agent failed", runErr)
		}
		return errors.NewNetworkError("remote command failed", runErr)
	}
	if err := json.Unmarshal(stdout, out); err != nil {
		return errors.NewSystemError("malformed output from remote agent", err)
	}
	return nil
}

func reportError(report entities.ErrorReport) *errors.DomainError {
	return &errors.DomainError{
		Type:    errors.ErrorType(report.Error.Type),
		Message: report.Error.Message,
	}
}

func asDomainError(err error) *errors.DomainError {
	var de *errors.DomainError
	if stderrors.As(err, &de) {
		return de
	}
	return errors.NewNetworkError("remote channel failure", err)
}
