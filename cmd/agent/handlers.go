package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"
	"nmstate-agent/pkg/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// runShow prints the current state of the target host
func (a *app) runShow(ctx context.Context, host, iface string, local bool, opts entities.ShowOptions) error {
	if local {
		state, err := a.container.GetLocalChannel().GetState(ctx, a.hostOrSelf(host), opts)
		if err != nil {
			return err
		}
		if iface != "" {
			filtered, ok := state.FilterInterface(iface)
			if !ok {
				return domainErrors.NewNotFoundError(fmt.Sprintf("Interface '%s' not found", iface))
			}
			state = filtered
		}
		return a.print(state)
	}

	state, err := a.container.GetOrchestrator().GetState(ctx, a.hostOrSelf(host), iface, opts)
	if err != nil {
		return err
	}
	return a.print(state)
}

// runPlan prints the change the target host would apply
func (a *app) runPlan(ctx context.Context, host, statePath string, local bool) error {
	desired, err := a.readState(statePath)
	if err != nil {
		return err
	}

	var change entities.StateChange
	if local {
		change, err = a.container.GetLocalChannel().Plan(ctx, a.hostOrSelf(host), desired)
	} else {
		change, err = a.container.GetOrchestrator().Plan(ctx, a.hostOrSelf(host), desired)
	}
	if err != nil {
		return err
	}
	return a.print(change)
}

// runApply runs a single host apply, a batch, or a delivered request
func (a *app) runApply(ctx context.Context, opts applyOptions) error {
	if opts.requestPath != "" {
		if !opts.local {
			return domainErrors.NewValidationError("--request requires --local", nil)
		}
		req, err := a.readRequest(opts.requestPath)
		if err != nil {
			return err
		}
		return a.applyDelivered(ctx, req)
	}

	desired, err := a.readState(opts.statePath)
	if err != nil {
		return err
	}
	policy, err := a.policy(opts)
	if err != nil {
		return err
	}
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = a.container.GetConfig().Agent.ApplyTimeout
	}

	if len(opts.hosts) > 0 {
		if opts.local {
			return domainErrors.NewValidationError("--hosts cannot be combined with --local", nil)
		}
		batch := a.container.GetOrchestrator().Apply(ctx, entities.BatchRequest{
			Hosts:       opts.hosts,
			Desired:     desired,
			Policy:      policy,
			Timeout:     timeout,
			Concurrency: opts.concurrency,
		})
		if err := a.print(batch); err != nil {
			return err
		}
		if batch.Status != entities.BatchStatusSuccess {
			return &exitError{code: exitFailure}
		}
		return nil
	}

	req := entities.ApplyRequest{
		Host:    a.hostOrSelf(opts.host),
		Token:   opts.token,
		Desired: desired,
		Policy:  policy,
		Timeout: timeout,
	}
	if opts.local {
		if req.Token == "" {
			req.Token = uuid.NewString()
		}
		return a.printResult(a.container.GetLocalChannel().Apply(ctx, req))
	}
	return a.printResult(a.container.GetOrchestrator().ApplyHost(ctx, req))
}

// applyDelivered runs a request delivered by a remote orchestrator. The pipeline must reach
// its own conclusion after the session drops, so hangups are ignored and the result stays
// retrievable through status.
func (a *app) applyDelivered(ctx context.Context, req entities.ApplyRequest) error {
	signal.Ignore(syscall.SIGHUP, syscall.SIGPIPE)

	logger := a.logger.WithFields(logrus.Fields{
		"host":  req.Host,
		"token": req.Token,
	})
	logger.Info("Received delivered apply request")

	// Make the request visible to status before the checkpoint is journaled
	if utils.ValidateHostname(req.Host) == nil && utils.ValidateToken(req.Token) == nil {
		requests := a.container.GetRequestTracker()
		if err := requests.Mark(req.Host, req.Token); err != nil {
			logger.WithError(err).Warn("Failed to record delivered request")
		} else {
			defer requests.Unmark(req.Host, req.Token)
		}
	}

	res := a.container.GetLocalChannel().Apply(context.WithoutCancel(ctx), req)
	if err := a.print(res); err != nil {
		logger.WithError(err).Warn("Failed to write result; it remains available through status")
	}
	if !res.Succeeded() {
		return &exitError{code: exitFailure}
	}
	return nil
}

// runRollback restores the target host's open checkpoint
func (a *app) runRollback(ctx context.Context, host string, local bool) error {
	if local {
		return a.printResult(a.container.GetLocalChannel().Rollback(ctx, a.hostOrSelf(host)))
	}
	return a.printResult(a.container.GetOrchestrator().Rollback(ctx, a.hostOrSelf(host)))
}

// runConfirm records reachability for an in-flight apply on this host
func (a *app) runConfirm(ctx context.Context, host, token string) error {
	if err := utils.ValidateToken(token); err != nil {
		return domainErrors.NewValidationError("invalid token", err)
	}
	host = a.hostOrSelf(host)
	if err := a.container.GetConfirmUseCase().Execute(ctx, host, token); err != nil {
		return err
	}
	return a.print(map[string]string{"host": host, "token": token, "status": "confirmed"})
}

// runStatus prints the journaled state of a token
func (a *app) runStatus(ctx context.Context, host, token string) error {
	if err := utils.ValidateToken(token); err != nil {
		return domainErrors.NewValidationError("invalid token", err)
	}
	out, err := a.container.GetStatusUseCase().Execute(ctx, a.hostOrSelf(host), token)
	if err != nil {
		return err
	}
	return a.print(out)
}

// runWatchdog runs one sweep
func (a *app) runWatchdog(ctx context.Context) error {
	res, err := a.container.GetWatchdog().Sweep(ctx)
	if err != nil {
		return err
	}
	return a.print(res)
}

func (a *app) runToolList() error {
	return a.print(a.container.GetTools().List())
}

func (a *app) runToolCall(ctx context.Context, name, argsJSON, argsPath string) error {
	raw := []byte(argsJSON)
	if argsPath != "" {
		data, err := a.readInput(argsPath)
		if err != nil {
			return err
		}
		raw = data
	}
	result, err := a.container.GetTools().CallJSON(ctx, name, bytes.TrimSpace(raw))
	if err != nil {
		return err
	}
	if res, ok := result.(entities.ApplyResult); ok {
		return a.printResult(res)
	}
	if batch, ok := result.(entities.BatchResult); ok {
		if err := a.print(batch); err != nil {
			return err
		}
		if batch.Status != entities.BatchStatusSuccess {
			return &exitError{code: exitFailure}
		}
		return nil
	}
	return a.print(result)
}

func (a *app) hostOrSelf(host string) string {
	if host == "" {
		return a.container.GetConfig().Agent.HostName
	}
	return host
}

func (a *app) policy(opts applyOptions) (entities.VerificationPolicy, error) {
	policy := a.container.DefaultPolicy()
	switch mode := entities.VerificationMode(opts.verify); mode {
	case "":
	case entities.VerificationAuto, entities.VerificationAlways, entities.VerificationNever:
		policy.Mode = mode
	default:
		return policy, domainErrors.NewValidationError(fmt.Sprintf("unknown verification mode %q", opts.verify), nil)
	}
	if opts.grace > 0 {
		policy.GracePeriod = opts.grace
	}
	if len(opts.probes) > 0 {
		policy.ProbeTargets = opts.probes
	}
	policy.RequireConfirmation = opts.requireConfirmation
	return policy, nil
}

// readInput reads path, or stdin for "-"
func (a *app) readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(a.stdin)
		if err != nil {
			return nil, domainErrors.NewSystemError("failed to read stdin", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domainErrors.NewNotFoundError(fmt.Sprintf("file %s does not exist", path))
		}
		return nil, domainErrors.NewSystemError(fmt.Sprintf("failed to read %s", path), err)
	}
	return data, nil
}

func (a *app) readState(path string) (entities.NetworkState, error) {
	data, err := a.readInput(path)
	if err != nil {
		return entities.NetworkState{}, err
	}
	state, err := entities.ParseNetworkState(data)
	if err != nil {
		return entities.NetworkState{}, domainErrors.NewValidationError("desired state is not a valid state document", err)
	}
	return state, nil
}

func (a *app) readRequest(path string) (entities.ApplyRequest, error) {
	data, err := a.readInput(path)
	if err != nil {
		return entities.ApplyRequest{}, err
	}
	var req entities.ApplyRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return entities.ApplyRequest{}, domainErrors.NewValidationError("apply request is not valid JSON", err)
	}
	return req, nil
}
