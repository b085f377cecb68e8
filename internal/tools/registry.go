package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nmstate-agent/internal/domain/entities"
	"nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/infrastructure/metrics"

	"github.com/invopop/jsonschema"
	schemavalidator "github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sirupsen/logrus"
)

// Tool names
const (
	ToolGetState   = "get_state"
	ToolPlanState  = "plan_state"
	ToolApplyState = "apply_state"
	ToolRollback   = "rollback"
)

// Engine is the engine surface the tools dispatch to
type Engine interface {
	Apply(ctx context.Context, req entities.BatchRequest) entities.BatchResult
	ApplyHost(ctx context.Context, req entities.ApplyRequest) entities.ApplyResult
	GetState(ctx context.Context, host, iface string, opts entities.ShowOptions) (entities.NetworkState, error)
	Plan(ctx context.Context, host string, desired entities.NetworkState) (entities.StateChange, error)
	Rollback(ctx context.Context, host string) entities.ApplyResult
}

// Defaults fill in apply_state arguments the caller left out
type Defaults struct {
	Timeout      time.Duration
	GracePeriod  time.Duration
	ProbeTargets []string
}

// Descriptor is the published form of a tool
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type tool struct {
	descriptor Descriptor
	schema     *schemavalidator.Schema
	call       func(ctx context.Context, payload []byte) (any, error)
}

// Registry holds the engine tools. Arguments arrive as decoded JSON and are checked
// against the tool's schema before they are bound to the argument struct.
type Registry struct {
	engine   Engine
	defaults Defaults
	logger   *logrus.Logger
	tools    map[string]*tool
	order    []string
}

// NewRegistry builds the registry and compiles every tool schema
func NewRegistry(engine Engine, defaults Defaults, logger *logrus.Logger) (*Registry, error) {
	r := &Registry{
		engine:   engine,
		defaults: defaults,
		logger:   logger,
		tools:    make(map[string]*tool),
	}

	if err := r.register(ToolGetState, "Return the current network state of a host, optionally one interface.",
		&GetStateArgs{}, bind(r.getState)); err != nil {
		return nil, err
	}
	if err := r.register(ToolPlanState, "Compute the ordered change and its risk for a desired state without applying it.",
		&PlanStateArgs{}, bind(r.planState)); err != nil {
		return nil, err
	}
	if err := r.register(ToolApplyState, "Apply a desired state to one host or a batch under checkpoint protection.",
		&ApplyStateArgs{}, bind(r.applyState)); err != nil {
		return nil, err
	}
	if err := r.register(ToolRollback, "Restore the open checkpoint of a host.",
		&RollbackArgs{}, bind(r.rollback)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) register(name, description string, args any, call func(ctx context.Context, payload []byte) (any, error)) error {
	reflector := &jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	raw, err := json.Marshal(reflector.Reflect(args))
	if err != nil {
		return fmt.Errorf("encode %s schema: %w", name, err)
	}
	compiled, err := schemavalidator.CompileString(name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", name, err)
	}
	r.tools[name] = &tool{
		descriptor: Descriptor{Name: name, Description: description, InputSchema: raw},
		schema:     compiled,
		call:       call,
	}
	r.order = append(r.order, name)
	return nil
}

// List returns the tool descriptors in registration order
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name].descriptor)
	}
	return out
}

// Call validates args against the tool schema and runs the tool
func (r *Registry) Call(ctx context.Context, name string, args any) (any, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("unknown tool %q", name))
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(args); err != nil {
		metrics.RecordToolCall(name, false)
		metrics.RecordError(string(errors.ErrorTypeValidation))
		return nil, errors.NewValidationError(fmt.Sprintf("invalid arguments for %s", name), err)
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid arguments for %s", name), err)
	}

	r.logger.WithField("tool", name).Debug("Dispatching tool call")
	result, err := t.call(ctx, payload)
	metrics.RecordToolCall(name, err == nil)
	return result, err
}

// CallJSON decodes raw arguments and calls the tool
func (r *Registry) CallJSON(ctx context.Context, name string, raw []byte) (any, error) {
	var args any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, errors.NewValidationError("tool arguments are not valid JSON", err)
		}
	}
	return r.Call(ctx, name, args)
}

func bind[T any](fn func(ctx context.Context, args T) (any, error)) func(ctx context.Context, payload []byte) (any, error) {
	return func(ctx context.Context, payload []byte) (any, error) {
		var args T
		if err := json.Unmarshal(payload, &args); err != nil {
			return nil, errors.NewValidationError("failed to bind tool arguments", err)
		}
		return fn(ctx, args)
	}
}

func (r *Registry) getState(ctx context.Context, args GetStateArgs) (any, error) {
	return r.engine.GetState(ctx, args.Host, args.Interface, entities.ShowOptions{
		KernelOnly:    args.KernelOnly,
		RunningConfig: args.RunningConfig,
		ShowSecrets:   args.ShowSecrets,
	})
}

func (r *Registry) planState(ctx context.Context, args PlanStateArgs) (any, error) {
	desired, err := desiredState(args.State, args.StateYAML)
	if err != nil {
		return nil, err
	}
	return r.engine.Plan(ctx, args.Host, desired)
}

func (r *Registry) applyState(ctx context.Context, args ApplyStateArgs) (any, error) {
	desired, err := desiredState(args.State, args.StateYAML)
	if err != nil {
		return nil, err
	}
	policy := r.policy(args.Verification)
	timeout := r.defaults.Timeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}

	if args.Host != "" {
		return r.engine.ApplyHost(ctx, entities.ApplyRequest{
			Host:    args.Host,
			Desired: desired,
			Policy:  policy,
			Timeout: timeout,
		}), nil
	}
	return r.engine.Apply(ctx, entities.BatchRequest{
		Hosts:       args.Hosts,
		Desired:     desired,
		Policy:      policy,
		Timeout:     timeout,
		Concurrency: args.Concurrency,
	}), nil
}

func (r *Registry) rollback(ctx context.Context, args RollbackArgs) (any, error) {
	return r.engine.Rollback(ctx, args.Host), nil
}

func (r *Registry) policy(args *VerificationArgs) entities.VerificationPolicy {
	policy := entities.VerificationPolicy{
		Mode:         entities.VerificationAuto,
		GracePeriod:  r.defaults.GracePeriod,
		ProbeTargets: r.defaults.ProbeTargets,
	}
	if args == nil {
		return policy
	}
	if args.Mode != "" {
		policy.Mode = entities.VerificationMode(args.Mode)
	}
	if args.GraceSeconds > 0 {
		policy.GracePeriod = time.Duration(args.GraceSeconds) * time.Second
	}
	if len(args.ProbeTargets) > 0 {
		policy.ProbeTargets = args.ProbeTargets
	}
	policy.RequireConfirmation = args.RequireConfirmation
	return policy
}

func desiredState(state *entities.NetworkState, stateYAML string) (entities.NetworkState, error) {
	if state != nil {
		return *state, nil
	}
	parsed, err := entities.ParseNetworkState([]byte(stateYAML))
	if err != nil {
		return entities.NetworkState{}, errors.NewValidationError("state_yaml is not a valid state document", err)
	}
	return parsed, nil
}
