package tools

import (
	"nmstate-agent/internal/domain/entities"

	"github.com/invopop/jsonschema"
)

// GetStateArgs are the arguments of get_state
type GetStateArgs struct {
	Host          string `json:"host" jsonschema:"required,minLength=1,description=Host to query"`
	Interface     string `json:"interface,omitempty" jsonschema:"description=Only return this interface"`
	KernelOnly    bool   `json:"kernel_only,omitempty" jsonschema:"description=Query the kernel directly and skip NetworkManager"`
	RunningConfig bool   `json:"running_config,omitempty" jsonschema:"description=Return the applied configuration instead of the runtime state"`
	ShowSecrets   bool   `json:"show_secrets,omitempty" jsonschema:"description=Include secrets that are hidden by default"`
}

// PlanStateArgs are the arguments of plan_state
type PlanStateArgs struct {
	Host      string                 `json:"host" jsonschema:"required,minLength=1,description=Host to plan for"`
	State     *entities.NetworkState `json:"state,omitempty" jsonschema:"description=Desired state document"`
	StateYAML string                 `json:"state_yaml,omitempty" jsonschema:"description=Desired state as YAML text"`
}

// JSONSchemaExtend requires exactly one form of the desired state
func (PlanStateArgs) JSONSchemaExtend(s *jsonschema.Schema) {
	s.OneOf = exactlyOne("state", "state_yaml")
}

// VerificationArgs configure post-apply reachability verification
type VerificationArgs struct {
	Mode                string   `json:"mode,omitempty" jsonschema:"enum=auto,enum=always,enum=never,description=auto verifies connectivity-risk changes only"`
	GraceSeconds        int      `json:"grace_seconds,omitempty" jsonschema:"minimum=0"`
	ProbeTargets        []string `json:"probe_targets,omitempty" jsonschema:"description=host:port endpoints that must stay reachable"`
	RequireConfirmation bool     `json:"require_confirmation,omitempty"`
}

// ApplyStateArgs are the arguments of apply_state
type ApplyStateArgs struct {
	Host           string                 `json:"host,omitempty" jsonschema:"minLength=1,description=Single target host"`
	Hosts          []string               `json:"hosts,omitempty" jsonschema:"minItems=1,description=Batch of target hosts"`
	State          *entities.NetworkState `json:"state,omitempty" jsonschema:"description=Desired state document"`
	StateYAML      string                 `json:"state_yaml,omitempty" jsonschema:"description=Desired state as YAML text"`
	Verification   *VerificationArgs      `json:"verification,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty" jsonschema:"minimum=1"`
	Concurrency    int                    `json:"concurrency,omitempty" jsonschema:"minimum=0"`
}

// JSONSchemaExtend requires exactly one target form and exactly one state form
func (ApplyStateArgs) JSONSchemaExtend(s *jsonschema.Schema) {
	s.AllOf = []*jsonschema.Schema{
		{OneOf: exactlyOne("host", "hosts")},
		{OneOf: exactlyOne("state", "state_yaml")},
	}
}

// RollbackArgs are the arguments of rollback
type RollbackArgs struct {
	Host string `json:"host" jsonschema:"required,minLength=1,description=Host whose open checkpoint is restored"`
}

func exactlyOne(a, b string) []*jsonschema.Schema {
	return []*jsonschema.Schema{
		{Required: []string{a}},
		{Required: []string{b}},
	}
}
