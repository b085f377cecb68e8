package main

import (
	"fmt"
	"time"

	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"

	"github.com/spf13/cobra"
)

const skipSetup = "skip-setup"

// buildRootCmd creates the command tree
func (a *app) buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nmstate-agent",
		Short: "Declarative host network configuration with checkpoint rollback",
		Long: `nmstate-agent applies declarative network state documents to hosts.

Every apply runs under a checkpoint: if the host cannot be reached after the
change, or the pipeline does not commit before its deadline, the previous
configuration is restored.

Configuration is read from the environment (see AGENT_*, JOURNAL_DRIVER,
DB_*, SSH_*, WATCHDOG_* and TRACING_* variables).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch a.output {
			case "", formatText, formatJSON, formatYAML:
			default:
				return domainErrors.NewValidationError(fmt.Sprintf("unknown output format %q", a.output), nil)
			}
			if cmd.Annotations[skipSetup] == "true" {
				return nil
			}
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", formatText, "Output format (text, json, yaml)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Shorthand for --output json")

	root.AddCommand(
		a.buildServeCmd(),
		a.buildShowCmd(),
		a.buildPlanCmd(),
		a.buildApplyCmd(),
		a.buildRollbackCmd(),
		a.buildConfirmCmd(),
		a.buildStatusCmd(),
		a.buildWatchdogCmd(),
		a.buildToolCmd(),
		a.buildVersionCmd(),
	)
	return root
}

func (a *app) buildServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the health endpoint and the checkpoint watchdog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd.Context())
		},
	}
}

func (a *app) buildShowCmd() *cobra.Command {
	var (
		host  string
		iface string
		local bool
		opts  entities.ShowOptions
	)
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the current network state of a host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runShow(cmd.Context(), host, iface, local, opts)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Target host (defaults to this host)")
	cmd.Flags().StringVarP(&iface, "interface", "i", "", "Only show this interface")
	cmd.Flags().BoolVar(&local, "local", false, "Query this host's backend directly")
	cmd.Flags().BoolVarP(&opts.KernelOnly, "kernel", "k", false, "Query the kernel only, skipping NetworkManager (nmstate backend)")
	cmd.Flags().BoolVarP(&opts.RunningConfig, "running-config", "r", false, "Show the applied configuration instead of the runtime state (nmstate backend)")
	cmd.Flags().BoolVarP(&opts.ShowSecrets, "show-secrets", "s", false, "Include secrets that are hidden by default (nmstate backend)")
	return cmd
}

func (a *app) buildPlanCmd() *cobra.Command {
	var (
		host      string
		statePath string
		local     bool
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the ordered change for a desired state without applying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runPlan(cmd.Context(), host, statePath, local)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Target host (defaults to this host)")
	cmd.Flags().StringVarP(&statePath, "state", "f", "", "Desired state document, YAML or JSON (- for stdin)")
	cmd.Flags().BoolVar(&local, "local", false, "Plan against this host's backend directly")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

// applyOptions are the flags of the apply command
type applyOptions struct {
	host                string
	hosts               []string
	statePath           string
	requestPath         string
	local               bool
	token               string
	timeout             time.Duration
	verify              string
	grace               time.Duration
	probes              []string
	requireConfirmation bool
	concurrency         int
}

func (a *app) buildApplyCmd() *cobra.Command {
	var opts applyOptions
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a desired state under checkpoint protection",
		Long: `Apply a desired state to one host or a batch of hosts.

The command exits non-zero unless every host committed. The result is
printed either way.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runApply(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "Target host (defaults to this host)")
	cmd.Flags().StringSliceVar(&opts.hosts, "hosts", nil, "Batch of target hosts")
	cmd.Flags().StringVarP(&opts.statePath, "state", "f", "", "Desired state document, YAML or JSON (- for stdin)")
	cmd.Flags().StringVar(&opts.requestPath, "request", "", "Complete apply request as JSON (- for stdin); requires --local")
	cmd.Flags().BoolVar(&opts.local, "local", false, "Run the pipeline in this process")
	cmd.Flags().StringVar(&opts.token, "token", "", "Request token (generated when empty)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Pipeline timeout (defaults to APPLY_TIMEOUT)")
	cmd.Flags().StringVar(&opts.verify, "verify", string(entities.VerificationAuto), "Verification mode (auto, always, never)")
	cmd.Flags().DurationVar(&opts.grace, "grace", 0, "Verification grace period (defaults to VERIFY_GRACE)")
	cmd.Flags().StringSliceVar(&opts.probes, "probe", nil, "host:port endpoint that must stay reachable (repeatable)")
	cmd.Flags().BoolVar(&opts.requireConfirmation, "require-confirmation", false, "Wait for a confirm over a fresh connection")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 0, "Hosts applied in parallel (defaults to BATCH_CONCURRENCY)")
	cmd.MarkFlagsMutuallyExclusive("host", "hosts")
	cmd.MarkFlagsMutuallyExclusive("state", "request")
	cmd.MarkFlagsOneRequired("state", "request")
	return cmd
}

func (a *app) buildRollbackCmd() *cobra.Command {
	var (
		host  string
		local bool
	)
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the open checkpoint of a host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runRollback(cmd.Context(), host, local)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Target host (defaults to this host)")
	cmd.Flags().BoolVar(&local, "local", false, "Restore on this host directly")
	return cmd
}

func (a *app) buildConfirmCmd() *cobra.Command {
	var host, token string
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm that this host is reachable for an in-flight apply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runConfirm(cmd.Context(), host, token)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Host name the apply was requested for (defaults to this host)")
	cmd.Flags().StringVar(&token, "token", "", "Request token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func (a *app) buildStatusCmd() *cobra.Command {
	var host, token string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Look up the journaled result of a request token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runStatus(cmd.Context(), host, token)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Host name the apply was requested for (defaults to this host)")
	cmd.Flags().StringVar(&token, "token", "", "Request token")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func (a *app) buildWatchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Run one watchdog sweep: restore expired checkpoints and prune old results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWatchdog(cmd.Context())
		},
	}
}

func (a *app) buildToolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tool",
		Short: "List or call the engine tools",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the tools and their input schemas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runToolList()
		},
	}

	var argsJSON, argsPath string
	call := &cobra.Command{
		Use:   "call [tool]",
		Short: "Call a tool with JSON arguments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runToolCall(cmd.Context(), args[0], argsJSON, argsPath)
		},
	}
	call.Flags().StringVar(&argsJSON, "args", "", "Arguments as a JSON object")
	call.Flags().StringVar(&argsPath, "args-file", "", "File holding the JSON arguments (- for stdin)")
	call.MarkFlagsMutuallyExclusive("args", "args-file")

	cmd.AddCommand(list, call)
	return cmd
}

func (a *app) buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the agent version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipSetup: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.print(version)
		},
	}
}
