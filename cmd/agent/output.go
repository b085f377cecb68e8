package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"nmstate-agent/internal/application/usecases"
	"nmstate-agent/internal/domain/entities"
	domainErrors "nmstate-agent/internal/domain/errors"
	"nmstate-agent/internal/tools"

	"gopkg.in/yaml.v3"
)

// Output formats
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// exitError ends the process with code after the result has already been written
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCodeFor(err error) int {
	if domainErrors.IsValidationError(err) {
		return exitUsage
	}
	return exitFailure
}

// errorReport converts err into the document printed in json mode
func errorReport(err error) entities.ErrorReport {
	errType := domainErrors.TypeOf(err)
	if errType == "" {
		errType = domainErrors.ErrorTypeSystem
	}
	message := err.Error()
	var de *domainErrors.DomainError
	if errors.As(err, &de) {
		message = de.Message
		if de.Cause != nil {
			message = fmt.Sprintf("%s: %v", de.Message, de.Cause)
		}
	}
	return entities.ErrorReport{Error: entities.ResultError{Type: string(errType), Message: message}}
}

func (a *app) format() string {
	if a.jsonOut {
		return formatJSON
	}
	if a.output == "" {
		return formatText
	}
	return a.output
}

// print writes v in the selected format
func (a *app) print(v any) error {
	switch a.format() {
	case formatJSON:
		return writeJSON(a.stdout, v)
	case formatYAML:
		return writeYAML(a.stdout, v)
	default:
		return writeText(a.stdout, v)
	}
}

// printResult writes res and turns a non-committed outcome into a failing exit code
func (a *app) printResult(res entities.ApplyResult) error {
	if err := a.print(res); err != nil {
		return err
	}
	if !res.Succeeded() {
		return &exitError{code: exitFailure}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeYAML goes through JSON so that durations and omitempty follow the json tags
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(doc)
}

func writeText(w io.Writer, v any) error {
	switch val := v.(type) {
	case entities.NetworkState:
		out, err := val.YAML()
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	case entities.StateChange:
		return writeChange(w, val)
	case entities.ApplyResult:
		return writeApplyResult(w, val)
	case entities.BatchResult:
		fmt.Fprintf(w, "batch: %s\n", val.Status)
		for _, hr := range val.Results {
			if err := writeApplyResult(w, hr.Result); err != nil {
				return err
			}
		}
		return nil
	case usecases.StatusOutput:
		fmt.Fprintf(w, "%s %s: %s\n", val.Host, val.Token, val.State)
		if val.Result != nil {
			return writeApplyResult(w, *val.Result)
		}
		return nil
	case []tools.Descriptor:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, d := range val {
			fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Description)
		}
		return tw.Flush()
	case string:
		_, err := fmt.Fprintln(w, val)
		return err
	default:
		return writeYAML(w, v)
	}
}

func writeChange(w io.Writer, change entities.StateChange) error {
	if change.IsEmpty() {
		_, err := fmt.Fprintln(w, "no changes")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OP\tKIND\tNAME\tRISK")
	for _, c := range change.Changes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Op, c.Kind, c.Name, c.Risk)
	}
	return tw.Flush()
}

func writeApplyResult(w io.Writer, res entities.ApplyResult) error {
	parts := []string{fmt.Sprintf("%s: %s", res.Host, res.Outcome)}
	if res.Token != "" {
		parts = append(parts, "token="+res.Token)
	}
	if n := len(res.Change.Changes); n > 0 {
		parts = append(parts, fmt.Sprintf("changes=%d", n))
	}
	if res.Error != nil {
		parts = append(parts, fmt.Sprintf("error=%s: %s", res.Error.Type, res.Error.Message))
	}
	if res.Detail != "" {
		parts = append(parts, fmt.Sprintf("(%s)", res.Detail))
	}
	_, err := fmt.Fprintln(w, strings.Join(parts, " "))
	return err
}
