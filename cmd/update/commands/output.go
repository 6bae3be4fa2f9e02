package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/stagehand/pkg/batch"
	"github.com/openfroyo/stagehand/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printStage writes the stage summary shown after every step command.
func printStage(w io.Writer, s *engine.UpdateStage) error {
	if jsonOutput {
		return printJSON(w, s)
	}

	mode := "attended"
	if s.Unattended {
		mode = "unattended"
	}
	fmt.Fprintf(w, "Stage:    %s\n", s.ID)
	fmt.Fprintf(w, "State:    %s\n", s.State)
	fmt.Fprintf(w, "Mode:     %s\n", mode)
	fmt.Fprintf(w, "Project:  %s\n", s.ProjectRoot)
	fmt.Fprintf(w, "Targets:  %s\n", formatTargets(s.TargetVersions))
	fmt.Fprintf(w, "Updated:  %s\n", s.UpdatedAt.Format(time.RFC3339))
	if s.LastError != "" {
		fmt.Fprintf(w, "Error:    %s\n", s.LastError)
	}
	if len(s.ValidationResults) > 0 {
		fmt.Fprintf(w, "Validation: %s\n", engine.OverallSeverity(s.ValidationResults))
		printResults(w, s.ValidationResults)
	}
	return nil
}

func printResults(w io.Writer, results []engine.ValidationResult) {
	for _, r := range results {
		if r.Severity == engine.SeverityOK {
			continue
		}
		fmt.Fprintf(w, "  %-7s %s\n", r.Severity, r.Validator)
		for _, msg := range r.Messages {
			fmt.Fprintf(w, "          %s\n", msg)
		}
	}
}

func printDiff(w io.Writer, d engine.DiffResult) error {
	if jsonOutput {
		return printJSON(w, d)
	}
	if d.IsEmpty() {
		fmt.Fprintln(w, "No changes.")
		return nil
	}
	for _, c := range d.All() {
		fmt.Fprintf(w, "  %s\n", c.String())
	}
	fmt.Fprintf(w, "\n%d change(s), %d removal(s), %d incidental\n",
		len(d.Changes), len(d.Removals), len(d.Incidental()))
	return nil
}

func printMarker(w io.Writer, m *engine.FailureMarker) {
	fmt.Fprintf(w, "FAILURE MARKER present since %s\n", m.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "  stage:     %s\n", m.StageID)
	fmt.Fprintf(w, "  operation: %s\n", m.Operation)
	fmt.Fprintf(w, "  message:   %s\n", m.Message)
	fmt.Fprintln(w, "  Repair the codebase, then run 'update destroy --force <stage>' to clear it.")
}

func printLock(w io.Writer, status *engine.LockStatus) {
	if !status.Held() {
		fmt.Fprintln(w, "Lock:     free")
		return
	}
	r := status.Record
	fmt.Fprintf(w, "Lock:     held by stage %s (pid %d on %s since %s)\n",
		r.StageID, r.PID, r.Hostname, r.AcquiredAt.Format(time.RFC3339))
	if status.Stale {
		fmt.Fprintln(w, "          the holding process is gone; clear with 'update lock force-clear' once you have checked it")
	}
}

// stepPrinter reports batch progress as steps finish.
func stepPrinter(w io.Writer) func(batch.ActionResult) {
	return func(res batch.ActionResult) {
		if jsonOutput {
			return
		}
		state := ""
		if res.Stage != nil {
			state = string(res.Stage.State)
		}
		if res.OK() {
			fmt.Fprintf(w, "%-10s ok        %s\n", res.Step, state)
			return
		}
		fmt.Fprintf(w, "%-10s %-9s %s: %s\n", res.Step, res.Kind, state, res.Reason)
	}
}

func formatTargets(targets map[string]string) string {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = name + "=" + targets[name]
	}
	return strings.Join(parts, " ")
}

// parseTargets turns name=version arguments into a target map.
func parseTargets(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, engine.NewInvalidInputError("at least one name=version target is required", nil)
	}
	targets := make(map[string]string, len(args))
	for _, arg := range args {
		name, version, ok := strings.Cut(arg, "=")
		name, version = strings.TrimSpace(name), strings.TrimSpace(version)
		if !ok || name == "" || version == "" {
			return nil, engine.NewInvalidInputError(fmt.Sprintf("invalid target %q, expected name=version", arg), nil)
		}
		if prev, dup := targets[name]; dup && prev != version {
			return nil, engine.NewInvalidInputError(fmt.Sprintf("package %s is targeted twice (%s and %s)", name, prev, version), nil)
		}
		targets[name] = version
	}
	return targets, nil
}
