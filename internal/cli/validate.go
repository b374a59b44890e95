package cli

import (
	"errors"
	"fmt"
	"io"

	"callrouting-platform/internal/flow"

	"github.com/spf13/cobra"
)

// ValidationResult is the machine-readable outcome of validate.
type ValidationResult struct {
	Valid   bool     `json:"valid" yaml:"valid"`
	FlowID  string   `json:"flowId,omitempty" yaml:"flowId,omitempty"`
	Version int      `json:"version,omitempty" yaml:"version,omitempty"`
	Entry   string   `json:"entry,omitempty" yaml:"entry,omitempty"`
	Nodes   int      `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Kind    string   `json:"kind,omitempty" yaml:"kind,omitempty"`
	NodeID  string   `json:"nodeId,omitempty" yaml:"nodeId,omitempty"`
	Errors  []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <flow-file|->",
		Short: "Check a flow document against the schema and its node references",
		Args:  cobra.ExactArgs(1),
		// Errors are part of the output; don't repeat usage.
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	doc, err := readInput(path, cmd.InOrStdin())
	if err != nil {
		return WrapExitError(ExitCommandError, "read flow", err)
	}
	out.VerboseLog("read %d bytes from %s", len(doc), path)

	res := Validate(doc)
	if err := out.Emit(res, func(w io.Writer) error { return res.writeText(w) }); err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}
	if !res.Valid {
		return &ExitError{Code: ExitFailure, Message: "flow is invalid"}
	}
	return nil
}

// Validate parses and plans doc and reports every problem found.
func Validate(doc []byte) ValidationResult {
	f, _, err := flow.ParseAndPlan(doc)
	if err == nil {
		return ValidationResult{Valid: true, FlowID: f.ID, Version: f.Version, Entry: f.Entry.Target, Nodes: len(f.Nodes)}
	}

	res := ValidationResult{Errors: []string{err.Error()}}
	var (
		se *flow.SchemaError
		pe *flow.ParseError
		re *flow.ReferenceError
	)
	switch {
	case errors.As(err, &se):
		res.Kind = "schema"
		if len(se.Causes) > 0 {
			res.Errors = se.Causes
		}
	case errors.As(err, &pe):
		res.Kind = "parse"
		res.NodeID = pe.NodeID
	case errors.As(err, &re):
		res.Kind = "reference"
		res.NodeID = re.NodeID
	default:
		res.Kind = "document"
	}
	return res
}

func (r ValidationResult) writeText(w io.Writer) error {
	if r.Valid {
		_, err := fmt.Fprintf(w, "ok: %s v%d, %d nodes, entry %s\n", r.FlowID, r.Version, r.Nodes, r.Entry)
		return err
	}
	where := ""
	if r.NodeID != "" {
		where = " at node " + r.NodeID
	}
	if _, err := fmt.Fprintf(w, "invalid (%s)%s:\n", r.Kind, where); err != nil {
		return err
	}
	for _, e := range r.Errors {
		if _, err := fmt.Fprintf(w, "  - %s\n", e); err != nil {
			return err
		}
	}
	return nil
}
