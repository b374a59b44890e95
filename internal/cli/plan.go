package cli

import (
	"fmt"
	"io"
	"strings"

	"callrouting-platform/internal/flow"

	"github.com/spf13/cobra"
)

type PlanNode struct {
	ID      string   `json:"id" yaml:"id"`
	Type    string   `json:"type" yaml:"type"`
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// PlanView is the printable form of an execution plan.
type PlanView struct {
	FlowID  string     `json:"flowId" yaml:"flowId"`
	Version int        `json:"version" yaml:"version"`
	Entry   string     `json:"entry" yaml:"entry"`
	Nodes   []PlanNode `json:"nodes" yaml:"nodes"`
	// Unreachable lists nodes no path from the entry leads to.
	Unreachable []string `json:"unreachable,omitempty" yaml:"unreachable,omitempty"`
}

func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "plan <flow-file|->",
		Short:         "Print the execution plan of a flow",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			doc, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return WrapExitError(ExitCommandError, "read flow", err)
			}
			_, plan, err := flow.ParseAndPlan(doc)
			if err != nil {
				return WrapExitError(ExitFailure, "flow is invalid", err)
			}
			view := BuildPlanView(plan)
			return out.Emit(view, view.writeText)
		},
	}
}

func BuildPlanView(p *flow.ExecutionPlan) PlanView {
	v := PlanView{FlowID: p.FlowID, Version: p.FlowVersion, Entry: p.EntryNodeID}
	for _, id := range p.NodeIDs() {
		n, _ := p.Node(id)
		v.Nodes = append(v.Nodes, PlanNode{ID: id, Type: string(n.Type()), Targets: n.Targets()})
	}

	seen := map[string]bool{}
	stack := []string{p.EntryNodeID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		if n, ok := p.Node(id); ok {
			stack = append(stack, n.Targets()...)
		}
	}
	for _, id := range p.NodeIDs() {
		if !seen[id] {
			v.Unreachable = append(v.Unreachable, id)
		}
	}
	return v
}

func (v PlanView) writeText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "%s v%d (entry %s)\n", v.FlowID, v.Version, v.Entry); err != nil {
		return err
	}
	for _, n := range v.Nodes {
		arrow := ""
		if len(n.Targets) > 0 {
			arrow = " -> " + strings.Join(n.Targets, ", ")
		}
		if _, err := fmt.Fprintf(w, "  %-20s %-9s%s\n", n.ID, n.Type, arrow); err != nil {
			return err
		}
	}
	if len(v.Unreachable) > 0 {
		_, err := fmt.Fprintf(w, "unreachable: %s\n", strings.Join(v.Unreachable, ", "))
		return err
	}
	return nil
}
