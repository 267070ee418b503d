package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/quorum/internal/phase"
	"github.com/steveyegge/quorum/internal/planning"
	"github.com/steveyegge/quorum/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show a task's pipeline state",
	Long: `Show the current phase, every stage's actor status and the latest planning
decision of a task. Without a task id, list the known tasks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 0 {
			tasks, err := store.Tasks(ctx)
			if err != nil {
				return fmt.Errorf("failed to list tasks: %w", err)
			}
			if len(tasks) == 0 {
				fmt.Println(color.New(color.FgHiBlack).Sprint("No tasks"))
				return nil
			}
			for _, id := range tasks {
				fmt.Println(id)
			}
			return nil
		}

		state, err := store.LoadState(ctx, args[0])
		if err != nil {
			return err
		}
		printState(os.Stdout, state)

		p, err := newPlanner(false)
		if err != nil {
			return err
		}
		if s, err := p.OpenSession(ctx, args[0]); err == nil {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("\n%s clarification session %d awaits %d answer(s); run 'quorum clarify %s'\n",
				yellow("⚠"), s.SessionNumber, len(s.Questions), args[0])
		}
		return nil
	},
}

func printState(w io.Writer, state *types.TaskState) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "\n%s\n", cyan(fmt.Sprintf("=== Task %s ===", state.TaskID)))
	fmt.Fprintf(w, "Phase: %s\n", state.Phase)
	fmt.Fprintf(w, "Updated: %s\n\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))

	for _, stage := range types.Pipeline {
		actor := state.Actor(stage)
		icon, paint := "○", gray
		switch actor.Status {
		case types.ActorCompleted:
			icon, paint = "✓", green
		case types.ActorFailed:
			icon, paint = "✗", red
		case types.ActorRedo:
			icon, paint = "↻", yellow
		case types.ActorSkipped:
			icon, paint = "-", gray
		}
		marker := "  "
		if stage == state.Phase {
			marker = "> "
		}
		fmt.Fprintf(w, "%s%s %-20s %s (round %d)\n", marker, paint(icon), stage, paint(string(actor.Status)), actor.Round)
	}

	var decision struct {
		Round    float64        `json:"round"`
		Decision types.Decision `json:"decision"`
		Reason   string         `json:"reason"`
	}
	if found, err := state.ArtifactAs(planning.ArtifactConsensus, &decision); err == nil && found {
		fmt.Fprintf(w, "\nLast planning decision (round %v): %s\n", decision.Round, decision.Decision)
		fmt.Fprintf(w, "  %s\n", gray(decision.Reason))
	}
	if side := phase.ArtifactsFromState(state); side.EvalReport != nil {
		if step, failed := side.EvalReport.FirstFailed(); failed {
			fmt.Fprintf(w, "\n%s evaluation failed at step %s\n", red("✗"), step)
		}
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
