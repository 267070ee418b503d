package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/quorum/internal/phase"
	"github.com/steveyegge/quorum/internal/types"
)

var nextApply bool

var nextCmd = &cobra.Command{
	Use:   "next <task-id>",
	Short: "Suggest the next phase of a task",
	Long: `Compute the next phase from the current phase and the plan review and
evaluation artifacts. With --apply, move the task to the suggested phase.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		taskID := args[0]

		state, err := store.LoadState(ctx, taskID)
		if err != nil {
			return err
		}
		next, err := phase.SuggestNext(state, phase.ArtifactsFromState(state))
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		if next.Complete() {
			fmt.Printf("%s pipeline complete (%s)\n", green("✓"), next.Reason)
			return nil
		}
		fmt.Printf("Next phase: %s (%s)\n", green(string(next.Phase)), next.Reason)
		for k, v := range next.Details {
			fmt.Printf("  %s: %s\n", k, v)
		}
		if next.Reason == phase.ReasonEvalFailed {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s accept requires an override; run 'quorum accept %s'\n", yellow("⚠"), taskID)
		}
		if !nextApply {
			return nil
		}

		return withTaskLock(taskID, func() error {
			if _, err := store.ApplyPatch(ctx, taskID, types.StatePatch{Phase: &next.Phase}); err != nil {
				return err
			}
			fmt.Printf("%s moved %s to %s\n", green("✓"), taskID, next.Phase)
			return nil
		})
	},
}

var redoCmd = &cobra.Command{
	Use:   "redo <task-id> <stage>",
	Short: "Regress a task to an earlier stage",
	Long: `Mark a stage for redo: its round increments and it becomes the current
phase. Redoing planning after its first round snapshots the planning
documents as planning.round<N>.*.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		taskID := args[0]
		stage, ok := types.NormalizeStage(args[1])
		if !ok {
			return fmt.Errorf("%w: %q", phase.ErrUnknownPhase, args[1])
		}

		return withTaskLock(taskID, func() error {
			state, err := store.LoadState(ctx, taskID)
			if err != nil {
				return err
			}
			if err := phase.RedoPhase(ctx, state, stage, store); err != nil {
				return err
			}
			if err := store.SaveState(ctx, state); err != nil {
				return err
			}
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s %s redo, round %d\n", yellow("↻"), stage, state.Actor(stage).Round)
			return nil
		})
	},
}

var patchCmd = &cobra.Command{
	Use:   "patch <task-id> <json|->",
	Short: "Apply a partial state update",
	Long: `Apply a JSON state patch. The phase is replaced; actors and artifacts are
deep-merged. Pass - to read the patch from stdin.

Example:
  quorum patch t1 '{"actors":{"test":{"status":"completed"}}}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		taskID := args[0]

		var src io.Reader = strings.NewReader(args[1])
		if args[1] == "-" {
			src = os.Stdin
		}
		p, err := readPatch(src)
		if err != nil {
			return err
		}

		return withTaskLock(taskID, func() error {
			state, err := store.ApplyPatch(ctx, taskID, p)
			if err != nil {
				return err
			}
			printState(os.Stdout, state)
			return nil
		})
	},
}

// readPatch decodes one state patch, rejecting unknown fields
func readPatch(r io.Reader) (types.StatePatch, error) {
	var p types.StatePatch
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return types.StatePatch{}, fmt.Errorf("invalid state patch: %w", err)
	}
	return p, nil
}

func init() {
	nextCmd.Flags().BoolVar(&nextApply, "apply", false, "move the task to the suggested phase")
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(redoCmd)
	rootCmd.AddCommand(patchCmd)
}
