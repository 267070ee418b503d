package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/quorum/internal/gates"
	"github.com/steveyegge/quorum/internal/phase"
	"github.com/steveyegge/quorum/internal/types"
)

var acceptCmd = &cobra.Command{
	Use:   "accept <task-id>",
	Short: "Accept a tested task",
	Long: `Mark the accept stage completed. A task whose evaluation failed needs an
explicit override; set QUORUM_AUTO_APPROVE=true to skip the prompt.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		taskID := args[0]

		return withTaskLock(taskID, func() error {
			state, err := store.LoadState(ctx, taskID)
			if err != nil {
				return err
			}
			if state.Phase != types.StageTest && state.Phase != types.StageAccept {
				return fmt.Errorf("task %s is at %s; accept follows %s", taskID, state.Phase, types.StageTest)
			}

			gate, err := gates.NewAcceptGate(&gates.AcceptConfig{
				State:  state,
				Report: phase.ArtifactsFromState(state).EvalReport,
			})
			if err != nil {
				return err
			}
			result := gate.Run(ctx)
			if result.Error != nil {
				return result.Error
			}
			if !result.Passed {
				red := color.New(color.FgRed).SprintFunc()
				fmt.Printf("%s %s not accepted: %s\n", red("✗"), taskID, result.Output)
				return nil
			}

			accept := types.StageAccept
			completed := types.ActorCompleted
			state, err = store.ApplyPatch(ctx, taskID, types.StatePatch{
				Phase:  &accept,
				Actors: map[types.Stage]types.ActorPatch{types.StageAccept: {Status: &completed}},
			})
			if err != nil {
				return err
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s %s accepted: %s\n", green("✓"), taskID, result.Output)
			printState(os.Stdout, state)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(acceptCmd)
}
