package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/quorum/internal/meeting"
	"github.com/steveyegge/quorum/internal/transcript"
)

var historyJSON bool

var transcriptCmd = &cobra.Command{
	Use:   "transcript <task-id>",
	Short: "Show the clarification questions and answers of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		history, err := transcript.New(store, args[0]).History(cmd.Context())
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(os.Stdout, history)
		}
		printHistory(os.Stdout, history)
		return nil
	},
}

var meetingCmd = &cobra.Command{
	Use:   "meeting <task-id>",
	Short: "Show the planning meeting notes of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := meeting.NewRecorder(store).Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if historyJSON {
			return writeJSON(os.Stdout, m)
		}
		fmt.Print(meeting.RenderMarkdown(m))
		return nil
	},
}

func printHistory(w io.Writer, history []transcript.Exchange) {
	if len(history) == 0 {
		fmt.Fprintln(w, color.New(color.FgHiBlack).Sprint("No clarification exchanges"))
		return
	}
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, ex := range history {
		fmt.Fprintf(w, "%s Q: %s\n", cyan(fmt.Sprintf("[round %v #%d]", ex.Round, ex.Index+1)), ex.Question)
		if ex.Answered {
			fmt.Fprintf(w, "   A: %s\n", ex.Answer)
		} else {
			fmt.Fprintf(w, "   A: %s\n", gray("(unanswered)"))
		}
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	transcriptCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
	meetingCmd.Flags().BoolVar(&historyJSON, "json", false, "print JSON")
	rootCmd.AddCommand(transcriptCmd)
	rootCmd.AddCommand(meetingCmd)
}
