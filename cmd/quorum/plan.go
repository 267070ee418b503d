package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/quorum/internal/planning"
	"github.com/steveyegge/quorum/internal/types"
)

var (
	briefFlags   []string
	evalCycles   int
	answersFile  string
	errAborted   = errors.New("clarification aborted")
	answerPrompt = color.New(color.FgCyan).Sprint("answer> ")
)

var startCmd = &cobra.Command{
	Use:   "start <task-id> <brief...>",
	Short: "Start planning a task from a brief",
	Long: `Record the requester's brief for a task. Flags such as "uncertain" mark
the brief as tentative, which prompts the panel to ask for clarification.

Example:
  quorum start t1 "Add rate limiting to the public API" --flag uncertain`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		taskID := args[0]
		brief := types.UserBrief{Text: strings.Join(args[1:], " "), Flags: briefFlags}

		p, err := newPlanner(false)
		if err != nil {
			return err
		}
		return withTaskLock(taskID, func() error {
			pc, err := p.Start(ctx, taskID, brief)
			if err != nil {
				return err
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s planning started for %s (round %v)\n", green("✓"), taskID, pc.Round)
			fmt.Printf("Run 'quorum evaluate %s' to poll the panel\n", taskID)
			return nil
		})
	},
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <task-id>",
	Short: "Run planning rounds until the panel reaches a decision",
	Long: `Poll every planning role, evaluate consensus and apply the decision.
Rounds repeat while the decision is hold, up to --cycles rounds.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		taskID := args[0]

		p, err := newPlanner(true)
		if err != nil {
			return err
		}
		return withTaskLock(taskID, func() error {
			out, err := p.Run(ctx, taskID, evalCycles)
			if out != nil {
				printOutcome(os.Stdout, out)
			}
			return err
		})
	},
}

var clarifyCmd = &cobra.Command{
	Use:   "clarify <task-id>",
	Short: "Answer the open clarification questions",
	Long: `Show the questions of the open clarification session and collect the
answers, then re-consult the panel and evaluate again.

Leave an answer empty or type "skip" to skip a question. With --answers,
read a JSON object mapping question IDs to answers from a file instead.
Questions missing from the object are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		taskID := args[0]

		p, err := newPlanner(true)
		if err != nil {
			return err
		}
		return withTaskLock(taskID, func() error {
			s, err := p.OpenSession(ctx, taskID)
			if err != nil {
				return err
			}

			var answers map[string]string
			if answersFile != "" {
				answers, err = readAnswersFile(answersFile)
			} else {
				answers, err = promptAnswers(s)
			}
			if err != nil {
				return err
			}

			out, err := p.Resume(ctx, taskID, answers)
			if err != nil {
				return err
			}
			printOutcome(os.Stdout, out)
			return nil
		})
	},
}

// lineReader is the part of readline used to collect answers
type lineReader interface {
	Readline() (string, error)
}

func promptAnswers(s *types.ClarificationSession) (map[string]string, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          answerPrompt,
		InterruptPrompt: "^C",
		EOFPrompt:       "done",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	return collectAnswers(rl, rl.Stdout(), s.Questions)
}

// collectAnswers asks each question in order and keys the answers by
// question ID. An empty line or end of input skips; an interrupt aborts.
func collectAnswers(r lineReader, w io.Writer, questions []types.Question) (map[string]string, error) {
	answers := make(map[string]string, len(questions))
	for i, q := range questions {
		printQuestion(w, i, len(questions), q)
		line, err := r.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			return nil, errAborted
		case errors.Is(err, io.EOF):
			return answers, nil
		case err != nil:
			return nil, err
		}
		if line = strings.TrimSpace(line); line != "" {
			answers[q.ID] = line
		}
	}
	return answers, nil
}

func readAnswersFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read answers: %w", err)
	}
	var answers map[string]string
	if err := json.Unmarshal(data, &answers); err != nil {
		return nil, fmt.Errorf("answers must be a JSON object of question ID to answer: %w", err)
	}
	return answers, nil
}

func printQuestion(w io.Writer, i, n int, q types.Question) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Fprintf(w, "\n[%d/%d] %s %s\n", i+1, n, priorityLabel(q.Priority), q.Question)
	if q.Context != "" {
		fmt.Fprintf(w, "  %s\n", gray(q.Context))
	}
	if len(q.FromRoles) > 0 {
		fmt.Fprintf(w, "  %s\n", gray("asked by: "+strings.Join(q.FromRoles, ", ")))
	}
	if q.ID != "" {
		fmt.Fprintf(w, "  %s\n", gray("id: "+q.ID))
	}
}

func priorityLabel(p types.Priority) string {
	label := "(" + string(p) + ")"
	switch p {
	case types.PriorityCritical:
		return color.New(color.FgRed, color.Bold).Sprint(label)
	case types.PriorityHigh:
		return color.New(color.FgYellow).Sprint(label)
	}
	return color.New(color.FgHiBlack).Sprint(label)
}

func printOutcome(w io.Writer, out *planning.Outcome) {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	res := out.Evaluation
	fmt.Fprintf(w, "\n%s\n", cyan(fmt.Sprintf("=== Planning round %v ===", res.Round)))

	if tel := out.Telephone; tel != nil {
		fmt.Fprintf(w, "Telephone game: %s\n", tel.Status)
		for _, pt := range tel.NewConsensusPoints {
			fmt.Fprintf(w, "  %s %s\n", green("+"), pt)
		}
		for _, d := range tel.RemainingDivergence {
			fmt.Fprintf(w, "  %s %s\n", yellow("~"), d)
		}
	}

	for _, v := range out.Context.Verdicts {
		mark := gray("?")
		switch v.Stance() {
		case types.StanceAgree:
			mark = green("✓")
		case types.StanceDisagree:
			mark = red("✗")
		}
		fmt.Fprintf(w, "  %s %-16s %.0f%%  %s\n", mark, v.Role, v.Confidence*100, gray(v.Comments))
	}

	fmt.Fprintf(w, "\nCoverage: %.0f%%  Avg confidence: %.0f%%\n",
		res.Metrics.ConsensusCoverage*100, res.Metrics.AvgConfidence*100)
	for _, s := range res.Signals {
		fmt.Fprintf(w, "  signal %s (%s): %s\n", s.Type, s.Severity, s.Description)
	}

	var decision string
	switch res.Decision {
	case types.DecisionGo:
		decision = green(string(res.Decision))
	case types.DecisionRedoPlanning:
		decision = red(string(res.Decision))
	default:
		decision = yellow(string(res.Decision))
	}
	fmt.Fprintf(w, "\nDecision: %s\n  %s\n", decision, gray(res.Reason))
	fmt.Fprintf(w, "Phase: %s\n", out.State.Phase)

	if s := out.Session; s != nil {
		fmt.Fprintf(w, "\nClarification session %d opened with %d question(s):\n", s.SessionNumber, len(s.Questions))
		for i, q := range s.Questions {
			printQuestion(w, i, len(s.Questions), q)
		}
		fmt.Fprintf(w, "\nRun 'quorum clarify %s' to answer\n", out.Context.TaskID)
	}
	if out.ClarifyErr != nil {
		fmt.Fprintf(w, "\n%s %v\n", yellow("⚠"), out.ClarifyErr)
	}
}

func init() {
	startCmd.Flags().StringSliceVar(&briefFlags, "flag", nil, "brief flags (uncertain, unclear, unsure, ambiguous)")
	evaluateCmd.Flags().IntVar(&evalCycles, "cycles", 3, "maximum planning rounds while on hold")
	clarifyCmd.Flags().StringVar(&answersFile, "answers", "", "JSON file with the answers")
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(clarifyCmd)
}
