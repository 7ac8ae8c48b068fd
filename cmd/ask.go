package cmd

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"finagent/internal/agent"
)

var (
	answerHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("212")).
				MarginBottom(1)

	answerStyle = lipgloss.NewStyle().
			Padding(0, 2).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func newAskCmd(opts *globalOptions) *cobra.Command {
	var (
		conversationID string
		maxIterations  int
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the agent one question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			result, err := application.Agent.ProcessQuery(cmd.Context(), agent.QueryRequest{
				Query:          strings.Join(args, " "),
				ConversationID: conversationID,
				MaxIterations:  maxIterations,
				Metadata:       map[string]string{"channel": "cli"},
			})
			if err != nil {
				return err
			}
			renderResult(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "Conversation id to continue")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Override the tool-calling iteration budget")
	return cmd
}

func renderResult(w io.Writer, result *agent.QueryResult) {
	fmt.Fprintln(w, answerHeaderStyle.Render("Answer"))
	fmt.Fprintln(w, answerStyle.Render(result.Response))

	if len(result.ToolCallsMade) > 0 {
		fmt.Fprintln(w, sectionStyle.Render("Tool calls"))
		for _, call := range result.ToolCallsMade {
			status := okStyle.Render("ok")
			if !call.Success {
				status = failStyle.Render("failed: " + call.Error)
			}
			fmt.Fprintf(w, "  %s %s %s\n", call.ToolName, formatArguments(call.Arguments), status)
		}
		fmt.Fprintln(w)
	}

	used := result.DataUsed
	if len(used.DateRanges) > 0 {
		fmt.Fprintln(w, metaStyle.Render("Periods: "+strings.Join(used.DateRanges, ", ")))
	}
	if len(used.Metrics) > 0 {
		fmt.Fprintln(w, metaStyle.Render("Metrics: "+strings.Join(used.Metrics, ", ")))
	}
	if len(used.Sources) > 0 {
		fmt.Fprintln(w, metaStyle.Render("Sources: "+strings.Join(used.Sources, ", ")))
	}
	fmt.Fprintln(w, metaStyle.Render(fmt.Sprintf("Conversation %s, %d iteration(s)", result.ConversationID, result.Iterations)))
}

func formatArguments(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return "(" + strings.Join(parts, " ") + ")"
}
