package cmd

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"finagent/internal/insights"
)

func newInsightsCmd(opts *globalOptions) *cobra.Command {
	var req insights.Request

	cmd := &cobra.Command{
		Use:   "insights",
		Short: "Generate a narrative report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, err := opts.buildApp(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			insight := application.Insights.Generate(cmd.Context(), req)
			renderInsight(cmd.OutOrStdout(), insight)
			if !insight.Success {
				return errors.New("insight generation failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Type, "type", insights.TypeOverview, "Report type: revenue, expenses or overview")
	cmd.Flags().StringVar(&req.StartDate, "start", "", "First day of the period (YYYY-MM-DD)")
	cmd.Flags().StringVar(&req.EndDate, "end", "", "Last day of the period (YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func renderInsight(w io.Writer, insight insights.Insight) {
	title := fmt.Sprintf("%s insight, %s", insight.Type, insight.Period)
	if insight.Cached {
		title += " (cached)"
	}
	fmt.Fprintln(w, answerHeaderStyle.Render(title))
	if insight.Narrative != "" {
		fmt.Fprintln(w, answerStyle.Render(insight.Narrative))
	}
	renderList(w, "Key findings", insight.KeyFindings)
	renderList(w, "Recommendations", insight.Recommendations)
}

func renderList(w io.Writer, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintln(w, sectionStyle.Render(heading))
	for _, item := range items {
		fmt.Fprintf(w, "  • %s\n", item)
	}
	fmt.Fprintln(w)
}
