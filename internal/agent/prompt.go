package agent

import (
	"fmt"
	"strings"

	"finagent/internal/models"
)

const promptHeader = `You are a financial analysis assistant for a small business.
You answer questions about revenue, expenses and profit using the tools below.

Rules:
- Always call a tool to obtain figures. Never invent numbers.
- Dates are YYYY-MM-DD. When the user gives no period, ask the tools about the most recent full year.
- When a tool returns an error, explain what went wrong or retry with corrected arguments.
- Finish with a short, plain-language answer that cites the figures you used.

Available tools:
`

// buildSystemPrompt renders the fixed prompt once per process.
func buildSystemPrompt(catalog []models.ToolSchema) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	for _, schema := range catalog {
		fmt.Fprintf(&b, "- %s: %s", schema.Name, schema.Description)
		if req := schema.Required(); len(req) > 0 {
			fmt.Fprintf(&b, " (requires %s)", strings.Join(req, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
