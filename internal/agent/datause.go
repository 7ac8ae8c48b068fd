package agent

import (
	"fmt"
	"sort"
	"strings"
)

// DataUsed aggregates the arguments of successful tool calls.
type DataUsed struct {
	ToolsUsed  []string `json:"tools_used"`
	DateRanges []string `json:"date_ranges"`
	Metrics    []string `json:"metrics"`
	Sources    []string `json:"sources"`
}

// rangeKeys pairs the argument names that bound a date range.
var rangeKeys = [][2]string{
	{"start_date", "end_date"},
	{"period1_start", "period1_end"},
	{"period2_start", "period2_end"},
}

func summarizeDataUsed(records []ToolInvocationRecord) DataUsed {
	tools := newSet()
	ranges := newSet()
	metrics := newSet()
	sources := newSet()

	for _, rec := range records {
		if !rec.Success {
			continue
		}
		tools.add(rec.ToolName)

		for _, keys := range rangeKeys {
			start, okStart := rec.Arguments[keys[0]].(string)
			end, okEnd := rec.Arguments[keys[1]].(string)
			if okStart && okEnd && strings.TrimSpace(start) != "" && strings.TrimSpace(end) != "" {
				ranges.add(fmt.Sprintf("%s to %s", strings.TrimSpace(start), strings.TrimSpace(end)))
			}
		}

		if m, ok := rec.Arguments["metric"].(string); ok {
			metrics.add(m)
		}
		switch list := rec.Arguments["metrics"].(type) {
		case []any:
			for _, item := range list {
				if m, ok := item.(string); ok {
					metrics.add(m)
				}
			}
		case []string:
			for _, m := range list {
				metrics.add(m)
			}
		case string:
			for _, m := range strings.Split(list, ",") {
				metrics.add(m)
			}
		}

		if s, ok := rec.Arguments["source"].(string); ok {
			sources.add(s)
		}
	}

	return DataUsed{
		ToolsUsed:  tools.sorted(),
		DateRanges: ranges.sorted(),
		Metrics:    metrics.sorted(),
		Sources:    sources.sorted(),
	}
}

type stringSet map[string]struct{}

func newSet() stringSet { return stringSet{} }

func (s stringSet) add(v string) {
	if v = strings.TrimSpace(v); v != "" {
		s[v] = struct{}{}
	}
}

func (s stringSet) sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
