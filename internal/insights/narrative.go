package insights

import (
	"strings"
	"unicode"
)

// Narrative is a model reply split into prose and two bullet lists.
type Narrative struct {
	Text            string   `json:"narrative"`
	KeyFindings     []string `json:"key_findings"`
	Recommendations []string `json:"recommendations"`
}

type section int

const (
	sectionNone section = iota
	sectionFindings
	sectionRecommendations
)

// ParseNarrative splits raw model output. A non-bullet line mentioning "key
// findings" or "recommendations" switches section; bullets before any
// heading count as findings.
func ParseNarrative(raw string) Narrative {
	n := Narrative{KeyFindings: []string{}, Recommendations: []string{}}
	var text []string
	current := sectionNone

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		item, isBullet := stripBullet(line)
		if !isBullet {
			lower := strings.ToLower(line)
			switch {
			case strings.Contains(lower, "key findings"):
				current = sectionFindings
				continue
			case strings.Contains(lower, "recommendations"):
				current = sectionRecommendations
				continue
			}
		}

		switch {
		case isBullet && current == sectionRecommendations:
			n.Recommendations = appendItem(n.Recommendations, item)
		case isBullet:
			n.KeyFindings = appendItem(n.KeyFindings, item)
		case current == sectionNone:
			text = append(text, line)
		case current == sectionFindings:
			n.KeyFindings = appendItem(n.KeyFindings, line)
		default:
			n.Recommendations = appendItem(n.Recommendations, line)
		}
	}

	n.Text = strings.Join(text, "\n")
	return n
}

// stripBullet removes a leading "-", "*", "•" or "1." / "1)" marker.
func stripBullet(line string) (string, bool) {
	for _, marker := range []string{"-", "*", "•"} {
		if rest, ok := strings.CutPrefix(line, marker); ok {
			if rest == "" || unicode.IsSpace(rune(rest[0])) {
				return strings.TrimSpace(rest), true
			}
			return line, false
		}
	}

	digits := 0
	for digits < len(line) && line[digits] >= '0' && line[digits] <= '9' {
		digits++
	}
	if digits > 0 && digits < len(line) && (line[digits] == '.' || line[digits] == ')') {
		rest := line[digits+1:]
		if rest == "" || unicode.IsSpace(rune(rest[0])) {
			return strings.TrimSpace(rest), true
		}
	}
	return line, false
}

func appendItem(list []string, item string) []string {
	if item = strings.TrimSpace(item); item == "" {
		return list
	}
	return append(list, item)
}
