package translator

import (
	"encoding/json"
	"slices"
	"strings"

	"finagent/internal/apperr"
	"finagent/internal/finance"
	"finagent/internal/insights"
)

// InsightRequest is the body of POST /api/v1/insights.
type InsightRequest struct {
	Type      string
	StartDate string
	EndDate   string
}

// UnmarshalJSON decodes and validates the request.
func (r *InsightRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Type      string `json:"type"`
		StartDate string `json:"start_date"`
		EndDate   string `json:"end_date"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return apperr.Validationf("body", "decode insight request: %v", err)
	}

	r.Type = strings.ToLower(strings.TrimSpace(raw.Type))
	r.StartDate = strings.TrimSpace(raw.StartDate)
	r.EndDate = strings.TrimSpace(raw.EndDate)
	return r.validate()
}

func (r *InsightRequest) validate() error {
	if !slices.Contains(insights.Types, r.Type) {
		return apperr.Validationf("type", "must be one of %s, got %q", strings.Join(insights.Types, ", "), r.Type)
	}
	_, err := finance.ParseRange("start_date", r.StartDate, "end_date", r.EndDate)
	return err
}

// ToService converts the request for the insight service.
func (r InsightRequest) ToService() insights.Request {
	return insights.Request{Type: r.Type, StartDate: r.StartDate, EndDate: r.EndDate}
}
