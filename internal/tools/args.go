package tools

import (
	"encoding/json"
	"strconv"
	"strings"

	"finagent/internal/apperr"
	"finagent/internal/finance"
)

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", apperr.Validationf(key, "is required")
	}
	s, ok := v.(string)
	if !ok {
		return "", apperr.Validationf(key, "must be a string, got %T", v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", apperr.Validationf(key, "must not be empty")
	}
	return s, nil
}

func optionalString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", apperr.Validationf(key, "must be a string, got %T", v)
	}
	return strings.TrimSpace(s), nil
}

func optionalFloat(args map[string]any, key string, def float64) (float64, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, apperr.Validationf(key, "must be a number, got %q", n)
		}
		return f, nil
	default:
		return 0, apperr.Validationf(key, "must be a number, got %T", v)
	}
}

// stringListArg accepts a JSON array of strings or a comma-separated string.
func stringListArg(args map[string]any, key string) ([]string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return nil, apperr.Validationf(key, "is required")
	}

	var raw []string
	switch list := v.(type) {
	case []string:
		raw = list
	case []any:
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, apperr.Validationf(key, "must contain only strings, got %T", item)
			}
			raw = append(raw, s)
		}
	case string:
		raw = strings.Split(list, ",")
	default:
		return nil, apperr.Validationf(key, "must be a list of strings, got %T", v)
	}

	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil, apperr.Validationf(key, "must not be empty")
	}
	return out, nil
}

func rangeArgs(args map[string]any, startKey, endKey string) (finance.Range, error) {
	start, err := stringArg(args, startKey)
	if err != nil {
		return finance.Range{}, err
	}
	end, err := stringArg(args, endKey)
	if err != nil {
		return finance.Range{}, err
	}
	return finance.ParseRange(startKey, start, endKey, end)
}

func metricArg(args map[string]any, key string) (string, error) {
	name, err := stringArg(args, key)
	if err != nil {
		return "", err
	}
	return finance.NormalizeMetric(key, name)
}
