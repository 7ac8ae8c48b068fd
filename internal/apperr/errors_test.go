package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidationErrorMessage(t *testing.T) {
	err := Validationf("start_date", "must use YYYY-MM-DD, got %q", "yesterday")
	require.Equal(t, `validation error [start_date]: must use YYYY-MM-DD, got "yesterday"`, err.Error())

	bare := &ValidationError{Message: "query must not be empty"}
	require.Equal(t, "validation error: query must not be empty", bare.Error())
}

func TestDataNotFoundErrorMessage(t *testing.T) {
	require.Equal(t, "no records found", (&DataNotFoundError{Resource: "records"}).Error())
	require.Equal(t, "no records found: 2024-01-01 to 2024-01-31",
		(&DataNotFoundError{Resource: "records", Detail: "2024-01-01 to 2024-01-31"}).Error())
}

func TestWrappedErrorsUnwrap(t *testing.T) {
	cause := errors.New("boom")

	analysis := fmt.Errorf("process query: %w", &AnalysisError{Op: "provider call", Err: cause})
	require.ErrorIs(t, analysis, cause)

	var target *AnalysisError
	require.ErrorAs(t, analysis, &target)
	require.Equal(t, "provider call", target.Op)

	cfg := &ConfigurationError{Setting: "llm.api_key", Err: cause}
	require.ErrorIs(t, cfg, cause)
	require.Contains(t, cfg.Error(), "llm.api_key")
}
