package screener

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndCompile(t *testing.T) {
	validation, err := ValidateFormula("close > 100 && volume > 1000")
	require.NoError(t, err)
	assert.True(t, validation.Valid)
	assert.Equal(t, "((close > 100) AND (volume > 1000))", validation.SQLExpression)
	assert.Equal(t, []string{"close", "volume"}, validation.Identifiers)

	validation, err = ValidateFormula("sma_gap_pct >= 2.5 || !(close < open)")
	require.NoError(t, err)
	assert.Equal(t, "((sma_gap_pct >= 2.5) OR (NOT (close < open)))", validation.SQLExpression)
	assert.Equal(t, []string{"close", "open", "sma_gap_pct"}, validation.Identifiers)

	validation, err = ValidateFormula("(high - low) / close * 100 > 3")
	require.NoError(t, err)
	assert.Equal(t, "((((high - low) / close) * 100) > 3)", validation.SQLExpression)

	validation, err = ValidateFormula("-return_1d_pct > 2")
	require.NoError(t, err)
	assert.Equal(t, "((-return_1d_pct) > 2)", validation.SQLExpression)
}

func TestCompileStringLiteralQuoting(t *testing.T) {
	validation, err := ValidateFormula(`symbol == "ACME'S"`)
	require.NoError(t, err)
	assert.Equal(t, "(symbol = 'ACME''S')", validation.SQLExpression)
}

func TestCompileBooleanLiterals(t *testing.T) {
	validation, err := ValidateFormula("close > 5 == true")
	require.NoError(t, err)
	assert.Equal(t, "((close > 5) = TRUE)", validation.SQLExpression)
}

func TestCompileRejections(t *testing.T) {
	_, err := ValidateFormula("   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "formula is required")

	_, err = ValidateFormula("pe_ratio > 10")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown identifier in formula: pe_ratio")
	assert.Contains(t, err.Error(), "allowed=[")

	_, err = ValidateFormula("close >")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid formula syntax")

	// no calls, no subscripts: identifiers and literals only
	_, err = ValidateFormula("abs(close) > 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported syntax node in formula")

	_, err = ValidateAndCompile("close > 1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allowed_identifiers must not be empty")
}
