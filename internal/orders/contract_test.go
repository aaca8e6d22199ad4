package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrontQuarterContractBeforeRoll(t *testing.T) {
	// Well before September's roll date, June should still be front.
	asOf := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	code, err := FrontQuarterContract("ES", asOf)
	require.NoError(t, err)
	assert.Equal(t, "ESM6", code)
}

func TestFrontQuarterContractAfterRollMovesToNextQuarter(t *testing.T) {
	// June 2026's third Friday is June 19; roll date is June 8 (eleven
	// days earlier). After that, front quarter should be September.
	asOf := time.Date(2026, time.June, 12, 0, 0, 0, 0, time.UTC)
	code, err := FrontQuarterContract("ES", asOf)
	require.NoError(t, err)
	assert.Equal(t, "ESU6", code)
}

func TestFrontQuarterContractSpecScenarioNonRoll(t *testing.T) {
	// spec.md scenario 1: 2025-01-15, NQ -> NQH5 (March 2025).
	asOf := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	code, err := FrontQuarterContract("NQ", asOf)
	require.NoError(t, err)
	assert.Equal(t, "NQH5", code)
}

func TestFrontQuarterContractSpecScenarioRollover(t *testing.T) {
	// spec.md scenario 2: 2025-03-10, the Monday before the third
	// Friday of March 2025 (2025-03-21) -> already rolled to NQM5.
	asOf := time.Date(2025, time.March, 10, 0, 0, 0, 0, time.UTC)
	code, err := FrontQuarterContract("NQ", asOf)
	require.NoError(t, err)
	assert.Equal(t, "NQM5", code)
}

func TestFrontQuarterContractWrapsIntoNextYear(t *testing.T) {
	// Deep into December, past its roll date, front quarter should be
	// March of the following year.
	asOf := time.Date(2026, time.December, 20, 0, 0, 0, 0, time.UTC)
	code, err := FrontQuarterContract("ES", asOf)
	require.NoError(t, err)
	assert.Equal(t, "ESH7", code)
}

func TestFrontQuarterContractRejectsEmptyRoot(t *testing.T) {
	_, err := FrontQuarterContract("", time.Now())
	assert.Error(t, err)
}
