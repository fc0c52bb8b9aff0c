/*
engine_test.go - Pricing determinism and rule evaluation

Tests for:
- Byte-identical pricing_sha across repeated evaluations
- Step ordering: base -> modifiers (declared order) -> rounding
- Unknown rate codes surfacing as domain errors, never zero amounts
- Atomic reload publishing a new rules sha
*/
package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/money"
)

const testRules = `
version: 3
rates:
  hour_electric: "800"
  day_general: "750"
categories:
  fuel: "1.0"
modifiers:
  - key: weekend_day
    match: day_general
    factor: "1.10"
    note: weekend day rate
  - key: long_haul
    match: fuel
    factor: "1.25"
    note: out-of-region surcharge
`

func testEngine(t *testing.T) *Engine {
	t.Helper()
	rs, err := Parse([]byte(testRules))
	require.NoError(t, err)
	return NewEngineFromRules(rs)
}

func TestPriceTask_Deterministic(t *testing.T) {
	// GIVEN: committed rules and a fixed task
	e := testEngine(t)
	qty := money.MustParse("2.0")

	// WHEN: pricing three times
	first, err := e.PriceTask("hour_electric", qty)
	require.NoError(t, err)
	second, err := e.PriceTask("hour_electric", qty)
	require.NoError(t, err)
	third, err := e.PriceTask("hour_electric", qty)
	require.NoError(t, err)

	// THEN: byte-identical shas and the expected total
	assert.Equal(t, first.PricingSHA, second.PricingSHA)
	assert.Equal(t, second.PricingSHA, third.PricingSHA)
	assert.Len(t, first.PricingSHA, 12)
	assert.Equal(t, "1600.00", first.Total)
	assert.Equal(t, 3, first.RulesVersion)
	assert.Len(t, first.RulesSHA, 12)
}

func TestPriceTask_StepOrdering(t *testing.T) {
	e := testEngine(t)

	exp, err := e.PriceTask("day_general", money.MustParse("2"))
	require.NoError(t, err)

	// base 1500 -> weekend modifier 1650 -> rounding
	require.Len(t, exp.Steps, 3)
	assert.Equal(t, "rates.day_general", exp.Steps[0].YAMLKey)
	assert.Equal(t, "1500", exp.Steps[0].Value)
	assert.Equal(t, "modifiers.weekend_day", exp.Steps[1].YAMLKey)
	assert.Equal(t, "1650", exp.Steps[1].Value)
	assert.Equal(t, "rounding", exp.Steps[2].YAMLKey)
	assert.Equal(t, "1650.00", exp.Total)

	for i, s := range exp.Steps {
		assert.Equal(t, i+1, s.Step)
	}
}

func TestPriceExpense_CategoryModifier(t *testing.T) {
	e := testEngine(t)

	exp, err := e.PriceExpense("fuel", money.MustParse("100"))
	require.NoError(t, err)

	require.Len(t, exp.Steps, 3)
	assert.Equal(t, "categories.fuel", exp.Steps[0].YAMLKey)
	assert.Equal(t, "modifiers.long_haul", exp.Steps[1].YAMLKey)
	assert.Equal(t, "125.00", exp.Total)
}

func TestPrice_UnknownCodeIsDomainError(t *testing.T) {
	e := testEngine(t)

	_, err := e.PriceTask("hour_unknown", money.MustParse("1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownRateCode))

	_, err = e.PriceExpense("bribes", money.MustParse("10"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUnknownRateCode))
}

func TestEngine_ReloadPublishesNewSHA(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o644))

	e, err := NewEngine(path)
	require.NoError(t, err)
	before := e.Rules().SHA

	changed := testRules + "\n# bump\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))
	require.NoError(t, e.Reload())

	after := e.Rules().SHA
	assert.NotEqual(t, before, after, "rules_sha must reflect the currently loaded file")
}

func TestParse_RejectsBadRules(t *testing.T) {
	_, err := Parse([]byte("version: 0\nrates: {a: \"1\"}\n"))
	require.Error(t, err)

	_, err = Parse([]byte("version: 1\n"))
	require.Error(t, err)

	_, err = Parse([]byte("version: 1\nrates: {a: \"-5\"}\n"))
	require.Error(t, err)
}
