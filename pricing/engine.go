/*
engine.go - Deterministic pricing evaluation

PURPOSE:
  Turns (rate_code, qty) or (category, amount) into an ordered explanation:
  base step, matching modifiers in declared YAML order, then a banker's
  rounding step. The same inputs against the same loaded rules produce a
  byte-identical pricing_sha every time.

DETERMINISM:
  Step values are serialized as plain decimal strings and the sha is taken
  over the RFC 8785 canonical JSON of {steps, total, rules_sha}. Map
  iteration order never touches the hash: steps are a slice, amounts are
  strings.

RELOAD:
  The live RuleSet sits behind an atomic pointer. Reload parses the file
  into a fresh set and publishes it; in-flight evaluations keep the set
  they started with.

SEE ALSO:
  - rules.go: File format and hashing
*/
package pricing

import (
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/warp/crew-ledger/canonical"
	"github.com/warp/crew-ledger/domain"
	"github.com/warp/crew-ledger/money"
)

// Step is one line of a pricing explanation.
type Step struct {
	Step    int    `json:"step"`
	YAMLKey string `json:"yaml_key"`
	Value   string `json:"value"`
	Note    string `json:"note,omitempty"`
}

// Explanation is the full audit-grade pricing result.
type Explanation struct {
	Steps        []Step `json:"steps"`
	Total        string `json:"total"`
	RulesVersion int    `json:"rules_version"`
	RulesSHA     string `json:"rules_sha"`
	PricingSHA   string `json:"pricing_sha"`
}

// TotalDecimal re-parses the rounded total. The string form is the source
// of truth for hashing; this is for arithmetic.
func (e Explanation) TotalDecimal() decimal.Decimal {
	return money.MustParse(e.Total)
}

// Engine evaluates prices against the currently published rule set.
type Engine struct {
	path string
	live atomic.Pointer[RuleSet]
}

// NewEngine loads the rule file and publishes the initial set.
func NewEngine(path string) (*Engine, error) {
	rs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	e := &Engine{path: path}
	e.live.Store(rs)
	return e, nil
}

// NewEngineFromRules is for tests that inject a parsed set directly.
func NewEngineFromRules(rs *RuleSet) *Engine {
	e := &Engine{}
	e.live.Store(rs)
	return e
}

// Reload re-reads the rule file and atomically publishes the new set.
func (e *Engine) Reload() error {
	if e.path == "" {
		return fmt.Errorf("pricing: engine has no rules path")
	}
	rs, err := LoadFile(e.path)
	if err != nil {
		return err
	}
	e.live.Store(rs)
	return nil
}

// Rules returns the currently published set.
func (e *Engine) Rules() *RuleSet {
	return e.live.Load()
}

// PriceTask evaluates rate_code x qty.
func (e *Engine) PriceTask(rateCode string, qty decimal.Decimal) (Explanation, error) {
	rs := e.live.Load()
	rate, ok := rs.Rates[rateCode]
	if !ok {
		return Explanation{}, fmt.Errorf("pricing: rate code %q: %w", rateCode, domain.ErrUnknownRateCode)
	}

	base := rate.Mul(qty)
	return e.explain(rs, "rates."+rateCode,
		fmt.Sprintf("%s x %s", rate.String(), qty.String()),
		base, rateCode)
}

// PriceExpense evaluates category base x amount.
func (e *Engine) PriceExpense(category string, amount decimal.Decimal) (Explanation, error) {
	rs := e.live.Load()
	factor, ok := rs.Categories[category]
	if !ok {
		return Explanation{}, fmt.Errorf("pricing: category %q: %w", category, domain.ErrUnknownRateCode)
	}

	base := amount.Mul(factor)
	return e.explain(rs, "categories."+category,
		fmt.Sprintf("%s x %s", amount.String(), factor.String()),
		base, category)
}

// explain runs base -> modifiers (declared order) -> rounding and hashes
// the canonical result.
func (e *Engine) explain(rs *RuleSet, baseKey, baseNote string, base decimal.Decimal, match string) (Explanation, error) {
	running := base
	steps := []Step{{
		Step:    1,
		YAMLKey: baseKey,
		Value:   running.String(),
		Note:    baseNote,
	}}

	for _, m := range rs.Modifiers {
		if m.Match != "" && m.Match != match {
			continue
		}
		running = running.Mul(m.Factor)
		steps = append(steps, Step{
			Step:    len(steps) + 1,
			YAMLKey: "modifiers." + m.Key,
			Value:   running.String(),
			Note:    m.Note,
		})
	}

	total := money.Round2(running)
	steps = append(steps, Step{
		Step:    len(steps) + 1,
		YAMLKey: "rounding",
		Value:   total.StringFixed(2),
		Note:    "bankers/2",
	})

	exp := Explanation{
		Steps:        steps,
		Total:        total.StringFixed(2),
		RulesVersion: rs.Version,
		RulesSHA:     rs.SHA,
	}

	sha, err := canonical.SHA256(struct {
		Steps    []Step `json:"steps"`
		Total    string `json:"total"`
		RulesSHA string `json:"rules_sha"`
	}{exp.Steps, exp.Total, exp.RulesSHA})
	if err != nil {
		return Explanation{}, err
	}
	exp.PricingSHA = canonical.Short12(sha)
	return exp, nil
}
