// Package cart implements the condition-based pricing core: immutable line
// items, named ordered price adjustments, the cart aggregate that composes
// them over a storage backend, and the guest-to-user migration service.
package cart

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/money"
)

// ConditionType classifies a condition for reporting and filtering.
// The type never changes how a condition computes; only Value does.
type ConditionType string

const (
	TypeDiscount ConditionType = "discount"
	TypeTax      ConditionType = "tax"
	TypeFee      ConditionType = "fee"
	TypeShipping ConditionType = "shipping"
	TypeCharge   ConditionType = "charge"
	TypeCustom   ConditionType = "custom"
)

// ConditionTarget selects the base a condition applies to.
type ConditionTarget string

const (
	// TargetPrice applies to an item's unit price. Item scope only.
	TargetPrice ConditionTarget = "price"
	// TargetSubtotal applies during subtotal computation, before
	// total-target conditions. Cart scope only.
	TargetSubtotal ConditionTarget = "subtotal"
	// TargetTotal applies after subtotal-target conditions. Cart scope only.
	TargetTotal ConditionTarget = "total"
)

var conditionTypes = map[ConditionType]bool{
	TypeDiscount: true,
	TypeTax:      true,
	TypeFee:      true,
	TypeShipping: true,
	TypeCharge:   true,
	TypeCustom:   true,
}

var conditionTargets = map[ConditionTarget]bool{
	TargetPrice:    true,
	TargetSubtotal: true,
	TargetTotal:    true,
}

const maxNameLength = 255

// ConditionSpec is the input shape for constructing a Condition.
type ConditionSpec struct {
	Name       string
	Type       ConditionType
	Target     ConditionTarget
	Value      string
	Order      int
	Attributes map[string]any

	// RuleKey marks the condition as dynamic: its value is re-derived by a
	// registered rule factory on every cart load instead of being frozen at
	// apply time. RuleParams are handed to the factory verbatim.
	RuleKey    string
	RuleParams map[string]any
}

// Condition is a named, typed, orderable price adjustment. Conditions are
// immutable value objects: once constructed they never change, and applying
// one is a pure function of (value, base).
type Condition struct {
	name       string
	ctype      ConditionType
	target     ConditionTarget
	value      string
	order      int
	attributes map[string]any
	ruleKey    string
	ruleParams map[string]any

	// parsed form of value
	percent   bool
	magnitude decimal.Decimal // signed
}

// NewCondition validates and constructs a Condition.
// Value syntax: an optional sign, a decimal number, an optional trailing
// percent sign. "-10%" is a 10% discount, "+500" adds 500 minor units,
// "500" is equivalent to "+500".
func NewCondition(spec ConditionSpec) (Condition, error) {
	const op = "condition.new"

	if strings.TrimSpace(spec.Name) == "" {
		return Condition{}, domain.Invalid(op, "condition name must not be empty")
	}
	if len(spec.Name) > maxNameLength {
		return Condition{}, domain.Invalid(op, fmt.Sprintf("condition name exceeds %d characters", maxNameLength))
	}
	if !conditionTypes[spec.Type] {
		return Condition{}, domain.Errorf(domain.EINVALID, op, "unknown condition type: %s", spec.Type)
	}
	if !conditionTargets[spec.Target] {
		return Condition{}, domain.Errorf(domain.EINVALID, op, "unknown condition target: %s", spec.Target)
	}

	c := Condition{
		name:       spec.Name,
		ctype:      spec.Type,
		target:     spec.Target,
		value:      spec.Value,
		order:      spec.Order,
		attributes: copyMap(spec.Attributes),
		ruleKey:    spec.RuleKey,
		ruleParams: copyMap(spec.RuleParams),
	}

	// Dynamic conditions may omit Value; the rule factory supplies it on load.
	if spec.Value == "" && spec.RuleKey != "" {
		c.magnitude = decimal.Zero
		return c, nil
	}

	percent, magnitude, err := parseValue(spec.Value)
	if err != nil {
		return Condition{}, domain.WrapError(err, domain.EINVALID, op, fmt.Sprintf("invalid condition value %q", spec.Value))
	}
	c.percent = percent
	c.magnitude = magnitude

	return c, nil
}

// parseValue parses a condition value expression into (percent, signed magnitude).
func parseValue(raw string) (bool, decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return false, decimal.Zero, fmt.Errorf("empty value")
	}

	percent := strings.HasSuffix(s, "%")
	if percent {
		s = strings.TrimSuffix(s, "%")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return false, decimal.Zero, err
	}

	return percent, d, nil
}

func (c Condition) Name() string            { return c.name }
func (c Condition) Type() ConditionType     { return c.ctype }
func (c Condition) Target() ConditionTarget { return c.target }
func (c Condition) Value() string           { return c.value }
func (c Condition) Order() int              { return c.order }
func (c Condition) RuleKey() string         { return c.ruleKey }

// Attributes returns a copy of the condition's attribute map.
func (c Condition) Attributes() map[string]any { return copyMap(c.attributes) }

// RuleParams returns a copy of the dynamic rule parameters.
func (c Condition) RuleParams() map[string]any { return copyMap(c.ruleParams) }

// IsDynamic reports whether the condition is re-derived from a rule factory.
func (c Condition) IsDynamic() bool { return c.ruleKey != "" }

// IsDiscount reports whether applying the condition lowers the base.
func (c Condition) IsDiscount() bool { return c.magnitude.IsNegative() }

// IsCharge reports whether applying the condition raises the base.
func (c Condition) IsCharge() bool { return c.magnitude.IsPositive() }

// CalculatedValue returns the signed delta the condition contributes on the
// given base, without applying it. Used for summaries and discount reporting.
func (c Condition) CalculatedValue(base money.Amount) money.Amount {
	if c.percent {
		return money.Percent(base, c.magnitude)
	}
	return money.Amount(c.magnitude.Round(0).IntPart())
}

// Apply computes base plus the condition's delta, clamped at zero. A
// discount can never drive a price or total negative.
func (c Condition) Apply(base money.Amount) money.Amount {
	return money.ClampNonNegative(base + c.CalculatedValue(base))
}

// ToMap serializes the condition into the persisted record layout.
func (c Condition) ToMap() map[string]any {
	m := map[string]any{
		"name":   c.name,
		"type":   string(c.ctype),
		"target": string(c.target),
		"value":  c.value,
		"order":  c.order,
	}
	if len(c.attributes) > 0 {
		m["attributes"] = copyMap(c.attributes)
	}
	if c.ruleKey != "" {
		m["rule_key"] = c.ruleKey
		if len(c.ruleParams) > 0 {
			m["rule_params"] = copyMap(c.ruleParams)
		}
	}
	return m
}

// ConditionFromMap reconstructs a condition from its persisted form.
func ConditionFromMap(m map[string]any) (Condition, error) {
	spec := ConditionSpec{
		Name:       asString(m["name"]),
		Type:       ConditionType(asString(m["type"])),
		Target:     ConditionTarget(asString(m["target"])),
		Value:      asString(m["value"]),
		Order:      asInt(m["order"]),
		Attributes: asMap(m["attributes"]),
		RuleKey:    asString(m["rule_key"]),
		RuleParams: asMap(m["rule_params"]),
	}
	return NewCondition(spec)
}

// sortConditions returns the conditions in evaluation order: ascending
// Order, ties broken by input position. The sort is stable so that
// percentage-on-percentage compounding is reproducible.
func sortConditions(conds []Condition) []Condition {
	out := make([]Condition, len(conds))
	copy(out, conds)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].order < out[j].order
	})
	return out
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
