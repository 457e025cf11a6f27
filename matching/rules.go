package matching

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RuleType is the comparator a rule applies
type RuleType string

const (
	RuleExact RuleType = "exact"
	RuleRange RuleType = "range"
	RuleFuzzy RuleType = "fuzzy"
)

// Fields a rule can compare
const (
	FieldID             = "id"
	FieldAmount         = "amount"
	FieldCurrency       = "currency"
	FieldDate           = "date"
	FieldReferenceID    = "referenceId"
	FieldMetadataPrefix = "metadata."
)

const (
	DefaultAmountEpsilon  = 0.01
	DefaultDateWindow     = 24 * time.Hour
	DefaultFuzzyThreshold = 0.8
)

// Duration is a time.Duration that reads "24h" style strings or seconds from JSON
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// Rule compares one field of a source and a target record
type Rule struct {
	Field string   `json:"field" validate:"required"`
	Type  RuleType `json:"type" validate:"required,oneof=exact range fuzzy"`
	// Tolerance is the amount epsilon for exact amount rules and the allowed
	// difference for numeric range rules
	Tolerance float64  `json:"tolerance,omitempty" validate:"gte=0"`
	Window    Duration `json:"window,omitempty" validate:"gte=0"`
	Threshold float64  `json:"threshold,omitempty" validate:"gte=0,lte=1"`
}

// Config configures an Engine. Zero tolerances fall back to the defaults.
type Config struct {
	Rules          []Rule        `json:"rules" validate:"dive"`
	AmountEpsilon  float64       `json:"amount_epsilon" validate:"gte=0"`
	DateWindow     time.Duration `json:"date_window" validate:"gte=0"`
	FuzzyThreshold float64       `json:"fuzzy_threshold" validate:"gte=0,lte=1"`
}

// DefaultRules is amount exact, currency exact, date within the window
func DefaultRules() []Rule {
	return []Rule{
		{Field: FieldAmount, Type: RuleExact},
		{Field: FieldCurrency, Type: RuleExact},
		{Field: FieldDate, Type: RuleRange},
	}
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindNumber
	kindTime
)

func kindOf(field string) (fieldKind, bool) {
	switch field {
	case FieldAmount:
		return kindNumber, true
	case FieldDate:
		return kindTime, true
	case FieldID, FieldCurrency, FieldReferenceID:
		return kindString, true
	}
	if strings.HasPrefix(field, FieldMetadataPrefix) && len(field) > len(FieldMetadataPrefix) {
		return kindString, true
	}
	return 0, false
}

var validate = validator.New()

func (c Config) resolve() ([]Rule, error) {
	if err := validate.Struct(c); err != nil {
		return nil, &MatchingError{Op: "configure", Err: err}
	}

	epsilon := c.AmountEpsilon
	if epsilon == 0 {
		epsilon = DefaultAmountEpsilon
	}
	window := c.DateWindow
	if window == 0 {
		window = DefaultDateWindow
	}
	threshold := c.FuzzyThreshold
	if threshold == 0 {
		threshold = DefaultFuzzyThreshold
	}

	rules := c.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	resolved := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		kind, ok := kindOf(rule.Field)
		if !ok {
			return nil, &MatchingError{Op: "configure", Err: fmt.Errorf("unknown field %q", rule.Field)}
		}

		switch rule.Type {
		case RuleExact:
			if kind == kindNumber && rule.Tolerance == 0 {
				rule.Tolerance = epsilon
			}
		case RuleRange:
			switch kind {
			case kindString:
				return nil, &MatchingError{Op: "configure", Err: fmt.Errorf("range rule on text field %q", rule.Field)}
			case kindTime:
				if rule.Window == 0 {
					rule.Window = Duration(window)
				}
			}
		case RuleFuzzy:
			if kind != kindString {
				return nil, &MatchingError{Op: "configure", Err: fmt.Errorf("fuzzy rule on non-text field %q", rule.Field)}
			}
			if rule.Threshold == 0 {
				rule.Threshold = threshold
			}
		}
		resolved = append(resolved, rule)
	}
	return resolved, nil
}

// floatSlack absorbs binary rounding, so 10.00 vs 10.01 is within a 0.01 epsilon
const floatSlack = 1e-9

func (r Rule) satisfied(source, target Record) bool {
	kind, _ := kindOf(r.Field)

	switch kind {
	case kindNumber:
		diff := source.Amount - target.Amount
		if diff < 0 {
			diff = -diff
		}
		return diff <= r.Tolerance+floatSlack

	case kindTime:
		if source.Date.IsZero() || target.Date.IsZero() {
			return false
		}
		if r.Type == RuleExact {
			return source.Date.Equal(target.Date)
		}
		diff := source.Date.Sub(target.Date)
		if diff < 0 {
			diff = -diff
		}
		return diff <= time.Duration(r.Window)
	}

	a, b := source.field(r.Field), target.field(r.Field)
	if r.Type == RuleFuzzy && a != "" && b != "" {
		return Similarity(a, b) >= r.Threshold
	}
	return a == b
}
