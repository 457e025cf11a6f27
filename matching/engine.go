package matching

import (
	"fmt"
	"strings"
	"time"
)

// Sides of a reconciliation
const (
	SideSource = "source"
	SideTarget = "target"
)

// Unmatched reasons
const (
	ReasonNoUnclaimedTargets = "no unclaimed target records"
	ReasonNoRuleMatch        = "no target satisfied matching rules"
	ReasonNoSourceMatched    = "no source record matched"
)

// MatchedOnCrossReference marks a match made through a cross-reference
const MatchedOnCrossReference = "crossReference"

// Record is a provider record normalized for matching
type Record struct {
	ID          string            `json:"id"`
	Amount      float64           `json:"amount"`
	Currency    string            `json:"currency"`
	Date        time.Time         `json:"date"`
	ReferenceID string            `json:"referenceId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (r Record) field(name string) string {
	switch name {
	case FieldID:
		return r.ID
	case FieldCurrency:
		return r.Currency
	case FieldReferenceID:
		return r.ReferenceID
	}
	if key := strings.TrimPrefix(name, FieldMetadataPrefix); key != name {
		return r.Metadata[key]
	}
	return ""
}

// Match pairs one source with one target
type Match struct {
	SourceID   string   `json:"source_id"`
	TargetID   string   `json:"target_id"`
	Confidence float64  `json:"confidence"`
	MatchedOn  []string `json:"matched_on"`
	Amount     float64  `json:"amount"`
	Currency   string   `json:"currency"`
}

// Unmatched is a record left without a counterpart
type Unmatched struct {
	Record Record `json:"record"`
	Side   string `json:"side"`
	Reason string `json:"reason"`
}

// Result is the outcome of one matching pass
type Result struct {
	Matches         []Match     `json:"matches"`
	UnmatchedSource []Unmatched `json:"unmatched_source"`
	UnmatchedTarget []Unmatched `json:"unmatched_target"`
}

// MatchRate is the share of source records that found a target
func (r Result) MatchRate() float64 {
	total := len(r.Matches) + len(r.UnmatchedSource)
	if total == 0 {
		return 0
	}
	return float64(len(r.Matches)) / float64(total)
}

// MatchingError is a configuration or input defect. It is never retryable.
type MatchingError struct {
	Op  string
	Err error
}

func (e *MatchingError) Error() string {
	return fmt.Sprintf("matching %s: %v", e.Op, e.Err)
}

func (e *MatchingError) Unwrap() error {
	return e.Err
}

func (e *MatchingError) Retryable() bool {
	return false
}

func (e *MatchingError) ErrorType() string {
	return "MatchingError"
}

// Engine pairs source and target records greedily: each source, in input
// order, claims the first unclaimed target satisfying every rule. The pass is
// deterministic for a given input and rule set.
type Engine struct {
	rules []Rule
}

// NewEngine validates cfg and builds an engine
func NewEngine(cfg Config) (*Engine, error) {
	rules, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	return &Engine{rules: rules}, nil
}

// Rules returns the resolved rule set
func (e *Engine) Rules() []Rule {
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	return rules
}

// Match runs one pass over the inputs
func (e *Engine) Match(source, target []Record) (Result, error) {
	if err := checkIDs(SideSource, source); err != nil {
		return Result{}, err
	}
	if err := checkIDs(SideTarget, target); err != nil {
		return Result{}, err
	}

	result := Result{
		Matches:         []Match{},
		UnmatchedSource: []Unmatched{},
		UnmatchedTarget: []Unmatched{},
	}
	claimed := make([]bool, len(target))
	remaining := len(target)

	for _, s := range source {
		if remaining == 0 {
			result.UnmatchedSource = append(result.UnmatchedSource, Unmatched{Record: s, Side: SideSource, Reason: ReasonNoUnclaimedTargets})
			continue
		}

		found := false
		for i, t := range target {
			if claimed[i] {
				continue
			}
			matchedOn, ok := e.matches(s, t)
			if !ok {
				continue
			}
			claimed[i] = true
			remaining--
			found = true
			result.Matches = append(result.Matches, Match{
				SourceID:   s.ID,
				TargetID:   t.ID,
				Confidence: 1.0,
				MatchedOn:  matchedOn,
				Amount:     s.Amount,
				Currency:   s.Currency,
			})
			break
		}
		if !found {
			result.UnmatchedSource = append(result.UnmatchedSource, Unmatched{Record: s, Side: SideSource, Reason: ReasonNoRuleMatch})
		}
	}

	for i, t := range target {
		if !claimed[i] {
			result.UnmatchedTarget = append(result.UnmatchedTarget, Unmatched{Record: t, Side: SideTarget, Reason: ReasonNoSourceMatched})
		}
	}

	return result, nil
}

// matches applies every rule. A cross-reference waives the date rules.
func (e *Engine) matches(s, t Record) ([]string, bool) {
	crossRef := t.Metadata["sourceId"] == s.ID || t.ReferenceID == s.ID

	matchedOn := make([]string, 0, len(e.rules)+1)
	for _, rule := range e.rules {
		if crossRef && rule.Field == FieldDate {
			continue
		}
		if !rule.satisfied(s, t) {
			return nil, false
		}
		matchedOn = append(matchedOn, rule.Field)
	}
	if crossRef {
		matchedOn = append(matchedOn, MatchedOnCrossReference)
	}
	return matchedOn, true
}

func checkIDs(side string, records []Record) error {
	seen := make(map[string]struct{}, len(records))
	for i, r := range records {
		if r.ID == "" {
			return &MatchingError{Op: "input", Err: fmt.Errorf("%s record %d has no id", side, i)}
		}
		if _, dup := seen[r.ID]; dup {
			return &MatchingError{Op: "input", Err: fmt.Errorf("duplicate %s record id %q", side, r.ID)}
		}
		seen[r.ID] = struct{}{}
	}
	return nil
}
