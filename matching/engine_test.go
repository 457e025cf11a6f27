package matching

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func defaultEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(Config{})
	require.NoError(t, err)
	return engine
}

func TestMatchWithinDateWindow(t *testing.T) {
	engine := defaultEngine(t)

	source := []Record{{ID: "o1", Amount: 10.00, Date: mustTime(t, "2024-01-01T00:00:00Z")}}
	target := []Record{{ID: "p1", Amount: 10.00, Date: mustTime(t, "2024-01-01T12:00:00Z")}}

	result, err := engine.Match(source, target)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	require.Equal(t, "o1", result.Matches[0].SourceID)
	require.Equal(t, "p1", result.Matches[0].TargetID)
	require.Equal(t, 1.0, result.Matches[0].Confidence)
	require.Empty(t, result.UnmatchedSource)
	require.Empty(t, result.UnmatchedTarget)
	require.Equal(t, 1.0, result.MatchRate())
}

func TestAmountOutsideEpsilonLeavesBothUnmatched(t *testing.T) {
	engine := defaultEngine(t)
	date := mustTime(t, "2024-01-01T00:00:00Z")

	source := []Record{{ID: "o1", Amount: 10.00, Date: date}}
	target := []Record{{ID: "p1", Amount: 10.02, Date: date}}

	result, err := engine.Match(source, target)
	require.NoError(t, err)
	require.Empty(t, result.Matches)
	require.Len(t, result.UnmatchedSource, 1)
	require.Equal(t, ReasonNoRuleMatch, result.UnmatchedSource[0].Reason)
	require.Len(t, result.UnmatchedTarget, 1)
	require.Equal(t, ReasonNoSourceMatched, result.UnmatchedTarget[0].Reason)
	require.Equal(t, SideTarget, result.UnmatchedTarget[0].Side)
}

func TestAmountWithinEpsilon(t *testing.T) {
	engine := defaultEngine(t)
	date := mustTime(t, "2024-01-01T00:00:00Z")

	result, err := engine.Match(
		[]Record{{ID: "o1", Amount: 10.00, Currency: "USD", Date: date}},
		[]Record{{ID: "p1", Amount: 10.01, Currency: "USD", Date: date}},
	)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	require.Equal(t, []string{FieldAmount, FieldCurrency, FieldDate}, result.Matches[0].MatchedOn)
}

func TestGreedyFirstFitClaimsTargets(t *testing.T) {
	engine := defaultEngine(t)
	date := mustTime(t, "2024-01-01T00:00:00Z")

	source := []Record{
		{ID: "o1", Amount: 10, Currency: "USD", Date: date},
		{ID: "o2", Amount: 10, Currency: "USD", Date: date},
		{ID: "o3", Amount: 10, Currency: "USD", Date: date},
	}
	target := []Record{
		{ID: "p1", Amount: 10, Currency: "USD", Date: date},
		{ID: "p2", Amount: 10, Currency: "USD", Date: date},
	}

	result, err := engine.Match(source, target)
	require.NoError(t, err)
	require.Len(t, result.Matches, 2)
	require.Equal(t, "p1", result.Matches[0].TargetID)
	require.Equal(t, "p2", result.Matches[1].TargetID)
	require.Len(t, result.UnmatchedSource, 1)
	require.Equal(t, "o3", result.UnmatchedSource[0].Record.ID)
	require.Equal(t, ReasonNoUnclaimedTargets, result.UnmatchedSource[0].Reason)
	require.InDelta(t, 2.0/3.0, result.MatchRate(), 1e-9)
}

func TestCrossReferenceWaivesDateOnly(t *testing.T) {
	engine := defaultEngine(t)

	source := []Record{
		{ID: "o1", Amount: 25, Currency: "EUR", Date: mustTime(t, "2024-01-01T00:00:00Z")},
		{ID: "o2", Amount: 30, Currency: "EUR", Date: mustTime(t, "2024-01-01T00:00:00Z")},
	}
	target := []Record{
		{ID: "p1", Amount: 25, Currency: "EUR", Date: mustTime(t, "2024-01-09T00:00:00Z"), Metadata: map[string]string{"sourceId": "o1"}},
		{ID: "p2", Amount: 31, Currency: "EUR", Date: mustTime(t, "2024-01-09T00:00:00Z"), ReferenceID: "o2"},
	}

	result, err := engine.Match(source, target)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	require.Equal(t, "p1", result.Matches[0].TargetID)
	require.Contains(t, result.Matches[0].MatchedOn, MatchedOnCrossReference)
	require.NotContains(t, result.Matches[0].MatchedOn, FieldDate)

	require.Len(t, result.UnmatchedSource, 1)
	require.Equal(t, "o2", result.UnmatchedSource[0].Record.ID)
}

func TestFuzzyRule(t *testing.T) {
	engine, err := NewEngine(Config{Rules: []Rule{
		{Field: FieldAmount, Type: RuleExact},
		{Field: "metadata.customer", Type: RuleFuzzy, Threshold: 0.8},
	}})
	require.NoError(t, err)

	source := []Record{{ID: "o1", Amount: 5, Metadata: map[string]string{"customer": "ACME Corporation"}}}
	target := []Record{
		{ID: "p1", Amount: 5, Metadata: map[string]string{"customer": "Globex"}},
		{ID: "p2", Amount: 5, Metadata: map[string]string{"customer": "acme corporatoin"}},
	}

	result, err := engine.Match(source, target)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	require.Equal(t, "p2", result.Matches[0].TargetID)
}

func TestNumericRangeRule(t *testing.T) {
	engine, err := NewEngine(Config{Rules: []Rule{{Field: FieldAmount, Type: RuleRange, Tolerance: 1.5}}})
	require.NoError(t, err)

	result, err := engine.Match(
		[]Record{{ID: "o1", Amount: 100}, {ID: "o2", Amount: 200}},
		[]Record{{ID: "p1", Amount: 198}, {ID: "p2", Amount: 101.5}},
	)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
	require.Equal(t, "o1", result.Matches[0].SourceID)
	require.Equal(t, "p2", result.Matches[0].TargetID)
}

func TestMatchingIsDeterministic(t *testing.T) {
	engine := defaultEngine(t)
	base := mustTime(t, "2024-03-01T00:00:00Z")

	var source, target []Record
	for i := 0; i < 40; i++ {
		source = append(source, Record{ID: "s" + string(rune('A'+i)), Amount: float64(i % 7), Currency: "USD", Date: base.Add(time.Duration(i) * time.Hour)})
		target = append(target, Record{ID: "t" + string(rune('A'+i)), Amount: float64(i % 5), Currency: "USD", Date: base.Add(time.Duration(40-i) * time.Hour)})
	}

	first, err := engine.Match(source, target)
	require.NoError(t, err)
	second, err := engine.Match(source, target)
	require.NoError(t, err)
	require.Equal(t, first, second)

	for _, m := range first.Matches {
		require.Equal(t, 1.0, m.Confidence)
	}
	require.Equal(t, len(source), len(first.Matches)+len(first.UnmatchedSource))
	require.Equal(t, len(target), len(first.Matches)+len(first.UnmatchedTarget))
}

func TestEmptyInputs(t *testing.T) {
	engine := defaultEngine(t)

	result, err := engine.Match(nil, nil)
	require.NoError(t, err)
	require.Empty(t, result.Matches)
	require.Zero(t, result.MatchRate())

	result, err = engine.Match([]Record{{ID: "o1", Amount: 1}}, nil)
	require.NoError(t, err)
	require.Equal(t, ReasonNoUnclaimedTargets, result.UnmatchedSource[0].Reason)
}

func TestInvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"unknown field", Config{Rules: []Rule{{Field: "colour", Type: RuleExact}}}},
		{"unknown type", Config{Rules: []Rule{{Field: FieldAmount, Type: "nearly"}}}},
		{"negative tolerance", Config{Rules: []Rule{{Field: FieldAmount, Type: RuleExact, Tolerance: -1}}}},
		{"threshold above one", Config{Rules: []Rule{{Field: FieldCurrency, Type: RuleFuzzy, Threshold: 1.5}}}},
		{"range on text", Config{Rules: []Rule{{Field: FieldCurrency, Type: RuleRange}}}},
		{"fuzzy on amount", Config{Rules: []Rule{{Field: FieldAmount, Type: RuleFuzzy}}}},
		{"empty metadata key", Config{Rules: []Rule{{Field: "metadata.", Type: RuleExact}}}},
		{"negative epsilon", Config{AmountEpsilon: -0.5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.cfg)
			var matchErr *MatchingError
			require.True(t, errors.As(err, &matchErr))
			require.False(t, matchErr.Retryable())
		})
	}
}

func TestInvalidInput(t *testing.T) {
	engine := defaultEngine(t)

	_, err := engine.Match([]Record{{ID: "o1"}, {ID: "o1"}}, nil)
	var matchErr *MatchingError
	require.True(t, errors.As(err, &matchErr))

	_, err = engine.Match(nil, []Record{{ID: ""}})
	require.True(t, errors.As(err, &matchErr))
}

func TestRuleJSON(t *testing.T) {
	var rules []Rule
	err := json.Unmarshal([]byte(`[{"field":"date","type":"range","window":"48h"},{"field":"date","type":"range","window":3600}]`), &rules)
	require.NoError(t, err)
	require.Equal(t, Duration(48*time.Hour), rules[0].Window)
	require.Equal(t, Duration(time.Hour), rules[1].Window)

	engine, err := NewEngine(Config{Rules: rules[:1]})
	require.NoError(t, err)
	result, err := engine.Match(
		[]Record{{ID: "o1", Date: mustTime(t, "2024-01-01T00:00:00Z")}},
		[]Record{{ID: "p1", Date: mustTime(t, "2024-01-02T23:00:00Z")}},
	)
	require.NoError(t, err)
	require.Len(t, result.Matches, 1)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 1.0, Similarity("ｆｕｌｌ", "full"))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.InDelta(t, 1-1.0/6.0, Similarity("kitten", "sitten"), 1e-9)
	assert.InDelta(t, 1-3.0/7.0, Similarity("kitten", "sitting"), 1e-9)
}
