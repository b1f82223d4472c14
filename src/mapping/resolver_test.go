package mapping

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/tradevault/backend/src/detection"
	"github.com/username/tradevault/backend/src/models"
)

type stubAdapter struct {
	proposal *MappingProposal
	err      error
	calls    int
	lastHint string
}

func (a *stubAdapter) ProposeMapping(_ context.Context, _ []string, _ []map[string]string, brokerHint string) (*MappingProposal, error) {
	a.calls++
	a.lastHint = brokerHint
	if a.err != nil {
		return nil, a.err
	}
	return a.proposal, nil
}

func newTestResolver(adapter MappingAdapter) *Resolver {
	return NewResolver(detection.NewDetector(detection.NewStaticRegistry()), adapter, true)
}

type stubFormatRepo struct {
	formats []models.BrokerFormat
}

func (r *stubFormatRepo) List() ([]models.BrokerFormat, error) { return r.formats, nil }
func (r *stubFormatRepo) Add(f models.BrokerFormat) error {
	r.formats = append(r.formats, f)
	return nil
}

func resolverWithFormats(adapter MappingAdapter, formats ...models.BrokerFormat) *Resolver {
	return NewResolver(detection.NewDetector(&stubFormatRepo{formats: formats}), adapter, true)
}

func TestResolveSectionedStatementWinsFirst(t *testing.T) {
	adapter := &stubAdapter{}
	resolver := newTestResolver(adapter)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Content: "Account Statement for 865243 on 7/15/24\n\nFilled Orders\nExec Time,Side,Qty,Symbol\n",
		Headers: []string{"Exec Time", "Side", "Qty", "Symbol"},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategySectionParser, res.Strategy)
	assert.Equal(t, 1.0, res.Confidence)
	assert.False(t, res.RequiresReview)
	assert.Zero(t, adapter.calls)
}

func TestResolveStandardSchemaBeforeRegistry(t *testing.T) {
	adapter := &stubAdapter{}
	resolver := newTestResolver(adapter)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers: []string{"Symbol", "Side", "Quantity", "Price", "Date", "Account"},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyStandardSchema, res.Strategy)
	assert.NotEmpty(t, res.Mappings)
	assert.False(t, res.AIMappingUsed)
	assert.Zero(t, adapter.calls)
}

func TestResolveRegistryHighConfidence(t *testing.T) {
	adapter := &stubAdapter{}
	resolver := newTestResolver(adapter)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers: []string{"Date", "Symbol", "Buy/Sell", "Quantity", "T. Price", "Comm/Fee"},
		SampleRows: []map[string]string{
			{"Date": "2024-07-15, 09:31:02", "Symbol": "AAPL", "Buy/Sell": "BUY", "Quantity": "100", "T. Price": "189.34", "Comm/Fee": "-1.00"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyRegistryHigh, res.Strategy)
	require.NotNil(t, res.Format)
	assert.Equal(t, "ibkr-trades-v1", res.Format.ID)
	assert.GreaterOrEqual(t, res.Confidence, detection.ThresholdHigh)
	assert.False(t, res.RequiresReview)
	assert.Zero(t, adapter.calls)
}

func TestResolveRegistryHighAtExactThreshold(t *testing.T) {
	// A file signature with none of its section markers present scores
	// exactly 0.80; the high tier is inclusive of its boundary.
	adapter := &stubAdapter{}
	format := models.BrokerFormat{
		ID:   "csvbank-v1",
		Name: "CSVBank Export",
		FieldMappings: map[string]models.FieldMapping{
			"Ref": {TargetField: "symbol", Required: true},
		},
		DetectionPatterns: models.DetectionPatterns{
			FilePattern:    `(?m)^CSVBank Export`,
			SectionMarkers: []string{"Open Positions", "Closed Positions", "Cash Activity"},
		},
	}
	resolver := resolverWithFormats(adapter, format)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers: []string{"Ref"},
		Content: "CSVBank Export\nRef\nAAPL\n",
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyRegistryHigh, res.Strategy)
	require.NotNil(t, res.Format)
	assert.InDelta(t, detection.ThresholdHigh, res.Confidence, 0.0001)
	assert.False(t, res.RequiresReview)
	assert.Zero(t, adapter.calls)
}

func TestResolveRegistryMediumBelowHighThreshold(t *testing.T) {
	// A full header match without value patterns scores 0.70: a reported
	// match, but under the high tier, so it lands on the medium strategy.
	adapter := &stubAdapter{}
	format := models.BrokerFormat{
		ID:   "ledger-min-v1",
		Name: "Ledger Minimal",
		FieldMappings: map[string]models.FieldMapping{
			"Ref": {TargetField: "symbol", Required: true},
			"Dir": {TargetField: "side", Required: true},
		},
		DetectionPatterns: models.DetectionPatterns{
			RequiredHeaders: []string{"Ref", "Dir"},
		},
	}
	resolver := resolverWithFormats(adapter, format)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers: []string{"Ref", "Dir"},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyRegistryMedium, res.Strategy)
	require.NotNil(t, res.Format)
	assert.Equal(t, "ledger-min-v1", res.Format.ID)
	assert.InDelta(t, detection.ThresholdDetect, res.Confidence, 0.0001)
	assert.Less(t, res.Confidence, detection.ThresholdHigh)
	assert.NotEmpty(t, res.Mappings)
	assert.Zero(t, adapter.calls)
}

func TestResolveRegistryMediumAtExactThreshold(t *testing.T) {
	// Substring-only header matches with no exact column names score 0.60 on
	// the nose; the medium floor is inclusive.
	adapter := &stubAdapter{}
	format := models.BrokerFormat{
		ID:   "ledger-loose-v1",
		Name: "Ledger Loose",
		FieldMappings: map[string]models.FieldMapping{
			"ref code": {TargetField: "symbol", Required: true},
			"dir code": {TargetField: "side", Required: true},
		},
		DetectionPatterns: models.DetectionPatterns{
			RequiredHeaders: []string{"ref code", "dir code"},
		},
	}
	resolver := resolverWithFormats(adapter, format)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers: []string{"My Ref Code", "My Dir Code"},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyRegistryMedium, res.Strategy)
	assert.InDelta(t, detection.ThresholdMedium, res.Confidence, 0.0001)
	assert.Zero(t, adapter.calls)
}

func TestResolveFallsToAIJustBelowMediumThreshold(t *testing.T) {
	// Best registry score 0.59: one required header missing and one unmapped
	// column. Below the medium floor the resolver moves on to the AI path.
	adapter := &stubAdapter{proposal: &MappingProposal{
		Mappings:          map[string]ProposedField{"col1": {Field: "symbol", Confidence: 0.7}},
		OverallConfidence: 0.7,
	}}
	fields := make(map[string]models.FieldMapping, 9)
	for i := 1; i <= 9; i++ {
		fields[fmt.Sprintf("col%d", i)] = models.FieldMapping{TargetField: models.BrokerMetadataField}
	}
	format := models.BrokerFormat{
		ID:            "ledger-wide-v1",
		Name:          "Ledger Wide",
		FieldMappings: fields,
		DetectionPatterns: models.DetectionPatterns{
			RequiredHeaders: []string{"col1", "col2", "col3", "col4", "col5", "col6"},
		},
	}
	resolver := resolverWithFormats(adapter, format)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers: []string{"col1", "col2", "col3", "col4", "col5", "col7", "col8", "col9", "misc"},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyAINoHint, res.Strategy)
	assert.Nil(t, res.Format)
	assert.True(t, res.RequiresBrokerSelection)
	assert.True(t, res.AIMappingUsed)
	assert.Equal(t, 1, adapter.calls)
}

func TestResolveUserMappingsBypassDetection(t *testing.T) {
	adapter := &stubAdapter{}
	resolver := newTestResolver(adapter)

	userMappings := []models.ColumnMapping{
		{SourceColumn: "foo", TargetColumn: "symbol", Priority: 1, DataType: models.DataTypeString},
	}
	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers:      []string{"foo", "bar", "baz"},
		UserMappings: userMappings,
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyUserMappings, res.Strategy)
	assert.Equal(t, userMappings, res.Mappings)
	assert.Equal(t, 1.0, res.Confidence)
	assert.False(t, res.RequiresReview)
	assert.Zero(t, adapter.calls)
}

func TestResolveAIWithHintStillRequiresReview(t *testing.T) {
	// Even a full-confidence proposal stays behind the review gate.
	adapter := &stubAdapter{proposal: &MappingProposal{
		Mappings: map[string]ProposedField{
			"foo": {Field: "symbol", Confidence: 1.0},
			"bar": {Field: "quantity", Confidence: 1.0},
		},
		OverallConfidence: 1.0,
	}}
	resolver := newTestResolver(adapter)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers:    []string{"foo", "bar", "baz"},
		SampleRows: []map[string]string{{"foo": "AAPL", "bar": "100", "baz": "x"}},
		BrokerHint: "obscurebroker",
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyAIWithHint, res.Strategy)
	assert.True(t, res.AIMappingUsed)
	assert.True(t, res.RequiresReview)
	assert.False(t, res.RequiresBrokerSelection)
	assert.Equal(t, 1, adapter.calls)
	assert.Equal(t, "obscurebroker", adapter.lastHint)
}

func TestResolveAINoHintRequiresBrokerSelection(t *testing.T) {
	adapter := &stubAdapter{proposal: &MappingProposal{
		Mappings:          map[string]ProposedField{"foo": {Field: "symbol", Confidence: 0.6}},
		OverallConfidence: 0.6,
	}}
	resolver := newTestResolver(adapter)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers:    []string{"foo", "bar", "baz"},
		SampleRows: []map[string]string{{"foo": "AAPL", "bar": "100", "baz": "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyAINoHint, res.Strategy)
	assert.True(t, res.RequiresBrokerSelection)
	assert.True(t, res.RequiresReview)
	assert.True(t, res.AIMappingUsed)
}

func TestResolveAdapterFailureIsRecoverable(t *testing.T) {
	adapter := &stubAdapter{err: errors.New("upstream timeout")}
	resolver := newTestResolver(adapter)

	res, err := resolver.Resolve(context.Background(), ResolveInput{
		Headers:    []string{"foo", "bar", "baz"},
		SampleRows: []map[string]string{{"foo": "1", "bar": "2", "baz": "3"}},
	})
	require.NoError(t, err)
	assert.True(t, res.AdapterFailed)
	assert.True(t, res.RequiresReview)
	assert.True(t, res.RequiresBrokerSelection)
	assert.Empty(t, res.Mappings)
}

func TestFormatMappingsRequiredColumnsFirst(t *testing.T) {
	format := models.BrokerFormat{
		Confidence: 0.9,
		FieldMappings: map[string]models.FieldMapping{
			"Symbol": {TargetField: "symbol", DataType: models.DataTypeString, Required: true, Transformer: "uppercase"},
			"Notes":  {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
		},
	}
	mappings := FormatMappings(format)
	require.Len(t, mappings, 2)
	for _, m := range mappings {
		switch m.SourceColumn {
		case "Symbol":
			assert.Equal(t, 1, m.Priority)
			assert.Equal(t, 0.9, m.Confidence)
		case "Notes":
			assert.Equal(t, 2, m.Priority)
		}
	}
}

func TestProposalMappingsInference(t *testing.T) {
	proposal := &MappingProposal{
		Mappings: map[string]ProposedField{
			"Trade Time":  {Field: "datetime", Confidence: 0.8},
			"Placed":      {Field: "orderPlacedTime", Confidence: 0.7},
			"Ticker":      {Field: "symbol", Confidence: 0.95},
			"Shares":      {Field: "quantity", Confidence: 0.9},
			"Fill Price":  {Field: "price", Confidence: 0.85},
			"Extra Stuff": {Field: "", Confidence: 0.2},
		},
	}
	mappings := ProposalMappings(proposal)
	bySource := make(map[string]models.ColumnMapping)
	for _, m := range mappings {
		bySource[m.SourceColumn] = m
	}

	// Execution-flavored timestamp headers target the executed time.
	assert.Equal(t, "orderExecutedTime", bySource["Trade Time"].TargetColumn)
	assert.Equal(t, models.DataTypeDate, bySource["Trade Time"].DataType)
	assert.Equal(t, "orderPlacedTime", bySource["Placed"].TargetColumn)
	assert.Equal(t, "limitPrice", bySource["Fill Price"].TargetColumn)
	assert.Equal(t, "parseQuantity", bySource["Shares"].Transformer)
	assert.Equal(t, "uppercase", bySource["Ticker"].Transformer)
	// Unmapped columns land in broker metadata.
	assert.Equal(t, models.BrokerMetadataField, bySource["Extra Stuff"].TargetColumn)
}
