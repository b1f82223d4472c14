package mapping

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/username/tradevault/backend/src/detection"
	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
	"github.com/username/tradevault/backend/src/parsers"
)

// Strategy names the processing path the resolver picked for a file.
type Strategy string

const (
	StrategySectionParser  Strategy = "SECTION_PARSER"
	StrategyStandardSchema Strategy = "STANDARD_SCHEMA"
	StrategyRegistryHigh   Strategy = "REGISTRY_HIGH"
	StrategyRegistryMedium Strategy = "REGISTRY_MEDIUM"
	StrategyAIWithHint     Strategy = "AI_WITH_HINT"
	StrategyAINoHint       Strategy = "AI_NO_HINT"
	StrategyUserMappings   Strategy = "USER_MAPPINGS"
)

// ResolveInput carries everything the decision policy looks at for one file.
type ResolveInput struct {
	Headers      []string
	SampleRows   []map[string]string
	Content      string
	UserMappings []models.ColumnMapping
	BrokerHint   string
}

// Resolution is the chosen strategy plus the mapping set to apply. For the
// AI paths the proposal is attached and review is always required; the
// no-hint path additionally parks the batch until a broker is selected.
type Resolution struct {
	Strategy                Strategy               `json:"strategy"`
	Mappings                []models.ColumnMapping `json:"mappings"`
	Format                  *models.BrokerFormat   `json:"format,omitempty"`
	Confidence              float64                `json:"confidence"`
	RequiresReview          bool                   `json:"requires_review"`
	RequiresBrokerSelection bool                   `json:"requires_broker_selection"`
	AIMappingUsed           bool                   `json:"ai_mapping_used"`
	AdapterFailed           bool                   `json:"adapter_failed"`
	Proposal                *MappingProposal       `json:"proposal,omitempty"`
	Reasoning               []string               `json:"reasoning"`
}

// Resolver is the ordered strategy selector that decides, per file, which
// processing path applies.
type Resolver struct {
	detector *detection.Detector
	adapter  MappingAdapter

	// alwaysReviewAI keeps AI-generated mappings behind the review gate even
	// at full confidence. This is a deliberate safety policy, not a tunable
	// quality knob.
	alwaysReviewAI bool
}

func NewResolver(detector *detection.Detector, adapter MappingAdapter, alwaysReviewAI bool) *Resolver {
	return &Resolver{detector: detector, adapter: adapter, alwaysReviewAI: alwaysReviewAI}
}

// Resolve tries each strategy in order until one applies.
func (r *Resolver) Resolve(ctx context.Context, input ResolveInput) (*Resolution, error) {
	hasUserMappings := len(input.UserMappings) > 0

	// 1. Dedicated section parser for whole-file signature exports.
	if !hasUserMappings && parsers.IsSectionedStatement(input.Content) {
		logger.L.Info("Resolver: multi-section statement signature matched")
		return &Resolution{
			Strategy:   StrategySectionParser,
			Confidence: 1.0,
			Reasoning:  []string{"whole-file statement signature matched"},
		}, nil
	}

	// 2. Canonical schema needs no detection at all.
	if !hasUserMappings && detection.MatchesStandardSchema(input.Headers) {
		logger.L.Info("Resolver: headers satisfy the standard schema")
		return &Resolution{
			Strategy:   StrategyStandardSchema,
			Mappings:   detection.StandardMappings(input.Headers),
			Confidence: 1.0,
			Reasoning:  []string{"headers satisfy the canonical upload schema"},
		}, nil
	}

	// 3/4. Registry match at high or medium confidence.
	det, err := r.detector.Detect(detection.DetectionInput{
		Headers:    input.Headers,
		SampleRows: input.SampleRows,
		Content:    input.Content,
	})
	if err != nil {
		return nil, fmt.Errorf("format detection: %w", err)
	}

	if !hasUserMappings && det.Format != nil && det.Confidence >= detection.ThresholdMedium {
		strategy := StrategyRegistryMedium
		if det.Confidence >= detection.ThresholdHigh {
			strategy = StrategyRegistryHigh
		}
		logger.L.Info("Resolver: registry format matched",
			"formatID", det.Format.ID, "confidence", det.Confidence, "strategy", string(strategy))
		return &Resolution{
			Strategy:   strategy,
			Mappings:   FormatMappings(*det.Format),
			Format:     det.Format,
			Confidence: det.Confidence,
			Reasoning:  det.Reasoning,
		}, nil
	}

	// 8. Explicit user mappings bypass detection entirely.
	if hasUserMappings {
		logger.L.Info("Resolver: applying user-supplied mappings", "mappings", len(input.UserMappings))
		return &Resolution{
			Strategy:   StrategyUserMappings,
			Mappings:   input.UserMappings,
			Confidence: 1.0,
			Reasoning:  append(det.Reasoning, "user-supplied mappings applied directly"),
		}, nil
	}

	// 6/7. AI-assisted mapping, with or without a broker hint. The result is
	// never auto-applied: review is mandatory, and without a hint the batch
	// also waits for an explicit broker selection.
	res := &Resolution{
		Strategy:       StrategyAIWithHint,
		RequiresReview: r.alwaysReviewAI,
		AIMappingUsed:  true,
		Reasoning:      det.Reasoning,
	}
	if input.BrokerHint == "" {
		res.Strategy = StrategyAINoHint
		res.RequiresBrokerSelection = true
	}

	proposal, err := r.adapter.ProposeMapping(ctx, input.Headers, input.SampleRows, input.BrokerHint)
	if err != nil {
		// Adapter failures must not lose the upload: surface a recoverable
		// resolution the service can park as a PENDING batch.
		logger.L.Warn("AI mapping adapter failed", "error", err)
		res.AdapterFailed = true
		res.RequiresReview = true
		res.RequiresBrokerSelection = true
		res.Reasoning = append(res.Reasoning, fmt.Sprintf("AI mapping adapter unavailable: %v", err))
		return res, nil
	}

	res.Proposal = proposal
	res.Confidence = proposal.OverallConfidence
	res.Mappings = ProposalMappings(proposal)
	res.Reasoning = append(res.Reasoning,
		fmt.Sprintf("AI adapter proposed %d mappings at %.2f confidence", len(proposal.Mappings), proposal.OverallConfidence))
	return res, nil
}

// FormatMappings flattens a registry format's field mappings into an ordered
// mapping set. Required columns take priority over optional ones.
func FormatMappings(f models.BrokerFormat) []models.ColumnMapping {
	columns := make([]string, 0, len(f.FieldMappings))
	for col := range f.FieldMappings {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	mappings := make([]models.ColumnMapping, 0, len(columns))
	for _, col := range columns {
		fm := f.FieldMappings[col]
		priority := 2
		if fm.Required {
			priority = 1
		}
		mappings = append(mappings, models.ColumnMapping{
			SourceColumn: col,
			TargetColumn: fm.TargetField,
			Confidence:   f.Confidence,
			Priority:     priority,
			DataType:     fm.DataType,
			Transformer:  fm.Transformer,
		})
	}
	return mappings
}

// ProposalMappings converts an AI proposal into a mapping set. Unknown
// fields land in broker metadata; timestamp columns get the date type and
// execution-specific ones target the executed time.
func ProposalMappings(p *MappingProposal) []models.ColumnMapping {
	columns := make([]string, 0, len(p.Mappings))
	for col := range p.Mappings {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	mappings := make([]models.ColumnMapping, 0, len(columns))
	for _, col := range columns {
		proposed := p.Mappings[col]
		target := proposed.Field
		if target == "" {
			target = models.BrokerMetadataField
		}

		dataType := models.DataTypeString
		transformer := ""
		switch target {
		case "quantity":
			dataType = models.DataTypeNumber
			transformer = "parseQuantity"
		case "limitPrice", "price":
			target = "limitPrice"
			dataType = models.DataTypeNumber
			transformer = "removeCurrency"
		case "side":
			transformer = "sideMapping"
		case "symbol":
			transformer = "uppercase"
		case "orderPlacedTime", "orderExecutedTime", "orderCancelledTime":
			dataType = models.DataTypeDate
			transformer = "parseOrderDateTime"
		case "date", "time", "datetime":
			dataType = models.DataTypeDate
			transformer = "parseOrderDateTime"
			if IsExecutionTimeColumn(col) {
				target = "orderExecutedTime"
			} else {
				target = "orderPlacedTime"
			}
		}

		mappings = append(mappings, models.ColumnMapping{
			SourceColumn: col,
			TargetColumn: target,
			Confidence:   proposed.Confidence,
			Priority:     1,
			DataType:     dataType,
			Transformer:  transformer,
		})
	}
	return mappings
}

// DescribeStrategy is a short human-readable label used in upload logs.
func DescribeStrategy(s Strategy) string {
	return strings.ToLower(strings.ReplaceAll(string(s), "_", " "))
}
