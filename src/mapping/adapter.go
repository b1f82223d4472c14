package mapping

import "context"

// ProposedField is the adapter's best guess for one source column.
type ProposedField struct {
	Field      string  `json:"field"`
	Confidence float64 `json:"confidence"`
}

// MappingProposal is the AI adapter's best-effort column mapping for an
// unrecognized file.
type MappingProposal struct {
	Mappings          map[string]ProposedField `json:"mappings"`
	OverallConfidence float64                  `json:"overall_confidence"`
	UnmappedFields    []string                 `json:"unmapped_fields"`
}

// MappingAdapter is the external AI mapping collaborator. It is called at
// most once per file and its result is never persisted without human review.
type MappingAdapter interface {
	ProposeMapping(ctx context.Context, headers []string, sampleRows []map[string]string, brokerHint string) (*MappingProposal, error)
}
