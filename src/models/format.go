package models

import (
	"sort"
	"strings"
	"time"
)

// DataType is the coercion target for a mapped column.
type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeDate    DataType = "date"
	DataTypeBoolean DataType = "boolean"
)

// BrokerMetadataField is the sentinel target for columns that have no
// canonical home. Values mapped to it accumulate into an open-ended map
// instead of overwriting each other.
const BrokerMetadataField = "brokerMetadata"

// FieldMapping describes how one source column maps onto a canonical field.
type FieldMapping struct {
	TargetField string   `json:"target_field"`
	DataType    DataType `json:"data_type"`
	Required    bool     `json:"required"`
	Transformer string   `json:"transformer,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// DetectionPatterns holds everything the detector scores a format against.
// FilePattern plus SectionMarkers mark the whole-file multi-section exports;
// everything else is plain header/value matching.
type DetectionPatterns struct {
	RequiredHeaders []string          `json:"required_headers"`
	ValuePatterns   map[string]string `json:"value_patterns,omitempty"`
	FilePattern     string            `json:"file_pattern,omitempty"`
	SectionMarkers  []string          `json:"section_markers,omitempty"`
}

// BrokerFormat is a named, versioned column-mapping template for one
// broker's export layout. Seeded statically or created dynamically from a
// user-confirmed or AI-approved mapping.
type BrokerFormat struct {
	ID                string                  `json:"id"`
	Name              string                  `json:"name"`
	BrokerName        string                  `json:"broker_name"`
	Version           int                     `json:"version"`
	Fingerprint       string                  `json:"fingerprint"`
	Confidence        float64                 `json:"confidence"`
	FieldMappings     map[string]FieldMapping `json:"field_mappings"`
	DetectionPatterns DetectionPatterns       `json:"detection_patterns"`
	UsageCount        int                     `json:"usage_count"`
	LastSuccessRate   float64                 `json:"last_success_rate"`
	CreatedAt         time.Time               `json:"created_at"`
}

// ComputeFingerprint builds the sorted, lowercased required-header signature
// used to identify a format layout.
func ComputeFingerprint(headers []string) string {
	normalized := make([]string, 0, len(headers))
	for _, h := range headers {
		normalized = append(normalized, strings.ToLower(strings.TrimSpace(h)))
	}
	sort.Strings(normalized)
	return strings.Join(normalized, "|")
}

// ColumnMapping is one column's worth of mapping intent, used both for
// registry formats and for AI- or user-submitted mappings.
type ColumnMapping struct {
	SourceColumn string   `json:"source_column"`
	TargetColumn string   `json:"target_column"`
	Confidence   float64  `json:"confidence"`
	Priority     int      `json:"priority"`
	DataType     DataType `json:"data_type"`
	Transformer  string   `json:"transformer,omitempty"`
}
