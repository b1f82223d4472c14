package detection

import (
	"strings"

	"github.com/username/tradevault/backend/src/models"
)

// The canonical upload schema. Files exported from this system, or prepared
// by hand against the documented template, bypass format detection entirely.
var (
	standardRequiredColumns = []string{"Symbol", "Side", "Quantity", "Price"}
	standardColumns         = []string{
		"Symbol", "Side", "Quantity", "Price", "Date", "Time",
		"Account", "Commission", "Fees", "Notes",
	}
)

// standardCoverageMinimum is the fraction of all standard columns that must
// be present, on top of every required column.
const standardCoverageMinimum = 0.6

// MatchesStandardSchema reports whether the uploaded headers satisfy the
// canonical schema: all required standard columns present and at least 60%
// of all standard columns present.
func MatchesStandardSchema(headers []string) bool {
	for _, req := range standardRequiredColumns {
		if !containsHeader(headers, req) {
			return false
		}
	}
	present := 0
	for _, col := range standardColumns {
		if containsHeader(headers, col) {
			present++
		}
	}
	return float64(present)/float64(len(standardColumns)) >= standardCoverageMinimum
}

// StandardMappings builds the mapping set for the canonical schema path,
// covering whichever standard columns the upload actually carries.
func StandardMappings(headers []string) []models.ColumnMapping {
	targets := map[string]struct {
		field       string
		dataType    models.DataType
		transformer string
	}{
		"symbol":     {"symbol", models.DataTypeString, "uppercase"},
		"side":       {"side", models.DataTypeString, "sideMapping"},
		"quantity":   {"quantity", models.DataTypeNumber, "parseQuantity"},
		"price":      {"limitPrice", models.DataTypeNumber, "removeCurrency"},
		"date":       {"orderExecutedTime", models.DataTypeDate, "parseOrderDateTime"},
		"time":       {models.BrokerMetadataField, models.DataTypeString, ""},
		"account":    {"accountId", models.DataTypeString, "trim"},
		"commission": {models.BrokerMetadataField, models.DataTypeString, ""},
		"fees":       {models.BrokerMetadataField, models.DataTypeString, ""},
		"notes":      {models.BrokerMetadataField, models.DataTypeString, ""},
	}

	var mappings []models.ColumnMapping
	for _, h := range headers {
		key := strings.ToLower(strings.TrimSpace(h))
		spec, ok := targets[key]
		if !ok {
			continue
		}
		mappings = append(mappings, models.ColumnMapping{
			SourceColumn: h,
			TargetColumn: spec.field,
			Confidence:   1.0,
			Priority:     1,
			DataType:     spec.dataType,
			Transformer:  spec.transformer,
		})
	}
	return mappings
}

func containsHeader(headers []string, want string) bool {
	w := strings.ToLower(want)
	for _, h := range headers {
		if strings.ToLower(strings.TrimSpace(h)) == w {
			return true
		}
	}
	return false
}
