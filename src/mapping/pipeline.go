package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
)

// dateLayouts are tried in order when coercing a date cell. Broker exports
// are wildly inconsistent here.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02, 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"01/02/2006 15:04",
	"1/2/2006 15:04:05",
	"01/02/2006",
	"1/2/2006",
	"01/02/06 15:04:05",
	"01/02/06",
	"1/2/06",
	"02-01-2006",
	"2006/01/02",
	"Jan 2, 2006",
	"01/02/2006 3:04:05 PM",
	"1/2/06 15:04:05",
}

// MappedRecord is the outcome of applying a mapping set to one row: typed
// canonical fields plus the broker-specific leftovers, with diagnostics for
// conflicting or uncoercible cells.
type MappedRecord struct {
	Strings        map[string]string
	Numbers        map[string]float64
	Dates          map[string]time.Time
	Booleans       map[string]bool
	BrokerMetadata map[string]string
	Diagnostics    []string
}

// ApplyMappings applies a mapping set to a row with first-match-wins
// semantics: mappings are ordered by priority then confidence descending, and
// once a target field is filled, later mappings to the same field are skipped
// and logged. Mappings targeting brokerMetadata accumulate instead.
func ApplyMappings(mappings []models.ColumnMapping, row map[string]string) *MappedRecord {
	record := &MappedRecord{
		Strings:        make(map[string]string),
		Numbers:        make(map[string]float64),
		Dates:          make(map[string]time.Time),
		Booleans:       make(map[string]bool),
		BrokerMetadata: make(map[string]string),
	}

	ordered := orderMappings(mappings)
	filled := make(map[string]string) // target field -> winning source column

	for _, m := range ordered {
		raw, ok := lookupColumn(row, m.SourceColumn)
		if !ok {
			continue
		}

		if m.TargetColumn == models.BrokerMetadataField {
			if raw != "" {
				record.BrokerMetadata[m.SourceColumn] = raw
			}
			continue
		}

		if winner, taken := filled[m.TargetColumn]; taken {
			record.Diagnostics = append(record.Diagnostics,
				fmt.Sprintf("mapping conflict on %q: %q lost to %q", m.TargetColumn, m.SourceColumn, winner))
			logger.L.Debug("Skipping lower-priority mapping for already-filled field",
				"targetField", m.TargetColumn, "sourceColumn", m.SourceColumn, "winner", winner)
			continue
		}

		value := ResolveTransformer(m.Transformer)(raw)
		if coerce(record, m, value) {
			filled[m.TargetColumn] = m.SourceColumn
		}
	}
	return record
}

// coerce writes the transformed value into the typed bucket for the mapping's
// declared data type. A coercion failure skips only this field, never the
// whole row. Reports whether the field was filled.
func coerce(record *MappedRecord, m models.ColumnMapping, value string) bool {
	switch m.DataType {
	case models.DataTypeNumber:
		cleaned := RemoveCurrency(value)
		if cleaned == "" {
			return false
		}
		n, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			record.Diagnostics = append(record.Diagnostics,
				fmt.Sprintf("unparseable number %q for field %q", value, m.TargetColumn))
			return false
		}
		record.Numbers[m.TargetColumn] = n
	case models.DataTypeDate:
		t, ok := ParseDateTime(value)
		if !ok {
			record.Diagnostics = append(record.Diagnostics,
				fmt.Sprintf("unparseable date %q for field %q", value, m.TargetColumn))
			return false
		}
		record.Dates[m.TargetColumn] = t
	case models.DataTypeBoolean:
		record.Booleans[m.TargetColumn] = truthy(value)
	default:
		if value == "" {
			return false
		}
		record.Strings[m.TargetColumn] = value
	}
	return true
}

// orderMappings sorts a copy of the mapping set by priority (lower value
// first), then confidence descending, then source column for determinism.
func orderMappings(mappings []models.ColumnMapping) []models.ColumnMapping {
	ordered := make([]models.ColumnMapping, len(mappings))
	copy(ordered, mappings)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].SourceColumn < ordered[j].SourceColumn
	})
	return ordered
}

// ParseDateTime tries the known broker date layouts in order.
func ParseDateTime(value string) (time.Time, bool) {
	value = NormalizeDateTimeString(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "y", "1", "t":
		return true
	}
	return false
}

func lookupColumn(row map[string]string, column string) (string, bool) {
	if v, ok := row[column]; ok {
		return v, true
	}
	want := strings.ToLower(strings.TrimSpace(column))
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.ToLower(strings.TrimSpace(k)) == want {
			return row[k], true
		}
	}
	return "", false
}

// ExecutedTimeSource classifies which rule filled orderExecutedTime.
type ExecutedTimeSource string

const (
	ExecutedFromExplicit ExecutedTimeSource = "EXPLICIT"
	ExecutedFromPlaced   ExecutedTimeSource = "PLACED"
	ExecutedFromNow      ExecutedTimeSource = "NOW"
)

// DeriveExecutedTime fills orderExecutedTime: an explicitly mapped
// execution time wins; otherwise the placed time; otherwise now.
func DeriveExecutedTime(record *MappedRecord, now time.Time) (time.Time, ExecutedTimeSource) {
	if t, ok := record.Dates["orderExecutedTime"]; ok {
		return t, ExecutedFromExplicit
	}
	if t, ok := record.Dates["orderPlacedTime"]; ok {
		return t, ExecutedFromPlaced
	}
	return now, ExecutedFromNow
}

// IsExecutionTimeColumn heuristically recognizes execution-specific timestamp
// headers: exec/fill/trade combined with time/date.
func IsExecutionTimeColumn(column string) bool {
	col := strings.ToLower(column)
	kind := strings.Contains(col, "exec") || strings.Contains(col, "fill") || strings.Contains(col, "trade")
	when := strings.Contains(col, "time") || strings.Contains(col, "date")
	return kind && when
}
