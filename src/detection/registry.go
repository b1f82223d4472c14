package detection

import (
	"fmt"
	"sync"

	"github.com/username/tradevault/backend/src/models"
)

// StaticRegistry is the in-memory seed registry of well-known broker export
// layouts. Dynamic, user-confirmed formats live in the database; a merged
// repository presents both to the detector.
type StaticRegistry struct {
	mu      sync.RWMutex
	formats []models.BrokerFormat
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{formats: seedFormats()}
}

func (r *StaticRegistry) List() ([]models.BrokerFormat, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.BrokerFormat, len(r.formats))
	copy(out, r.formats)
	return out, nil
}

func (r *StaticRegistry) Add(format models.BrokerFormat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.formats {
		if f.ID == format.ID {
			return fmt.Errorf("format %s already registered", format.ID)
		}
	}
	r.formats = append(r.formats, format)
	return nil
}

// seedFormats returns the built-in broker layouts. Required headers double as
// the fingerprint input; value patterns guard against layouts that share
// header names but not content.
func seedFormats() []models.BrokerFormat {
	return []models.BrokerFormat{
		{
			ID:          "ibkr-trades-v1",
			Name:        "Interactive Brokers Trades",
			BrokerName:  "ibkr",
			Version:     1,
			Fingerprint: models.ComputeFingerprint([]string{"Date", "Symbol", "Buy/Sell", "Quantity", "T. Price", "Comm/Fee"}),
			Confidence:  0.9,
			FieldMappings: map[string]models.FieldMapping{
				"Date":     {TargetField: "orderExecutedTime", DataType: models.DataTypeDate, Required: true, Transformer: "parseOrderDateTime", Examples: []string{"2024-07-15, 09:31:02"}},
				"Symbol":   {TargetField: "symbol", DataType: models.DataTypeString, Required: true, Transformer: "uppercase", Examples: []string{"AAPL"}},
				"Buy/Sell": {TargetField: "side", DataType: models.DataTypeString, Required: true, Transformer: "sideMapping", Examples: []string{"BUY", "SELL"}},
				"Quantity": {TargetField: "quantity", DataType: models.DataTypeNumber, Required: true, Transformer: "parseQuantity", Examples: []string{"100", "1,500"}},
				"T. Price": {TargetField: "limitPrice", DataType: models.DataTypeNumber, Required: true, Transformer: "removeCurrency", Examples: []string{"189.34"}},
				"Comm/Fee": {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
			},
			DetectionPatterns: models.DetectionPatterns{
				RequiredHeaders: []string{"Date", "Symbol", "Buy/Sell", "Quantity", "T. Price", "Comm/Fee"},
				ValuePatterns: map[string]string{
					"Buy/Sell": `(?i)^(BUY|SELL|BOT|SLD|B|S)$`,
					"Quantity": `^-?[\d,]+(\.\d+)?$`,
					"T. Price": `^[\$€£]?-?[\d,]+(\.\d+)?$`,
				},
			},
		},
		{
			ID:          "tos-statement-v1",
			Name:        "Thinkorswim Account Statement",
			BrokerName:  "td_ameritrade",
			Version:     1,
			Fingerprint: models.ComputeFingerprint([]string{"Exec Time", "Side", "Qty", "Symbol", "Price"}),
			Confidence:  0.95,
			FieldMappings: map[string]models.FieldMapping{
				"Exec Time":     {TargetField: "orderExecutedTime", DataType: models.DataTypeDate, Required: true, Transformer: "parseOrderDateTime"},
				"Time Placed":   {TargetField: "orderPlacedTime", DataType: models.DataTypeDate, Transformer: "parseOrderDateTime"},
				"Time Canceled": {TargetField: "orderCancelledTime", DataType: models.DataTypeDate, Transformer: "parseOrderDateTime"},
				"Side":          {TargetField: "side", DataType: models.DataTypeString, Required: true, Transformer: "sideMapping"},
				"Qty":           {TargetField: "quantity", DataType: models.DataTypeNumber, Required: true, Transformer: "parseQuantity"},
				"Symbol":        {TargetField: "symbol", DataType: models.DataTypeString, Required: true, Transformer: "uppercase"},
				"Price":         {TargetField: "limitPrice", DataType: models.DataTypeNumber, Transformer: "removeCurrency"},
				"Pos Effect":    {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Order Type":    {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
			},
			DetectionPatterns: models.DetectionPatterns{
				FilePattern:    `(?m)^Account Statement for \w+.* on \d{1,2}/\d{1,2}/\d{2,4}`,
				SectionMarkers: []string{"Working Orders", "Filled Orders", "Canceled Orders"},
			},
		},
		{
			ID:          "schwab-transactions-v1",
			Name:        "Charles Schwab Transactions",
			BrokerName:  "schwab",
			Version:     1,
			Fingerprint: models.ComputeFingerprint([]string{"Date", "Action", "Symbol", "Description", "Quantity", "Price", "Fees & Comm", "Amount"}),
			Confidence:  0.85,
			FieldMappings: map[string]models.FieldMapping{
				"Date":        {TargetField: "orderExecutedTime", DataType: models.DataTypeDate, Required: true, Transformer: "parseOrderDateTime"},
				"Action":      {TargetField: "side", DataType: models.DataTypeString, Required: true, Transformer: "sideMapping"},
				"Symbol":      {TargetField: "symbol", DataType: models.DataTypeString, Required: true, Transformer: "uppercase"},
				"Description": {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Quantity":    {TargetField: "quantity", DataType: models.DataTypeNumber, Required: true, Transformer: "parseQuantity"},
				"Price":       {TargetField: "limitPrice", DataType: models.DataTypeNumber, Transformer: "removeCurrency"},
				"Fees & Comm": {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Amount":      {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
			},
			DetectionPatterns: models.DetectionPatterns{
				RequiredHeaders: []string{"Date", "Action", "Symbol", "Quantity", "Price", "Fees & Comm"},
				ValuePatterns: map[string]string{
					"Action": `(?i)^(Buy|Sell|Buy to Open|Sell to Close|Sell Short|Buy to Cover)`,
					"Price":  `^\$?-?[\d,]+(\.\d+)?$`,
				},
			},
		},
		{
			ID:          "etrade-transactions-v1",
			Name:        "E*TRADE Transactions",
			BrokerName:  "etrade",
			Version:     1,
			Fingerprint: models.ComputeFingerprint([]string{"TransactionDate", "TransactionType", "SecurityType", "Symbol", "Quantity", "Amount", "Price", "Commission"}),
			Confidence:  0.85,
			FieldMappings: map[string]models.FieldMapping{
				"TransactionDate": {TargetField: "orderExecutedTime", DataType: models.DataTypeDate, Required: true, Transformer: "parseOrderDateTime"},
				"TransactionType": {TargetField: "side", DataType: models.DataTypeString, Required: true, Transformer: "sideMapping"},
				"SecurityType":    {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Symbol":          {TargetField: "symbol", DataType: models.DataTypeString, Required: true, Transformer: "uppercase"},
				"Quantity":        {TargetField: "quantity", DataType: models.DataTypeNumber, Required: true, Transformer: "parseQuantity"},
				"Amount":          {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Price":           {TargetField: "limitPrice", DataType: models.DataTypeNumber, Transformer: "removeCurrency"},
				"Commission":      {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
			},
			DetectionPatterns: models.DetectionPatterns{
				RequiredHeaders: []string{"TransactionDate", "TransactionType", "Symbol", "Quantity", "Price"},
				ValuePatterns: map[string]string{
					"TransactionType": `(?i)^(Bought|Sold|Buy|Sell)`,
				},
			},
		},
		{
			ID:          "fidelity-history-v1",
			Name:        "Fidelity Account History",
			BrokerName:  "fidelity",
			Version:     1,
			Fingerprint: models.ComputeFingerprint([]string{"Run Date", "Action", "Symbol", "Description", "Type", "Quantity", "Price ($)", "Commission ($)", "Fees ($)", "Amount ($)", "Settlement Date"}),
			Confidence:  0.85,
			FieldMappings: map[string]models.FieldMapping{
				"Run Date":        {TargetField: "orderExecutedTime", DataType: models.DataTypeDate, Required: true, Transformer: "parseOrderDateTime"},
				"Action":          {TargetField: "side", DataType: models.DataTypeString, Required: true, Transformer: "sideMapping"},
				"Symbol":          {TargetField: "symbol", DataType: models.DataTypeString, Required: true, Transformer: "uppercase"},
				"Description":     {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Type":            {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Quantity":        {TargetField: "quantity", DataType: models.DataTypeNumber, Required: true, Transformer: "parseQuantity"},
				"Price ($)":       {TargetField: "limitPrice", DataType: models.DataTypeNumber, Transformer: "removeCurrency"},
				"Commission ($)":  {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Fees ($)":        {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Amount ($)":      {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Settlement Date": {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
			},
			DetectionPatterns: models.DetectionPatterns{
				RequiredHeaders: []string{"Run Date", "Action", "Symbol", "Quantity", "Price ($)", "Settlement Date"},
				ValuePatterns: map[string]string{
					"Action": `(?i)(BOUGHT|SOLD|YOU BOUGHT|YOU SOLD)`,
				},
			},
		},
		{
			ID:          "robinhood-activity-v1",
			Name:        "Robinhood Activity Report",
			BrokerName:  "robinhood",
			Version:     1,
			Fingerprint: models.ComputeFingerprint([]string{"Activity Date", "Process Date", "Settle Date", "Instrument", "Description", "Trans Code", "Quantity", "Price", "Amount"}),
			Confidence:  0.85,
			FieldMappings: map[string]models.FieldMapping{
				"Activity Date": {TargetField: "orderExecutedTime", DataType: models.DataTypeDate, Required: true, Transformer: "parseOrderDateTime"},
				"Process Date":  {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Settle Date":   {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Instrument":    {TargetField: "symbol", DataType: models.DataTypeString, Required: true, Transformer: "uppercase"},
				"Description":   {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Trans Code":    {TargetField: "side", DataType: models.DataTypeString, Required: true, Transformer: "sideMapping"},
				"Quantity":      {TargetField: "quantity", DataType: models.DataTypeNumber, Required: true, Transformer: "parseQuantity"},
				"Price":         {TargetField: "limitPrice", DataType: models.DataTypeNumber, Transformer: "removeCurrency"},
				"Amount":        {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
			},
			DetectionPatterns: models.DetectionPatterns{
				RequiredHeaders: []string{"Activity Date", "Instrument", "Trans Code", "Quantity", "Price"},
				ValuePatterns: map[string]string{
					"Trans Code": `(?i)^(BTO|STC|STO|BTC|Buy|Sell)$`,
				},
			},
		},
		{
			ID:          "webull-orders-v1",
			Name:        "Webull Orders",
			BrokerName:  "webull",
			Version:     1,
			Fingerprint: models.ComputeFingerprint([]string{"Name", "Symbol", "Side", "Status", "Filled", "Total Qty", "Price", "Avg Price", "Time-in-Force", "Placed Time", "Filled Time"}),
			Confidence:  0.85,
			FieldMappings: map[string]models.FieldMapping{
				"Name":          {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Symbol":        {TargetField: "symbol", DataType: models.DataTypeString, Required: true, Transformer: "uppercase"},
				"Side":          {TargetField: "side", DataType: models.DataTypeString, Required: true, Transformer: "sideMapping"},
				"Status":        {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Filled":        {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Total Qty":     {TargetField: "quantity", DataType: models.DataTypeNumber, Required: true, Transformer: "parseQuantity"},
				"Price":         {TargetField: "limitPrice", DataType: models.DataTypeNumber, Transformer: "removeCurrency"},
				"Avg Price":     {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Time-in-Force": {TargetField: models.BrokerMetadataField, DataType: models.DataTypeString},
				"Placed Time":   {TargetField: "orderPlacedTime", DataType: models.DataTypeDate, Transformer: "parseOrderDateTime"},
				"Filled Time":   {TargetField: "orderExecutedTime", DataType: models.DataTypeDate, Transformer: "parseOrderDateTime"},
			},
			DetectionPatterns: models.DetectionPatterns{
				RequiredHeaders: []string{"Symbol", "Side", "Status", "Total Qty", "Placed Time", "Filled Time"},
				ValuePatterns: map[string]string{
					"Side": `(?i)^(Buy|Sell|Short)$`,
				},
			},
		},
	}
}
