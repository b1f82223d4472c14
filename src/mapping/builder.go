package mapping

import (
	"fmt"
	"time"

	"github.com/username/tradevault/backend/src/models"
)

// BuildOrder turns one mapped row into a normalized order. Symbol, side and
// a positive quantity are the minimum a row must yield; anything less is a
// row error the caller counts without aborting the batch.
func BuildOrder(mappings []models.ColumnMapping, row map[string]string, now time.Time) (*models.NormalizedOrder, error) {
	record := ApplyMappings(mappings, row)

	symbol := record.Strings["symbol"]
	if symbol == "" {
		return nil, fmt.Errorf("missing symbol")
	}

	side := models.OrderSide(record.Strings["side"])
	if side != models.SideBuy && side != models.SideSell {
		return nil, fmt.Errorf("unrecognized side %q", rawSideValue(mappings, row))
	}

	quantity := record.Numbers["quantity"]
	if quantity < 0 {
		quantity = -quantity
	}
	if quantity == 0 {
		return nil, fmt.Errorf("missing or zero quantity")
	}

	executedAt, _ := DeriveExecutedTime(record, now)

	order := &models.NormalizedOrder{
		Symbol:            symbol,
		Side:              side,
		Quantity:          quantity,
		LimitPrice:        record.Numbers["limitPrice"],
		Status:            models.OrderStatusFilled,
		OrderExecutedTime: executedAt,
		AccountID:         record.Strings["accountId"],
		BrokerMetadata:    record.BrokerMetadata,
	}
	if placed, ok := record.Dates["orderPlacedTime"]; ok {
		order.OrderPlacedTime = placed
	} else {
		order.OrderPlacedTime = executedAt
	}
	if cancelled, ok := record.Dates["orderCancelledTime"]; ok {
		order.OrderCancelledTime = &cancelled
	}
	return order, nil
}

// BuildTrade derives the trade-level record for a filled order, keeping the
// wider SHORT/COVER vocabulary from the raw side token.
func BuildTrade(mappings []models.ColumnMapping, row map[string]string, order *models.NormalizedOrder) *models.NormalizedTrade {
	tradeSide := NormalizeTradeSide(rawSideValue(mappings, row))
	if tradeSide == "" {
		tradeSide = models.TradeSide(order.Side)
	}
	return &models.NormalizedTrade{
		Symbol:         order.Symbol,
		Side:           tradeSide,
		Quantity:       order.Quantity,
		Price:          order.LimitPrice,
		ExecutedTime:   order.OrderExecutedTime,
		AccountID:      order.AccountID,
		BrokerMetadata: order.BrokerMetadata,
	}
}

// rawSideValue finds the untransformed side token in the row, for error
// messages and trade-side normalization.
func rawSideValue(mappings []models.ColumnMapping, row map[string]string) string {
	for _, m := range orderMappings(mappings) {
		if m.TargetColumn != "side" {
			continue
		}
		if raw, ok := lookupColumn(row, m.SourceColumn); ok && raw != "" {
			return raw
		}
	}
	return ""
}
