package models

import "time"

// OrderSide is the canonical order direction.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// TradeSide extends the order vocabulary with short-selling directions used
// by trade-level records.
type TradeSide string

const (
	TradeSideBuy   TradeSide = "BUY"
	TradeSideSell  TradeSide = "SELL"
	TradeSideShort TradeSide = "SHORT"
	TradeSideCover TradeSide = "COVER"
)

// OrderStatus classifies which bucket of a multi-section statement an order
// came from. Flat single-table exports always produce FILLED orders.
type OrderStatus string

const (
	OrderStatusWorking   OrderStatus = "WORKING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// NormalizedOrder is the canonical output row of the ingestion pipeline.
// Broker-specific leftovers that map to no canonical field are bucketed
// into BrokerMetadata.
type NormalizedOrder struct {
	ID                 int64             `json:"id"`
	UserID             int64             `json:"user_id"`
	ImportBatchID      string            `json:"import_batch_id"`
	Symbol             string            `json:"symbol"`
	Side               OrderSide         `json:"side"`
	Quantity           float64           `json:"quantity"`
	LimitPrice         float64           `json:"limit_price"`
	Status             OrderStatus       `json:"status"`
	OrderPlacedTime    time.Time         `json:"order_placed_time"`
	OrderExecutedTime  time.Time         `json:"order_executed_time"`
	OrderCancelledTime *time.Time        `json:"order_cancelled_time,omitempty"`
	AccountID          string            `json:"account_id,omitempty"`
	BrokerType         string            `json:"broker_type"`
	BrokerMetadata     map[string]string `json:"broker_metadata,omitempty"`
	Tags               []string          `json:"tags,omitempty"`
}

// NormalizedTrade is the trade-level canonical record, carrying the wider
// side vocabulary (SHORT/COVER) for short-selling flows.
type NormalizedTrade struct {
	ID             int64             `json:"id"`
	UserID         int64             `json:"user_id"`
	ImportBatchID  string            `json:"import_batch_id"`
	Symbol         string            `json:"symbol"`
	Side           TradeSide         `json:"side"`
	Quantity       float64           `json:"quantity"`
	Price          float64           `json:"price"`
	ExecutedTime   time.Time         `json:"executed_time"`
	AccountID      string            `json:"account_id,omitempty"`
	BrokerType     string            `json:"broker_type"`
	BrokerMetadata map[string]string `json:"broker_metadata,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
}
