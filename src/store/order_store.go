package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
)

// OrderStore persists normalized orders and trades and backs the duplicate
// guard. Duplicate scoping is user + symbol + quantity + executed time +
// broker, so concurrent imports for different users never interact.
type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

// ExistsDuplicate reports whether an order with the same identity tuple is
// already persisted for this user.
func (s *OrderStore) ExistsDuplicate(userID int64, symbol string, quantity float64, executedAt time.Time, brokerType string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM normalized_orders
		WHERE user_id = ? AND symbol = ? AND quantity = ? AND order_executed_time = ? AND broker_type = ?`,
		userID, symbol, quantity, executedAt, brokerType).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking duplicate order: %w", err)
	}
	return count > 0, nil
}

// InsertOrder persists one normalized order. A UNIQUE violation on the
// duplicate-guard tuple is reported as a duplicate, not an error, so a
// concurrent writer racing the ExistsDuplicate read cannot double-count.
func (s *OrderStore) InsertOrder(order *models.NormalizedOrder) (duplicate bool, err error) {
	metadataJSON, err := marshalJSON(order.BrokerMetadata)
	if err != nil {
		return false, fmt.Errorf("marshaling broker metadata: %w", err)
	}
	tagsJSON, err := marshalJSON(order.Tags)
	if err != nil {
		return false, fmt.Errorf("marshaling tags: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO normalized_orders
		(user_id, import_batch_id, symbol, side, quantity, limit_price, status,
		 order_placed_time, order_executed_time, order_cancelled_time,
		 account_id, broker_type, broker_metadata, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.UserID, order.ImportBatchID, order.Symbol, string(order.Side),
		order.Quantity, order.LimitPrice, string(order.Status),
		order.OrderPlacedTime, order.OrderExecutedTime, order.OrderCancelledTime,
		order.AccountID, order.BrokerType, metadataJSON, tagsJSON)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint failed") {
			logger.L.Debug("Skipping duplicate order on insert",
				"userID", order.UserID, "symbol", order.Symbol, "executedAt", order.OrderExecutedTime)
			return true, nil
		}
		return false, fmt.Errorf("inserting normalized order: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		order.ID = id
	}
	return false, nil
}

// InsertTrade persists one normalized trade with the same duplicate
// tolerance as orders.
func (s *OrderStore) InsertTrade(trade *models.NormalizedTrade) (duplicate bool, err error) {
	metadataJSON, err := marshalJSON(trade.BrokerMetadata)
	if err != nil {
		return false, fmt.Errorf("marshaling broker metadata: %w", err)
	}
	tagsJSON, err := marshalJSON(trade.Tags)
	if err != nil {
		return false, fmt.Errorf("marshaling tags: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO normalized_trades
		(user_id, import_batch_id, symbol, side, quantity, price, executed_time,
		 account_id, broker_type, broker_metadata, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.UserID, trade.ImportBatchID, trade.Symbol, string(trade.Side),
		trade.Quantity, trade.Price, trade.ExecutedTime, trade.AccountID,
		trade.BrokerType, metadataJSON, tagsJSON)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint failed") {
			logger.L.Debug("Skipping duplicate trade on insert",
				"userID", trade.UserID, "symbol", trade.Symbol, "executedAt", trade.ExecutedTime)
			return true, nil
		}
		return false, fmt.Errorf("inserting normalized trade: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		trade.ID = id
	}
	return false, nil
}

// CountByBatch returns how many orders a batch produced, for audit queries.
func (s *OrderStore) CountByBatch(userID int64, batchID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM normalized_orders WHERE user_id = ? AND import_batch_id = ?`,
		userID, batchID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting orders for batch %s: %w", batchID, err)
	}
	return count, nil
}
