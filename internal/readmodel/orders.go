package readmodel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/example/eventcore/internal/infrastructure/store"
	"github.com/example/eventcore/internal/query"
)

// OrderColumns are the queryable fields of OrderSummary. Time fields compare
// as unix milliseconds.
var OrderColumns = query.Columns{
	"tenant_id":   "tenant_id",
	"order_id":    "order_id",
	"customer_id": "customer_id",
	"status":      "status",
	"total":       "total",
	"item_count":  "item_count",
	"version":     "version",
	"placed_at":   "placed_at",
	"updated_at":  "updated_at",
}

const orderSummaryColumns = `tenant_id, order_id, customer_id, status, total, item_count, reason, version, placed_at, updated_at`

type OrderSummaryStore struct {
	dialect store.Dialect
}

func NewOrderSummaryStore(d store.Dialect) *OrderSummaryStore {
	return &OrderSummaryStore{dialect: d}
}

// Upsert writes s unless the stored row already reflects the same or a later
// stream version. It reports whether the row changed.
func (st *OrderSummaryStore) Upsert(ctx context.Context, q store.DBTX, s OrderSummary) (bool, error) {
	res, err := q.ExecContext(ctx, st.dialect.Rebind(`INSERT INTO order_summaries (`+orderSummaryColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, order_id) DO UPDATE SET
		customer_id = excluded.customer_id, status = excluded.status, total = excluded.total,
		item_count = excluded.item_count, reason = excluded.reason, version = excluded.version,
		placed_at = excluded.placed_at, updated_at = excluded.updated_at
	WHERE order_summaries.version < excluded.version`),
		s.TenantID, s.OrderID, s.CustomerID, s.Status, s.Total, s.ItemCount, s.Reason, s.Version,
		s.PlacedAt.UnixMilli(), s.UpdatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("upsert order summary %s: %w", s.OrderID, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (st *OrderSummaryStore) Get(ctx context.Context, q store.DBTX, tenantID, orderID string) (OrderSummary, error) {
	row := q.QueryRowContext(ctx, st.dialect.Rebind(`SELECT `+orderSummaryColumns+`
	FROM order_summaries WHERE tenant_id = ? AND order_id = ?`), tenantID, orderID)
	s, err := scanOrderSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return OrderSummary{}, ErrNotFound
	}
	if err != nil {
		return OrderSummary{}, fmt.Errorf("get order summary %s: %w", orderID, err)
	}
	return s, nil
}

// Find returns the summaries matching spec.
func (st *OrderSummaryStore) Find(ctx context.Context, q store.DBTX, spec query.Spec) ([]OrderSummary, error) {
	clause, args, err := spec.SQL(OrderColumns)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, st.dialect.Rebind(`SELECT `+orderSummaryColumns+` FROM order_summaries`+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("find order summaries: %w", err)
	}
	defer rows.Close()

	var out []OrderSummary
	for rows.Next() {
		s, err := scanOrderSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes the summaries of tenantID, or all of them for the wildcard
// tenant.
func (st *OrderSummaryStore) Delete(ctx context.Context, q store.DBTX, tenantID string) error {
	where, args := tenantFilter(tenantID)
	if _, err := q.ExecContext(ctx, st.dialect.Rebind(`DELETE FROM order_summaries`+where), args...); err != nil {
		return fmt.Errorf("delete order summaries: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrderSummary(row rowScanner) (OrderSummary, error) {
	var (
		s                 OrderSummary
		placed, updatedAt int64
	)
	err := row.Scan(&s.TenantID, &s.OrderID, &s.CustomerID, &s.Status, &s.Total, &s.ItemCount,
		&s.Reason, &s.Version, &placed, &updatedAt)
	if err != nil {
		return OrderSummary{}, err
	}
	s.PlacedAt = time.UnixMilli(placed).UTC()
	s.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return s, nil
}
