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

var CustomerColumns = query.Columns{
	"tenant_id":        "tenant_id",
	"customer_id":      "customer_id",
	"email":            "email",
	"name":             "name",
	"active":           "active",
	"orders_placed":    "orders_placed",
	"orders_cancelled": "orders_cancelled",
	"lifetime_value":   "lifetime_value",
	"updated_at":       "updated_at",
}

const customerStatsColumns = `tenant_id, customer_id, email, name, active, orders_placed, orders_cancelled, lifetime_value, updated_at`

type CustomerStatsStore struct {
	dialect store.Dialect
}

func NewCustomerStatsStore(d store.Dialect) *CustomerStatsStore {
	return &CustomerStatsStore{dialect: d}
}

// SaveProfile sets the profile fields of a customer, leaving its counters
// alone.
func (st *CustomerStatsStore) SaveProfile(ctx context.Context, q store.DBTX, s CustomerStats) error {
	_, err := q.ExecContext(ctx, st.dialect.Rebind(`INSERT INTO customer_stats
	(tenant_id, customer_id, email, name, active, updated_at) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, customer_id) DO UPDATE SET
		email = excluded.email, name = excluded.name, active = excluded.active, updated_at = excluded.updated_at`),
		s.TenantID, s.CustomerID, s.Email, s.Name, s.Active, s.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save customer profile %s: %w", s.CustomerID, err)
	}
	return nil
}

// Counters are increments applied to a customer's order activity.
type Counters struct {
	Placed    int
	Cancelled int
	Value     int
}

// AddCounters adds c to the customer's counters, creating the row if the
// customer has not been seen yet.
func (st *CustomerStatsStore) AddCounters(ctx context.Context, q store.DBTX, tenantID, customerID string, c Counters, at time.Time) error {
	_, err := q.ExecContext(ctx, st.dialect.Rebind(`INSERT INTO customer_stats
	(tenant_id, customer_id, orders_placed, orders_cancelled, lifetime_value, updated_at) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (tenant_id, customer_id) DO UPDATE SET
		orders_placed = customer_stats.orders_placed + excluded.orders_placed,
		orders_cancelled = customer_stats.orders_cancelled + excluded.orders_cancelled,
		lifetime_value = customer_stats.lifetime_value + excluded.lifetime_value,
		updated_at = excluded.updated_at`),
		tenantID, customerID, c.Placed, c.Cancelled, c.Value, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("update customer counters %s: %w", customerID, err)
	}
	return nil
}

// SaveOrderRef remembers which customer placed an order and for how much,
// so later order events can be attributed.
func (st *CustomerStatsStore) SaveOrderRef(ctx context.Context, q store.DBTX, tenantID, orderID, customerID string, total int) error {
	_, err := q.ExecContext(ctx, st.dialect.Rebind(`INSERT INTO customer_order_refs (tenant_id, order_id, customer_id, total)
	VALUES (?, ?, ?, ?) ON CONFLICT (tenant_id, order_id) DO NOTHING`), tenantID, orderID, customerID, total)
	if err != nil {
		return fmt.Errorf("save order ref %s: %w", orderID, err)
	}
	return nil
}

// OrderRef returns the customer and total recorded for orderID.
func (st *CustomerStatsStore) OrderRef(ctx context.Context, q store.DBTX, tenantID, orderID string) (string, int, error) {
	var (
		customerID string
		total      int
	)
	err := q.QueryRowContext(ctx, st.dialect.Rebind(`SELECT customer_id, total FROM customer_order_refs
	WHERE tenant_id = ? AND order_id = ?`), tenantID, orderID).Scan(&customerID, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("read order ref %s: %w", orderID, err)
	}
	return customerID, total, nil
}

func (st *CustomerStatsStore) Get(ctx context.Context, q store.DBTX, tenantID, customerID string) (CustomerStats, error) {
	row := q.QueryRowContext(ctx, st.dialect.Rebind(`SELECT `+customerStatsColumns+`
	FROM customer_stats WHERE tenant_id = ? AND customer_id = ?`), tenantID, customerID)
	s, err := scanCustomerStats(row)
	if errors.Is(err, sql.ErrNoRows) {
		return CustomerStats{}, ErrNotFound
	}
	if err != nil {
		return CustomerStats{}, fmt.Errorf("get customer stats %s: %w", customerID, err)
	}
	return s, nil
}

func (st *CustomerStatsStore) Find(ctx context.Context, q store.DBTX, spec query.Spec) ([]CustomerStats, error) {
	clause, args, err := spec.SQL(CustomerColumns)
	if err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx, st.dialect.Rebind(`SELECT `+customerStatsColumns+` FROM customer_stats`+clause), args...)
	if err != nil {
		return nil, fmt.Errorf("find customer stats: %w", err)
	}
	defer rows.Close()

	var out []CustomerStats
	for rows.Next() {
		s, err := scanCustomerStats(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes the stats and order refs of tenantID, or everything for
// the wildcard tenant.
func (st *CustomerStatsStore) Delete(ctx context.Context, q store.DBTX, tenantID string) error {
	where, args := tenantFilter(tenantID)
	for _, table := range []string{"customer_stats", "customer_order_refs"} {
		if _, err := q.ExecContext(ctx, st.dialect.Rebind(`DELETE FROM `+table+where), args...); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return nil
}

func scanCustomerStats(row rowScanner) (CustomerStats, error) {
	var (
		s       CustomerStats
		updated int64
	)
	err := row.Scan(&s.TenantID, &s.CustomerID, &s.Email, &s.Name, &s.Active,
		&s.OrdersPlaced, &s.OrdersCancelled, &s.LifetimeValue, &updated)
	if err != nil {
		return CustomerStats{}, err
	}
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return s, nil
}
