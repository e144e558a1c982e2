package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/billfold/ledgersync/internal/domain/ledgerstore"
	"github.com/billfold/ledgersync/internal/domain/schema"
)

// LedgerStore applies pulled deltas to the synced domain tables. Writes here
// bypass the outbox entirely.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore constructs a LedgerStore backed by the provided pool.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// Upserts carry a timestamp guard so replaying an already-applied delta is a
// no-op: the stored row only changes when the incoming copy is at least as
// new. Ties go to the incoming (remote) side.
const (
	customerUpsertSQL = `
INSERT INTO customers (id, business_id, name, phone, email, balance, updated_at, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE
SET business_id = EXCLUDED.business_id,
    name = EXCLUDED.name,
    phone = EXCLUDED.phone,
    email = EXCLUDED.email,
    balance = EXCLUDED.balance,
    updated_at = EXCLUDED.updated_at,
    is_deleted = EXCLUDED.is_deleted
WHERE customers.updated_at <= EXCLUDED.updated_at;
`

	productUpsertSQL = `
INSERT INTO products (id, business_id, name, sku, price, stock_qty, unit, updated_at, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE
SET business_id = EXCLUDED.business_id,
    name = EXCLUDED.name,
    sku = EXCLUDED.sku,
    price = EXCLUDED.price,
    stock_qty = EXCLUDED.stock_qty,
    unit = EXCLUDED.unit,
    updated_at = EXCLUDED.updated_at,
    is_deleted = EXCLUDED.is_deleted
WHERE products.updated_at <= EXCLUDED.updated_at;
`

	billUpsertSQL = `
INSERT INTO bills (id, business_id, customer_id, invoice_number, bill_date, total_amount, status, updated_at, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE
SET business_id = EXCLUDED.business_id,
    customer_id = EXCLUDED.customer_id,
    invoice_number = EXCLUDED.invoice_number,
    bill_date = EXCLUDED.bill_date,
    total_amount = EXCLUDED.total_amount,
    status = EXCLUDED.status,
    updated_at = EXCLUDED.updated_at,
    is_deleted = EXCLUDED.is_deleted
WHERE bills.updated_at <= EXCLUDED.updated_at;
`

	billItemUpsertSQL = `
INSERT INTO bill_items (id, business_id, bill_id, product_id, qty, price, total, updated_at, is_deleted)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (id) DO UPDATE
SET business_id = EXCLUDED.business_id,
    bill_id = EXCLUDED.bill_id,
    product_id = EXCLUDED.product_id,
    qty = EXCLUDED.qty,
    price = EXCLUDED.price,
    total = EXCLUDED.total,
    updated_at = EXCLUDED.updated_at,
    is_deleted = EXCLUDED.is_deleted
WHERE bill_items.updated_at <= EXCLUDED.updated_at;
`
)

// Meta returns the local copy's sync metadata for conflict comparison.
func (s *LedgerStore) Meta(ctx context.Context, ownerID uuid.UUID, entityType schema.EntityType, entityID uuid.UUID) (schema.Meta, bool, error) {
	if s.pool == nil {
		return schema.Meta{}, false, fmt.Errorf("ledger store: nil pool")
	}
	table, err := tableFor(entityType)
	if err != nil {
		return schema.Meta{}, false, err
	}
	query := fmt.Sprintf(`SELECT updated_at, is_deleted FROM %s WHERE id = $1 AND business_id = $2;`, table)

	meta := schema.Meta{ID: entityID}
	err = s.pool.QueryRow(ctx, query, entityID, ownerID).Scan(&meta.UpdatedAt, &meta.IsDeleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Meta{}, false, nil
	}
	if err != nil {
		return schema.Meta{}, false, fmt.Errorf("ledger store: meta %s: %w", table, err)
	}
	return meta, true, nil
}

// ApplyCustomer upserts a pulled customer delta.
func (s *LedgerStore) ApplyCustomer(ctx context.Context, ownerID uuid.UUID, delta schema.CustomerDelta) error {
	if s.pool == nil {
		return fmt.Errorf("ledger store: nil pool")
	}
	balance, err := numericFromDecimal(delta.Balance)
	if err != nil {
		return fmt.Errorf("ledger store: customer balance: %w", err)
	}
	if _, err := s.pool.Exec(ctx, customerUpsertSQL,
		delta.ID,
		ownerID,
		delta.Name,
		nullableText(delta.Phone),
		nullableText(delta.Email),
		balance,
		delta.UpdatedAt,
		delta.IsDeleted,
	); err != nil {
		return fmt.Errorf("ledger store: apply customer: %w", err)
	}
	return nil
}

// ApplyProduct upserts a pulled product delta.
func (s *LedgerStore) ApplyProduct(ctx context.Context, ownerID uuid.UUID, delta schema.ProductDelta) error {
	if s.pool == nil {
		return fmt.Errorf("ledger store: nil pool")
	}
	price, err := numericFromDecimal(delta.Price)
	if err != nil {
		return fmt.Errorf("ledger store: product price: %w", err)
	}
	stockQty, err := numericFromDecimal(delta.StockQty)
	if err != nil {
		return fmt.Errorf("ledger store: product stock: %w", err)
	}
	if _, err := s.pool.Exec(ctx, productUpsertSQL,
		delta.ID,
		ownerID,
		delta.Name,
		nullableText(delta.SKU),
		price,
		stockQty,
		nullableText(delta.Unit),
		delta.UpdatedAt,
		delta.IsDeleted,
	); err != nil {
		return fmt.Errorf("ledger store: apply product: %w", err)
	}
	return nil
}

// ApplyBill upserts a pulled bill with its line items in one transaction.
func (s *LedgerStore) ApplyBill(ctx context.Context, ownerID uuid.UUID, delta schema.BillDelta) error {
	if s.pool == nil {
		return fmt.Errorf("ledger store: nil pool")
	}
	totalAmount, err := numericFromDecimal(delta.TotalAmount)
	if err != nil {
		return fmt.Errorf("ledger store: bill total: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger store: begin bill: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, billUpsertSQL,
		delta.ID,
		ownerID,
		nullableUUID(delta.CustomerID),
		delta.InvoiceNumber,
		delta.BillDate,
		totalAmount,
		delta.Status,
		delta.UpdatedAt,
		delta.IsDeleted,
	); err != nil {
		return fmt.Errorf("ledger store: apply bill: %w", err)
	}

	for _, item := range delta.Items {
		qty, err := numericFromDecimal(item.Qty)
		if err != nil {
			return fmt.Errorf("ledger store: bill item qty: %w", err)
		}
		price, err := numericFromDecimal(item.Price)
		if err != nil {
			return fmt.Errorf("ledger store: bill item price: %w", err)
		}
		total, err := numericFromDecimal(item.Total)
		if err != nil {
			return fmt.Errorf("ledger store: bill item total: %w", err)
		}
		if _, err := tx.Exec(ctx, billItemUpsertSQL,
			item.ID,
			ownerID,
			item.BillID,
			nullableUUID(item.ProductID),
			qty,
			price,
			total,
			item.UpdatedAt,
			item.IsDeleted,
		); err != nil {
			return fmt.Errorf("ledger store: apply bill item: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger store: commit bill: %w", err)
	}
	return nil
}

func tableFor(entityType schema.EntityType) (string, error) {
	switch entityType {
	case schema.EntityCustomer:
		return "customers", nil
	case schema.EntityProduct:
		return "products", nil
	case schema.EntityBill:
		return "bills", nil
	case schema.EntityBillItem:
		return "bill_items", nil
	default:
		return "", fmt.Errorf("ledger store: unknown entity type %q", entityType)
	}
}

func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableUUID(value uuid.UUID) any {
	if value == uuid.Nil {
		return nil
	}
	return value
}

var _ ledgerstore.Store = (*LedgerStore)(nil)
