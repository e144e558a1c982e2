package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Entity is the capability shared by every synced record variant: a stable
// identifier, a comparable modification timestamp, and a soft-delete flag.
// Records are never physically removed during sync.
type Entity interface {
	EntityID() uuid.UUID
	ModifiedAt() time.Time
	Deleted() bool
}

// Meta carries the fields the conflict resolver compares.
type Meta struct {
	ID        uuid.UUID
	UpdatedAt time.Time
	IsDeleted bool
}

// CustomerDelta is the wire representation of one customer record.
type CustomerDelta struct {
	ID        uuid.UUID       `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	IsDeleted bool            `json:"is_deleted"`
	Name      string          `json:"name"`
	Phone     string          `json:"phone,omitempty"`
	Email     string          `json:"email,omitempty"`
	Balance   decimal.Decimal `json:"balance"`
}

// ProductDelta is the wire representation of one product record.
type ProductDelta struct {
	ID        uuid.UUID       `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	IsDeleted bool            `json:"is_deleted"`
	Name      string          `json:"name"`
	SKU       string          `json:"sku,omitempty"`
	Price     decimal.Decimal `json:"price"`
	StockQty  decimal.Decimal `json:"stock_qty"`
	Unit      string          `json:"unit,omitempty"`
}

// BillItemDelta is one line item, synced atomically with its owning bill.
type BillItemDelta struct {
	ID        uuid.UUID       `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	IsDeleted bool            `json:"is_deleted"`
	BillID    uuid.UUID       `json:"bill_id"`
	ProductID uuid.UUID       `json:"product_id,omitempty"`
	Qty       decimal.Decimal `json:"qty"`
	Price     decimal.Decimal `json:"price"`
	Total     decimal.Decimal `json:"total"`
}

// BillDelta is the wire representation of one bill together with its items.
type BillDelta struct {
	ID            uuid.UUID       `json:"id"`
	UpdatedAt     time.Time       `json:"updated_at"`
	IsDeleted     bool            `json:"is_deleted"`
	CustomerID    uuid.UUID       `json:"customer_id,omitempty"`
	InvoiceNumber string          `json:"invoice_number"`
	BillDate      time.Time       `json:"bill_date"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Status        string          `json:"status"`
	Items         []BillItemDelta `json:"items"`
}

// EntityID implements Entity.
func (d CustomerDelta) EntityID() uuid.UUID { return d.ID }

// ModifiedAt implements Entity.
func (d CustomerDelta) ModifiedAt() time.Time { return d.UpdatedAt }

// Deleted implements Entity.
func (d CustomerDelta) Deleted() bool { return d.IsDeleted }

// EntityID implements Entity.
func (d ProductDelta) EntityID() uuid.UUID { return d.ID }

// ModifiedAt implements Entity.
func (d ProductDelta) ModifiedAt() time.Time { return d.UpdatedAt }

// Deleted implements Entity.
func (d ProductDelta) Deleted() bool { return d.IsDeleted }

// EntityID implements Entity.
func (d BillItemDelta) EntityID() uuid.UUID { return d.ID }

// ModifiedAt implements Entity.
func (d BillItemDelta) ModifiedAt() time.Time { return d.UpdatedAt }

// Deleted implements Entity.
func (d BillItemDelta) Deleted() bool { return d.IsDeleted }

// EntityID implements Entity.
func (d BillDelta) EntityID() uuid.UUID { return d.ID }

// ModifiedAt implements Entity.
func (d BillDelta) ModifiedAt() time.Time { return d.UpdatedAt }

// Deleted implements Entity.
func (d BillDelta) Deleted() bool { return d.IsDeleted }

// DeltaBatch groups deltas by entity type for one push or pull exchange.
// Bills carry their line items; BillItem never appears at the top level of a
// batch.
type DeltaBatch struct {
	Customers []CustomerDelta `json:"customers"`
	Products  []ProductDelta  `json:"products"`
	Bills     []BillDelta     `json:"bills"`
}

// Empty reports whether the batch carries no deltas.
func (b DeltaBatch) Empty() bool {
	return len(b.Customers) == 0 && len(b.Products) == 0 && len(b.Bills) == 0
}

// Size returns the number of top-level deltas in the batch.
func (b DeltaBatch) Size() int {
	return len(b.Customers) + len(b.Products) + len(b.Bills)
}
