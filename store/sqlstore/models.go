package sqlstore

import (
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/receipt"
	"github.com/xraph/entitle/types"
)

// ==================== Entitlement models ====================

// EntitlementRow is the subscriptions table row.
type EntitlementRow struct {
	grove.BaseModel `grove:"table:subscriptions"`

	ID                string     `grove:"id,pk"`
	UserID            string     `grove:"user_id"`
	Tier              string     `grove:"tier"`
	Status            string     `grove:"status"`
	StartDate         time.Time  `grove:"start_date"`
	EndDate           time.Time  `grove:"end_date"`
	AutoRenew         bool       `grove:"auto_renew"`
	LastLimitIncrease *time.Time `grove:"last_limit_increase"`
	BookLimit         int        `grove:"book_limit"`
	BooksRead         int        `grove:"books_read"`
	LastPurchaseID    string     `grove:"last_purchase_id"`
	SchemaVersion     int        `grove:"schema_version"`
	CreatedAt         time.Time  `grove:"created_at"`
	UpdatedAt         time.Time  `grove:"updated_at"`
}

// Columns maps persisted patch keys to SQL columns.
var Columns = map[string]string{
	entitlement.FieldUserID:            "user_id",
	entitlement.FieldTier:              "tier",
	entitlement.FieldStatus:            "status",
	entitlement.FieldStartDate:         "start_date",
	entitlement.FieldEndDate:           "end_date",
	entitlement.FieldAutoRenew:         "auto_renew",
	entitlement.FieldLastLimitIncrease: "last_limit_increase",
	entitlement.FieldBookLimit:         "book_limit",
	entitlement.FieldBooksRead:         "books_read",
	entitlement.FieldLastPurchaseID:    "last_purchase_id",
	entitlement.FieldSchemaVersion:     "schema_version",
	entitlement.FieldCreatedAt:         "created_at",
	entitlement.FieldUpdatedAt:         "updated_at",
}

// ToEntitlementRow converts e to its row, normalising times to UTC.
func ToEntitlementRow(e *entitlement.Entitlement) *EntitlementRow {
	var last *time.Time
	if e.LastLimitIncrease != nil {
		t := e.LastLimitIncrease.UTC()
		last = &t
	}
	return &EntitlementRow{
		ID:                e.ID,
		UserID:            e.UserID,
		Tier:              string(e.Tier),
		Status:            string(e.Status),
		StartDate:         e.StartDate.UTC(),
		EndDate:           e.EndDate.UTC(),
		AutoRenew:         e.AutoRenew,
		LastLimitIncrease: last,
		BookLimit:         e.BookLimit,
		BooksRead:         e.BooksRead,
		LastPurchaseID:    e.LastPurchaseID,
		SchemaVersion:     e.SchemaVersion,
		CreatedAt:         e.CreatedAt.UTC(),
		UpdatedAt:         e.UpdatedAt.UTC(),
	}
}

// FromEntitlementRow converts a row back to the domain type.
func FromEntitlementRow(m *EntitlementRow) *entitlement.Entitlement {
	var last *time.Time
	if m.LastLimitIncrease != nil {
		t := m.LastLimitIncrease.UTC()
		last = &t
	}
	return &entitlement.Entitlement{
		Entity: types.Entity{
			CreatedAt: m.CreatedAt.UTC(),
			UpdatedAt: m.UpdatedAt.UTC(),
		},
		ID:                m.ID,
		UserID:            m.UserID,
		Tier:              entitlement.Tier(m.Tier),
		Status:            entitlement.Status(m.Status),
		StartDate:         m.StartDate.UTC(),
		EndDate:           m.EndDate.UTC(),
		AutoRenew:         m.AutoRenew,
		LastLimitIncrease: last,
		BookLimit:         m.BookLimit,
		BooksRead:         m.BooksRead,
		LastPurchaseID:    m.LastPurchaseID,
		SchemaVersion:     m.SchemaVersion,
	}
}

// FromEntitlementRows converts a scanned slice.
func FromEntitlementRows(rows []EntitlementRow) []*entitlement.Entitlement {
	out := make([]*entitlement.Entitlement, len(rows))
	for i := range rows {
		out[i] = FromEntitlementRow(&rows[i])
	}
	return out
}

// ==================== Receipt models ====================

// ReceiptRow is the purchase_receipts table row. The id column goes through
// id.ID's driver.Valuer and sql.Scanner.
type ReceiptRow struct {
	grove.BaseModel `grove:"table:purchase_receipts"`

	ID            id.ReceiptID `grove:"id,pk"`
	UserID        string       `grove:"user_id"`
	TransactionID string       `grove:"transaction_id"`
	Token         string       `grove:"token"`
	ProductID     string       `grove:"product_id"`
	Platform      string       `grove:"platform"`
	Status        string       `grove:"status"`
	Timestamp     time.Time    `grove:"purchased_at"`
}

// ToReceiptRow converts r to its row.
func ToReceiptRow(r *receipt.Receipt) *ReceiptRow {
	return &ReceiptRow{
		ID:            r.ID,
		UserID:        r.UserID,
		TransactionID: r.TransactionID,
		Token:         r.Token,
		ProductID:     r.ProductID,
		Platform:      r.Platform,
		Status:        r.Status,
		Timestamp:     r.Timestamp.UTC(),
	}
}

// FromReceiptRows converts a scanned slice.
func FromReceiptRows(rows []ReceiptRow) []*receipt.Receipt {
	out := make([]*receipt.Receipt, len(rows))
	for i := range rows {
		m := &rows[i]
		out[i] = &receipt.Receipt{
			ID:            m.ID,
			UserID:        m.UserID,
			TransactionID: m.TransactionID,
			Token:         m.Token,
			ProductID:     m.ProductID,
			Platform:      m.Platform,
			Status:        m.Status,
			Timestamp:     m.Timestamp.UTC(),
		}
	}
	return out
}
