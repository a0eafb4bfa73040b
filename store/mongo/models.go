package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/grove"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/receipt"
	"github.com/xraph/entitle/types"
)

// ==================== Entitlement models ====================

type entitlementModel struct {
	grove.BaseModel `grove:"table:subscriptions"`

	ID                string     `grove:"id,pk" bson:"_id"`
	UserID            string     `grove:"userId" bson:"userId"`
	Tier              string     `grove:"tier" bson:"tier"`
	Status            string     `grove:"status" bson:"status"`
	StartDate         time.Time  `grove:"startDate" bson:"startDate"`
	EndDate           time.Time  `grove:"endDate" bson:"endDate"`
	AutoRenew         bool       `grove:"autoRenew" bson:"autoRenew"`
	LastLimitIncrease *time.Time `grove:"lastLimitIncrease" bson:"lastLimitIncrease,omitempty"`
	BookLimit         int        `grove:"bookLimit" bson:"bookLimit"`
	BooksRead         int        `grove:"booksRead" bson:"booksRead"`
	LastPurchaseID    string     `grove:"lastPurchaseId" bson:"lastPurchaseId,omitempty"`
	SchemaVersion     int        `grove:"schemaVersion" bson:"schemaVersion"`
	CreatedAt         time.Time  `grove:"createdAt" bson:"createdAt"`
	UpdatedAt         time.Time  `grove:"updatedAt" bson:"updatedAt"`
}

func toEntitlementModel(e *entitlement.Entitlement) *entitlementModel {
	var last *time.Time
	if e.LastLimitIncrease != nil {
		t := e.LastLimitIncrease.UTC()
		last = &t
	}
	return &entitlementModel{
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

func fromEntitlementModel(m *entitlementModel) *entitlement.Entitlement {
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

// ==================== Receipt models ====================

type receiptModel struct {
	grove.BaseModel `grove:"table:purchase_receipts"`

	ID            string    `grove:"id,pk" bson:"_id"`
	UserID        string    `grove:"userId" bson:"userId"`
	TransactionID string    `grove:"transactionId" bson:"transactionId,omitempty"`
	Token         string    `grove:"token" bson:"token,omitempty"`
	ProductID     string    `grove:"productId" bson:"productId,omitempty"`
	Platform      string    `grove:"platform" bson:"platform,omitempty"`
	Status        string    `grove:"status" bson:"status"`
	Timestamp     time.Time `grove:"timestamp" bson:"timestamp"`
}

func toReceiptModel(r *receipt.Receipt) *receiptModel {
	return &receiptModel{
		ID:            r.ID.String(),
		UserID:        r.UserID,
		TransactionID: r.TransactionID,
		Token:         r.Token,
		ProductID:     r.ProductID,
		Platform:      r.Platform,
		Status:        r.Status,
		Timestamp:     r.Timestamp.UTC(),
	}
}

func fromReceiptModel(m *receiptModel) (*receipt.Receipt, error) {
	rid, err := id.ParseReceiptID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse receipt id %q: %w", m.ID, err)
	}
	return &receipt.Receipt{
		ID:            rid,
		UserID:        m.UserID,
		TransactionID: m.TransactionID,
		Token:         m.Token,
		ProductID:     m.ProductID,
		Platform:      m.Platform,
		Status:        m.Status,
		Timestamp:     m.Timestamp.UTC(),
	}, nil
}
