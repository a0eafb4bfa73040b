package firestore

import (
	"fmt"
	"time"

	"github.com/xraph/entitle/entitlement"
	"github.com/xraph/entitle/id"
	"github.com/xraph/entitle/receipt"
	"github.com/xraph/entitle/types"
)

// entitlementDoc is the document shape of the subscriptions collection. The
// document id is the record id and is not repeated in the body.
type entitlementDoc struct {
	UserID            string     `firestore:"userId"`
	Tier              string     `firestore:"tier"`
	Status            string     `firestore:"status"`
	StartDate         time.Time  `firestore:"startDate"`
	EndDate           time.Time  `firestore:"endDate"`
	AutoRenew         bool       `firestore:"autoRenew"`
	LastLimitIncrease *time.Time `firestore:"lastLimitIncrease,omitempty"`
	BookLimit         int        `firestore:"bookLimit"`
	BooksRead         int        `firestore:"booksRead"`
	LastPurchaseID    string     `firestore:"lastPurchaseId,omitempty"`
	SchemaVersion     int        `firestore:"schemaVersion"`
	CreatedAt         time.Time  `firestore:"createdAt,serverTimestamp"`
	UpdatedAt         time.Time  `firestore:"updatedAt,serverTimestamp"`
}

// toEntitlementDoc converts e for writing. UpdatedAt is left zero so the
// server stamps it.
func toEntitlementDoc(e *entitlement.Entitlement) *entitlementDoc {
	var last *time.Time
	if e.LastLimitIncrease != nil {
		t := e.LastLimitIncrease.UTC()
		last = &t
	}
	return &entitlementDoc{
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
	}
}

func fromEntitlementDoc(docID string, d *entitlementDoc) *entitlement.Entitlement {
	return &entitlement.Entitlement{
		Entity: types.Entity{
			CreatedAt: d.CreatedAt.UTC(),
			UpdatedAt: d.UpdatedAt.UTC(),
		},
		ID:                docID,
		UserID:            d.UserID,
		Tier:              entitlement.Tier(d.Tier),
		Status:            entitlement.Status(d.Status),
		StartDate:         d.StartDate.UTC(),
		EndDate:           d.EndDate.UTC(),
		AutoRenew:         d.AutoRenew,
		LastLimitIncrease: d.LastLimitIncrease,
		BookLimit:         d.BookLimit,
		BooksRead:         d.BooksRead,
		LastPurchaseID:    d.LastPurchaseID,
		SchemaVersion:     d.SchemaVersion,
	}
}

type receiptDoc struct {
	UserID        string    `firestore:"userId"`
	TransactionID string    `firestore:"transactionId,omitempty"`
	Token         string    `firestore:"token,omitempty"`
	ProductID     string    `firestore:"productId,omitempty"`
	Platform      string    `firestore:"platform,omitempty"`
	Status        string    `firestore:"status"`
	Timestamp     time.Time `firestore:"timestamp,serverTimestamp"`
}

func toReceiptDoc(r *receipt.Receipt) *receiptDoc {
	return &receiptDoc{
		UserID:        r.UserID,
		TransactionID: r.TransactionID,
		Token:         r.Token,
		ProductID:     r.ProductID,
		Platform:      r.Platform,
		Status:        r.Status,
		Timestamp:     r.Timestamp.UTC(),
	}
}

func fromReceiptDoc(docID string, d *receiptDoc) (*receipt.Receipt, error) {
	rid, err := id.ParseReceiptID(docID)
	if err != nil {
		return nil, fmt.Errorf("parse receipt id %q: %w", docID, err)
	}
	return &receipt.Receipt{
		ID:            rid,
		UserID:        d.UserID,
		TransactionID: d.TransactionID,
		Token:         d.Token,
		ProductID:     d.ProductID,
		Platform:      d.Platform,
		Status:        d.Status,
		Timestamp:     d.Timestamp.UTC(),
	}, nil
}
