// Package receipt records validated purchase receipts.
package receipt

import (
	"context"
	"time"

	"github.com/xraph/entitle/id"
)

// StatusValidated marks a receipt accepted by the purchase path.
const StatusValidated = "validated"

// Receipt is an append-only record of a validated purchase.
type Receipt struct {
	ID            id.ReceiptID `json:"id" bson:"_id" firestore:"-"`
	UserID        string       `json:"userId" bson:"userId" firestore:"userId"`
	TransactionID string       `json:"transactionId,omitempty" bson:"transactionId,omitempty" firestore:"transactionId,omitempty"`
	Token         string       `json:"token,omitempty" bson:"token,omitempty" firestore:"token,omitempty"`
	ProductID     string       `json:"productId,omitempty" bson:"productId,omitempty" firestore:"productId,omitempty"`
	Platform      string       `json:"platform,omitempty" bson:"platform,omitempty" firestore:"platform,omitempty"`
	Status        string       `json:"status" bson:"status" firestore:"status"`
	Timestamp     time.Time    `json:"timestamp" bson:"timestamp" firestore:"timestamp"`
}

// PurchaseID is the identifier written to the entitlement's lastPurchaseId.
func (r *Receipt) PurchaseID() string {
	if r.TransactionID != "" {
		return r.TransactionID
	}
	return r.Token
}

// Store persists receipts.
type Store interface {
	Record(ctx context.Context, r *Receipt) error
	ListReceipts(ctx context.Context, userID string) ([]*Receipt, error)
}
