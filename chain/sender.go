// Package chain holds the narrow capability the control plane uses to reach
// the settlement layer: a sender, a per-signer nonce manager, a fee strategy,
// and the failure classifier that decides between retry and dead-letter.
package chain

import (
	"context"

	"github.com/google/uuid"

	"loanbridge/action"
	"loanbridge/models"
)

// ReceiptStatus is the terminal outcome of a mined transaction.
type ReceiptStatus string

// Receipt statuses.
const (
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
)

// Receipt is the pipeline's view of a mined transaction.
type Receipt struct {
	TxHash        string
	BlockNumber   uint64
	GasUsed       uint64
	Status        ReceiptStatus
	RevertReason  string
	Confirmations int
	// LoanContract carries the per-loan contract address emitted by a
	// successful CREATE_LOAN; empty otherwise.
	LoanContract string
}

// SendRequest submits one action.
type SendRequest struct {
	ID      uuid.UUID
	LoanID  uuid.UUID
	Type    models.ActionType
	Payload action.Payload
}

// SendResult reports the accepted submission.
type SendResult struct {
	TxHash string
	Nonce  uint64
}

// BumpRequest re-submits a stuck transaction at the same nonce with higher
// fees (replace-by-fee).
type BumpRequest struct {
	LoanID  uuid.UUID
	Type    models.ActionType
	Payload action.Payload
	Nonce   uint64
}

// BumpResult reports the replacement submission.
type BumpResult struct {
	TxHash string
}

// Sender is the capability the pipeline drives. Implementations own calldata
// construction, fee policy, and signing; the pipeline never couples to their
// internals.
type Sender interface {
	SendAction(ctx context.Context, req SendRequest) (SendResult, error)
	BumpAndReplace(ctx context.Context, req BumpRequest) (BumpResult, error)
	// GetReceipt returns nil with no error while the transaction is still
	// pending.
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
	IsHealthy(ctx context.Context) bool
}
