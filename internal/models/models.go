package models

import (
	"math/big"
	"time"
)

// Order is an exchange order tracked by the coordinator, identified by its
// content hash. Orders are immutable once stored: the same payload always
// resolves to the same row.
type Order struct {
	Hash                  string // 0x-prefixed keccak256 content hash
	MakerAddress          string
	TakerAddress          string
	FeeRecipientAddress   string
	SenderAddress         string
	MakerAssetAmount      *big.Int
	TakerAssetAmount      *big.Int
	MakerFee              *big.Int
	TakerFee              *big.Int
	ExpirationTimeSeconds int64
	Salt                  *big.Int
	MakerAssetData        string
	TakerAssetData        string
	CreatedAt             time.Time
}

// Transaction is one signed approval request from a taker, committing fill
// amounts against a set of orders until it expires. Never mutated after
// creation.
type Transaction struct {
	ID                    int64
	Signature             string
	TakerAddress          string
	ExpirationTimeSeconds int64
	Orders                []Order
	FillAmounts           []FillAmount
	CreatedAt             time.Time
}

// Unexpired reports whether the transaction's expiry is strictly in the
// future relative to now (unix seconds).
func (t Transaction) Unexpired(now int64) bool {
	return t.ExpirationTimeSeconds > now
}

// FillAmount is the quantity one transaction commits against one order.
// Owned by its transaction; one row per (transaction, order) pair.
type FillAmount struct {
	ID                   int64
	TransactionID        int64
	OrderHash            string
	TakerAssetFillAmount *big.Int
}

// OutstandingSignature is an unexpired transaction's live commitment against
// a specific order, visible across all takers.
type OutstandingSignature struct {
	OrderHash             string
	Signature             string
	ExpirationTimeSeconds int64
	TakerAssetFillAmount  *big.Int
}

// Broadcast message types sent to websocket subscribers.
const (
	MessageTypeCancelRequestAccepted = "CANCEL_REQUEST_ACCEPTED"
)

// BroadcastMessage is the payload fanned out to every subscriber of a network.
// It is serialized once per broadcast so every recipient sees identical bytes.
type BroadcastMessage struct {
	Type string        `json:"type"`
	Data BroadcastData `json:"data"`
}

// BroadcastData identifies the orders a notification concerns.
type BroadcastData struct {
	OrderHashes  []string `json:"orderHashes"`
	TakerAddress string   `json:"takerAddress,omitempty"`
}
