package models

import "time"

// AccountType identifies which kind of balance a ledger line touches.
type AccountType string

const (
	AccountCaisse AccountType = "caisse"
	AccountWallet AccountType = "wallet"
)

// Direction is credit or debit.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// TransactionKind explains why money moved.
type TransactionKind string

const (
	KindContribution TransactionKind = "contribution"
	KindPayout       TransactionKind = "payout"
	KindTopUp        TransactionKind = "top_up"
	KindPenalty      TransactionKind = "penalty"
	KindReversal     TransactionKind = "reversal"
)

// LedgerEntry describes a balance change before it is applied.
type LedgerEntry struct {
	Kind      TransactionKind
	Reference string
	TontineID string
}

// LedgerTransaction is the immutable audit line written for every balance change.
type LedgerTransaction struct {
	ID           string
	AccountType  AccountType
	AccountID    string
	Direction    Direction
	Amount       int64
	BalanceAfter int64
	Kind         TransactionKind
	Reference    string
	TontineID    string
	CreatedAt    time.Time
}

// Wallet is a user's Nkap balance.
type Wallet struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}
