// Package energy owns the credit ledger: account balances, the append-only
// transaction log, and the reserve/settle/refund/grant lifecycle.
package energy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	TypeSpend  EntryType = "SPEND"
	TypeRefund EntryType = "REFUND"
	TypeGrant  EntryType = "GRANT"
)

// EntryStatus is the lifecycle state of a ledger entry. RESERVED entries are
// open holds; SETTLED and REFUNDED are terminal.
type EntryStatus string

const (
	StatusReserved EntryStatus = "RESERVED"
	StatusSettled  EntryStatus = "SETTLED"
	StatusRefunded EntryStatus = "REFUNDED"
)

// Role is the account's platform role.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Account carries the spendable balance plus the fields tier resolution needs.
// Credits are mutated only through Store operations, never assigned directly.
type Account struct {
	ID                 string    `json:"id"`
	Credits            int64     `json:"credits"`
	Role               Role      `json:"role"`
	SubscriptionStatus string    `json:"subscriptionStatus,omitempty"`
	SubscriptionTier   string    `json:"subscriptionTier,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Entry is one immutable row of the transaction log. Delta is negative for
// spends/reservations and positive for refunds and grants; BalanceAfter
// snapshots the balance at write time so the log reconstructs history.
type Entry struct {
	ID               string         `json:"id"`
	UserID           string         `json:"userId"`
	Delta            int64          `json:"delta"`
	BalanceAfter     int64          `json:"balanceAfter"`
	Type             EntryType      `json:"type"`
	Status           EntryStatus    `json:"status"`
	Feature          string         `json:"feature,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	Model            string         `json:"model,omitempty"`
	RequestID        string         `json:"requestId,omitempty"`
	PromptTokens     int64          `json:"promptTokens,omitempty"`
	CompletionTokens int64          `json:"completionTokens,omitempty"`
	TotalTokens      int64          `json:"totalTokens,omitempty"`
	RelatedID        string         `json:"relatedId,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// TokenUsage reports provider token counts attached at settlement.
type TokenUsage struct {
	PromptTokens     int64 `json:"promptTokens,omitempty"`
	CompletionTokens int64 `json:"completionTokens,omitempty"`
	TotalTokens      int64 `json:"totalTokens,omitempty"`
}

// ReserveInput describes a credit hold taken before costly work.
type ReserveInput struct {
	UserID    string
	Amount    int64
	Feature   string
	RequestID string
	Provider  string
	Model     string
	Metadata  map[string]any
}

// ReserveResult is the outcome of a reservation. Reused is set when the
// request id matched an existing entry and no new hold was taken.
type ReserveResult struct {
	ReservationID   string      `json:"reservationId"`
	ReservedCredits int64       `json:"reservedCredits"`
	BalanceAfter    int64       `json:"balanceAfter"`
	Status          EntryStatus `json:"status"`
	Reused          bool        `json:"reused,omitempty"`
}

// SettleInput finalizes a reservation at its actual cost.
type SettleInput struct {
	ReservationID string
	FinalCost     int64
	Provider      string
	Model         string
	Usage         *TokenUsage
	Metadata      map[string]any
}

// SettleResult reports the balance after settlement (and any refund).
type SettleResult struct {
	CreditsRemaining int64 `json:"creditsRemaining"`
	RefundedCredits  int64 `json:"refundedCredits,omitempty"`
}

// RefundResult reports the balance after a full reversal.
type RefundResult struct {
	CreditsRemaining int64 `json:"creditsRemaining"`
}

// GrantResult reports the balance after a top-up.
type GrantResult struct {
	CreditsRemaining int64 `json:"creditsRemaining"`
}

var (
	// ErrAccountNotFound indicates an unknown user id.
	ErrAccountNotFound = errors.New("energy: account not found")
	// ErrReservationNotFound indicates a settle/refund against an id that was
	// never created; a call-sequencing bug in the caller.
	ErrReservationNotFound = errors.New("energy: reservation not found")
	// ErrAccountExists indicates a duplicate account id on create.
	ErrAccountExists = errors.New("energy: account already exists")
)

// InsufficientEnergyError is the expected business outcome when a reservation
// exceeds the available balance. It carries both sides of the shortfall so
// callers can render a precise message (HTTP 402).
type InsufficientEnergyError struct {
	RequiredCredits  int64
	CreditsAvailable int64
}

func (e *InsufficientEnergyError) Error() string {
	return fmt.Sprintf("energy: insufficient credits: required %d, available %d",
		e.RequiredCredits, e.CreditsAvailable)
}

// CostPolicy decides whether an account is charged at all. The ledger itself
// stays free of role awareness; privileged carve-outs live behind this
// interface.
type CostPolicy interface {
	// Bypass reports whether the account's reservations should skip the
	// balance decrement entirely.
	Bypass(acct *Account) bool
}

// StandardCostPolicy charges every account.
type StandardCostPolicy struct{}

func (StandardCostPolicy) Bypass(*Account) bool { return false }

// AdminBypassPolicy skips charging for administrative accounts. Reservations
// taken under bypass still write a zero-delta ledger entry for audit.
type AdminBypassPolicy struct{}

func (AdminBypassPolicy) Bypass(acct *Account) bool {
	return acct != nil && acct.Role == RoleAdmin
}

// Store defines persistence behaviour for accounts and the ledger. Every
// mutating operation commits its lookup, balance change, and entry write as a
// single transaction.
type Store interface {
	CreateAccount(ctx context.Context, acct Account) (*Account, error)
	GetAccount(ctx context.Context, userID string) (*Account, error)

	Reserve(ctx context.Context, in ReserveInput) (*ReserveResult, error)
	Settle(ctx context.Context, in SettleInput) (*SettleResult, error)
	// Refund returns (nil, nil) when the reservation was already refunded.
	Refund(ctx context.Context, reservationID, reason string) (*RefundResult, error)
	Grant(ctx context.Context, userID string, amount int64, reason string) (*GrantResult, error)

	ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}

// NormalizeAmount clamps a credit amount to a positive integer. Non-positive
// input falls back to 1, mirroring the platform's permissive input handling;
// callers that want strict validation must reject before reaching the ledger.
func NormalizeAmount(amount int64) int64 {
	if amount < 1 {
		return 1
	}
	return amount
}

// EstimateTokens approximates the token count of a prompt at four characters
// per token, with a floor of one.
func EstimateTokens(text string) int64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 1
	}
	return int64(math.Max(1, math.Ceil(float64(len(trimmed))/4)))
}

// CalculateTokenCredits converts a token count to credits at a per-1k-token
// rate, rounded up and never below minimum.
func CalculateTokenCredits(totalTokens, creditsPer1k, minimum int64) int64 {
	if totalTokens < 1 {
		totalTokens = 1
	}
	if creditsPer1k < 1 {
		creditsPer1k = 1
	}
	credits := int64(math.Ceil(float64(totalTokens) / 1000 * float64(creditsPer1k)))
	if credits < minimum {
		return minimum
	}
	return credits
}

// MergeMetadata overlays next onto base without mutating either.
func MergeMetadata(base, next map[string]any) map[string]any {
	if len(next) == 0 {
		return base
	}
	merged := make(map[string]any, len(base)+len(next))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range next {
		merged[k] = v
	}
	return merged
}
