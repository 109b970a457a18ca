package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/finsight/internal/money"
	"github.com/smallbiznis/finsight/internal/period"
)

// Snapshot is the computed summary of one window. Every collection is a
// sorted slice so two computations over the same ledger marshal identically.
type Snapshot struct {
	UserID           snowflake.ID     `json:"user_id"`
	Frequency        period.Frequency `json:"frequency"`
	Window           period.Window    `json:"window"`
	Currency         string           `json:"currency"`
	TotalIncome      money.Money      `json:"total_income"`
	TotalExpense     money.Money      `json:"total_expense"`
	Net              money.Money      `json:"net"`
	SavingsRateBps   *int64           `json:"savings_rate_bps"`
	ExpenseRatioBps  *int64           `json:"expense_ratio_bps"`
	TransactionCount int64            `json:"transaction_count"`
	ExpenseBreakdown Breakdown        `json:"expense_breakdown"`
	IncomeBreakdown  Breakdown        `json:"income_breakdown"`
	Trend            Trend            `json:"trend"`
}

// Breakdown is ordered by category key.
type Breakdown []CategoryAmount

type CategoryAmount struct {
	Category string      `json:"category"`
	Amount   money.Money `json:"amount"`
	ShareBps int64       `json:"share_bps"`
	Count    int64       `json:"count"`
}

// Get returns the amount recorded for category.
func (b Breakdown) Get(category string) (CategoryAmount, bool) {
	for _, entry := range b {
		if entry.Category == category {
			return entry, true
		}
	}
	return CategoryAmount{}, false
}

// Trend compares a window to the preceding window of the same frequency.
// When the preceding window has no data Available is false and no delta is set.
type Trend struct {
	Available        bool            `json:"available"`
	PreviousWindow   period.Window   `json:"previous_window"`
	IncomeDelta      *money.Money    `json:"income_delta,omitempty"`
	ExpenseDelta     *money.Money    `json:"expense_delta,omitempty"`
	NetDelta         *money.Money    `json:"net_delta,omitempty"`
	IncomeChangeBps  *int64          `json:"income_change_bps,omitempty"`
	ExpenseChangeBps *int64          `json:"expense_change_bps,omitempty"`
	Categories       []CategoryDelta `json:"categories,omitempty"`
}

type CategoryDelta struct {
	Category  string      `json:"category"`
	Current   money.Money `json:"current"`
	Previous  money.Money `json:"previous"`
	Delta     money.Money `json:"delta"`
	ChangeBps *int64      `json:"change_bps"`
}

// MarshalCanonical returns the byte-stable encoding used for delivery.
func (s Snapshot) MarshalCanonical() ([]byte, error) {
	return json.Marshal(s)
}

// Fingerprint is the hex sha256 of the canonical encoding.
func (s Snapshot) Fingerprint() (string, error) {
	raw, err := s.MarshalCanonical()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Formatted holds display strings a renderer would print.
type Formatted struct {
	TotalIncome  string            `json:"total_income"`
	TotalExpense string            `json:"total_expense"`
	Net          string            `json:"net"`
	Categories   map[string]string `json:"categories"`
}

func (s Snapshot) Formatted() Formatted {
	categories := make(map[string]string, len(s.ExpenseBreakdown))
	for _, entry := range s.ExpenseBreakdown {
		categories[entry.Category] = entry.Amount.Format()
	}
	return Formatted{
		TotalIncome:  s.TotalIncome.Format(),
		TotalExpense: s.TotalExpense.Format(),
		Net:          s.Net.Format(),
		Categories:   categories,
	}
}
