package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/finsight/internal/money"
)

type TransactionType string

const (
	TransactionTypeIncome  TransactionType = "INCOME"
	TransactionTypeExpense TransactionType = "EXPENSE"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
)

// Transaction is a single ledger line owned by a user. Amount is always
// positive; Type carries the direction.
type Transaction struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	UserID     snowflake.ID      `gorm:"not null;index:ix_transactions_user_occurred,priority:1"`
	Type       TransactionType   `gorm:"type:text;not null"`
	Category   string            `gorm:"type:text;not null"`
	Amount     money.Money       `gorm:"type:bigint;not null"`
	Status     TransactionStatus `gorm:"type:text;not null"`
	OccurredAt time.Time         `gorm:"not null;index:ix_transactions_user_occurred,priority:2"`
	CreatedAt  time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Transaction) TableName() string { return "transactions" }

// Totals is the aggregate of committed transactions in one window.
type Totals struct {
	Income            money.Money
	Expense           money.Money
	IncomeByCategory  map[string]CategoryTotal
	ExpenseByCategory map[string]CategoryTotal
	TransactionCount  int64
}

type CategoryTotal struct {
	Amount money.Money
	Count  int64
}

// HasData reports whether any committed transaction fell in the window.
func (t Totals) HasData() bool {
	return t.TransactionCount > 0
}

// Merge returns the sum of two totals. Aggregation over adjacent windows is
// additive, so merging partitions yields the aggregate of their union.
func (t Totals) Merge(other Totals) Totals {
	return Totals{
		Income:            t.Income.Add(other.Income),
		Expense:           t.Expense.Add(other.Expense),
		IncomeByCategory:  mergeCategories(t.IncomeByCategory, other.IncomeByCategory),
		ExpenseByCategory: mergeCategories(t.ExpenseByCategory, other.ExpenseByCategory),
		TransactionCount:  t.TransactionCount + other.TransactionCount,
	}
}

func mergeCategories(a, b map[string]CategoryTotal) map[string]CategoryTotal {
	out := make(map[string]CategoryTotal, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		cur := out[k]
		out[k] = CategoryTotal{Amount: cur.Amount.Add(v.Amount), Count: cur.Count + v.Count}
	}
	return out
}
