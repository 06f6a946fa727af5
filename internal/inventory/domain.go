// Package inventory serializes stock changes per product and keeps the
// append-only ledger that replays to the current quantity.
package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/tillpoint/tillpoint/internal/dal"
)

// TransactionType enumerates stock movements.
type TransactionType string

const (
	// TransactionStockIn represents an inbound movement.
	TransactionStockIn TransactionType = "stock_in"
	// TransactionStockOut represents an outbound movement such as a sale.
	TransactionStockOut TransactionType = "stock_out"
	// TransactionAdjustment indicates manual corrections.
	TransactionAdjustment TransactionType = "adjustment"
	// TransactionTransfer records stock moved between locations.
	TransactionTransfer TransactionType = "transfer"
)

// Valid reports whether t is known.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionStockIn, TransactionStockOut, TransactionAdjustment, TransactionTransfer:
		return true
	}
	return false
}

var (
	// ErrInvalidQuantity rejects zero deltas and deltas whose sign contradicts the type.
	ErrInvalidQuantity = errors.New("inventory: invalid quantity")
	// ErrBrokenChain reports a ledger that does not replay to the stored quantity.
	ErrBrokenChain = errors.New("inventory: ledger chain broken")
)

// Transaction is one ledger entry. NewQuantity == PreviousQuantity + Delta.
type Transaction struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id"`
	ProductID        string          `json:"product_id"`
	Seq              int64           `json:"seq"`
	Type             TransactionType `json:"type"`
	Delta            int64           `json:"delta"`
	PreviousQuantity int64           `json:"previous_quantity"`
	NewQuantity      int64           `json:"new_quantity"`
	Reason           string          `json:"reason"`
	Reference        string          `json:"reference,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Adjustment asks for a signed stock change.
type Adjustment struct {
	ProductID string
	Delta     int64
	// Type defaults to stock_in or stock_out by the sign of Delta.
	Type      TransactionType
	Reason    string
	Reference string
}

func (a *Adjustment) normalize() error {
	if a.ProductID == "" {
		return fmt.Errorf("%w: product required", ErrInvalidQuantity)
	}
	if a.Delta == 0 {
		return ErrInvalidQuantity
	}
	if a.Type == "" {
		a.Type = TransactionStockIn
		if a.Delta < 0 {
			a.Type = TransactionStockOut
		}
	}
	if !a.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidQuantity, a.Type)
	}
	if (a.Type == TransactionStockIn && a.Delta < 0) || (a.Type == TransactionStockOut && a.Delta > 0) {
		return fmt.Errorf("%w: %s with delta %d", ErrInvalidQuantity, a.Type, a.Delta)
	}
	return nil
}

// Level is the live stock view of a product.
type Level struct {
	ProductID      string `json:"product_id"`
	SKU            string `json:"sku"`
	Quantity       int64  `json:"quantity"`
	MinStockLevel  int64  `json:"min_stock_level"`
	AllowBackorder bool   `json:"allow_backorder"`
	Version        int64  `json:"version"`
	Low            bool   `json:"low"`
}

// Result is the outcome of one adjustment.
type Result struct {
	Level       Level       `json:"level"`
	Transaction Transaction `json:"transaction"`
	// CrossedLow is set when this adjustment moved the level below the minimum.
	CrossedLow bool `json:"crossed_low"`
}

// Replay folds txs, ordered by Seq, starting from initial. It fails when the
// sequence has gaps or an entry does not chain onto the previous one.
func Replay(initial int64, txs []Transaction) (int64, error) {
	qty := initial
	for i, tx := range txs {
		if tx.Seq != int64(i+1) {
			return qty, fmt.Errorf("%w: seq %d at position %d", ErrBrokenChain, tx.Seq, i)
		}
		if tx.PreviousQuantity != qty || tx.NewQuantity != tx.PreviousQuantity+tx.Delta {
			return qty, fmt.Errorf("%w: entry %d", ErrBrokenChain, tx.Seq)
		}
		qty = tx.NewQuantity
	}
	return qty, nil
}

// Transactions describes the inventory_transactions table.
var Transactions = &dal.Table[Transaction]{
	Kind:       dal.KindInventoryTx,
	Name:       "inventory_transactions",
	Columns:    []string{"id", "product_id", "seq", "type", "delta", "previous_quantity", "new_quantity", "reason", "reference", "created_at"},
	AppendOnly: true,
	Unique:     [][]string{{"product_id", "seq"}},
	Fields: map[string]dal.Field[Transaction]{
		"product_id": {Column: "product_id", Type: dal.FieldString, Get: func(t *Transaction) any { return t.ProductID }},
		"seq":        {Column: "seq", Type: dal.FieldInt, Get: func(t *Transaction) any { return t.Seq }},
		"type":       {Column: "type", Type: dal.FieldString, Get: func(t *Transaction) any { return string(t.Type) }},
		"reference":  {Column: "reference", Type: dal.FieldString, Get: func(t *Transaction) any { return t.Reference }},
		"created_at": {Column: "created_at", Type: dal.FieldTime, Get: func(t *Transaction) any { return t.CreatedAt }},
	},
	DefaultSort: "seq",
	ID:          func(t *Transaction) string { return t.ID },
	SetID:       func(t *Transaction, id string) { t.ID = id },
	Tenant:      func(t *Transaction) string { return t.TenantID },
	SetTenant:   func(t *Transaction, id string) { t.TenantID = id },
	Values: func(t *Transaction) []any {
		return []any{t.ID, t.ProductID, t.Seq, string(t.Type), t.Delta, t.PreviousQuantity, t.NewQuantity, t.Reason, t.Reference, t.CreatedAt}
	},
	Scan: func(scan dal.Scanner) (Transaction, error) {
		var t Transaction
		var typ string
		err := scan(&t.TenantID, &t.ID, &t.ProductID, &t.Seq, &typ, &t.Delta, &t.PreviousQuantity, &t.NewQuantity, &t.Reason, &t.Reference, &t.CreatedAt)
		t.Type = TransactionType(typ)
		return t, err
	},
}
