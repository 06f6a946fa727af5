package orders

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tillpoint/tillpoint/internal/dal"
)

// Orders describes the orders table. Lines are stored as a JSONB snapshot.
var Orders = &dal.Table[Order]{
	Kind:      dal.KindOrder,
	Name:      "orders",
	Columns:   []string{"id", "number", "customer_id", "customer_name", "customer_email", "status", "currency", "lines", "subtotal", "created_at", "updated_at"},
	Immutable: []string{"number", "customer_id", "customer_name", "customer_email", "currency", "lines", "subtotal", "created_at"},
	Fields: map[string]dal.Field[Order]{
		"number":      {Column: "number", Type: dal.FieldString, Get: func(o *Order) any { return o.Number }},
		"status":      {Column: "status", Type: dal.FieldString, Get: func(o *Order) any { return string(o.Status) }},
		"customer_id": {Column: "customer_id", Type: dal.FieldString, Get: func(o *Order) any { return o.CustomerID }},
		"subtotal":    {Column: "subtotal", Type: dal.FieldDecimal, Get: func(o *Order) any { return o.Subtotal }},
		"created_at":  {Column: "created_at", Type: dal.FieldTime, Get: func(o *Order) any { return o.CreatedAt }},
	},
	Unique:      [][]string{{"number"}},
	DefaultSort: "created_at",
	ID:          func(o *Order) string { return o.ID },
	SetID:       func(o *Order, id string) { o.ID = id },
	Tenant:      func(o *Order) string { return o.TenantID },
	SetTenant:   func(o *Order, id string) { o.TenantID = id },
	Values: func(o *Order) []any {
		lines, _ := json.Marshal(o.Lines)
		var customer any
		if o.CustomerID != "" {
			customer = o.CustomerID
		}
		return []any{o.ID, o.Number, customer, o.CustomerName, o.CustomerEmail, string(o.Status),
			o.Currency, lines, o.Subtotal, o.CreatedAt, o.UpdatedAt}
	},
	Scan: func(scan dal.Scanner) (Order, error) {
		var o Order
		var customer *string
		var status string
		var lines []byte
		if err := scan(&o.TenantID, &o.ID, &o.Number, &customer, &o.CustomerName, &o.CustomerEmail,
			&status, &o.Currency, &lines, &o.Subtotal, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return Order{}, err
		}
		if customer != nil {
			o.CustomerID = *customer
		}
		o.Status = Status(status)
		if err := json.Unmarshal(lines, &o.Lines); err != nil {
			return Order{}, fmt.Errorf("orders: decode lines: %w", err)
		}
		return o, nil
	},
	Touch: func(o *Order, now time.Time, created bool) {
		o.Currency = strings.ToUpper(o.Currency)
		if created {
			o.CreatedAt = now
			if o.Status == "" {
				o.Status = StatusPending
			}
			if o.Number == "" {
				o.Number = Number(now, o.ID)
			}
		}
		o.UpdatedAt = now
	},
	Preserve: func(next *Order, prev Order) {
		status := next.Status
		updated := next.UpdatedAt
		*next = Clone(prev)
		next.Status = status
		next.UpdatedAt = updated
	},
	Clone:    Clone,
	Validate: Validate,
}

// Number derives a human readable order number.
func Number(now time.Time, id string) string {
	suffix := strings.ToUpper(strings.ReplaceAll(id, "-", ""))
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("SO-%s-%s", now.Format("20060102"), suffix)
}
