package order

import (
	"math"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleCashier  Role = "cashier"
)

// ReceiptKind distinguishes a brand-new order from a revision of one already placed.
type ReceiptKind string

const (
	ReceiptComplete ReceiptKind = "complete"
	ReceiptUpdate   ReceiptKind = "update"
)

// AddOn is an extra on a line item (e.g. an espresso shot).
type AddOn struct {
	Name  string  `json:"name" validate:"required"`
	Qty   int     `json:"qty" validate:"min=1"`
	Price float64 `json:"price" validate:"gte=0"`
}

// ReceiptItem is one priced line of the order.
type ReceiptItem struct {
	Name                string  `json:"item_name" validate:"required"`
	Size                string  `json:"size"`
	Temp                string  `json:"temp"`
	Milk                *string `json:"milk"`
	Sweetness           string  `json:"sweetness"`
	IceLevel            string  `json:"ice_level"`
	AddOns              []AddOn `json:"add_ons" validate:"dive"`
	ItemPrice           float64 `json:"item_price" validate:"gte=0"`
	SpecialInstructions string  `json:"special_instructions,omitempty"`
}

// OrderReceipt is the structured payload the cashier model embeds in a turn once
// the order is settled. TotalPrice is whatever the model stated; callers that care
// about the item-sum invariant should compare against ItemSum themselves.
type OrderReceipt struct {
	Kind         ReceiptKind   `json:"-" validate:"required,oneof=complete update"`
	CustomerName *string       `json:"customer_name"`
	Items        []ReceiptItem `json:"items" validate:"required,min=1,dive"`
	TotalPrice   float64       `json:"total_price" validate:"gte=0"`
}

// ItemSum returns the sum of item prices rounded to cents.
func (r *OrderReceipt) ItemSum() float64 {
	var sum float64
	for _, it := range r.Items {
		sum += it.ItemPrice
	}
	return RoundCents(sum)
}

// RoundCents rounds a currency amount to two decimals.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

// ConversationTurn is one customer-or-cashier contribution. DisplayText is what is
// shown and spoken; RawText keeps any embedded receipt block so the model's future
// context sees exactly what it produced.
type ConversationTurn struct {
	Role        Role
	DisplayText string
	RawText     string
	Receipt     *OrderReceipt
	OrderID     string
	CreatedAt   time.Time
}
