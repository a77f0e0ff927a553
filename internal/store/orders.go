package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/kiraec123-web/tarro-coffee-nyc/internal/order"
)

// StoreError wraps any persistence failure. The turn controller treats these as
// non-fatal: the conversation continues, the order just has no id attached.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) *StoreError { return &StoreError{Op: op, Err: err} }

// orderRow mirrors the orders table. The barista and owner dashboards read
// these rows through Supabase realtime; this service only ever writes them.
type orderRow struct {
	ID           string              `json:"id"`
	OrderNumber  int                 `json:"order_number"`
	CustomerName *string             `json:"customer_name"`
	Items        []order.ReceiptItem `json:"items"`
	TotalPrice   float64             `json:"total_price"`
	Status       string              `json:"status"`
}

// Orders persists completed orders to Supabase Postgres.
type Orders struct {
	client   *supabase.Client
	validate *validator.Validate
	log      zerolog.Logger
}

// NewOrders constructs the gateway against a Supabase project.
func NewOrders(projectURL, serviceKey string, log zerolog.Logger) (*Orders, error) {
	client, err := supabase.NewClient(projectURL, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &Orders{
		client:   client,
		validate: validator.New(),
		log:      log.With().Str("component", "store").Logger(),
	}, nil
}

// CreateOrder validates the receipt and inserts a new order with the next
// order number. Numbers are monotonically increasing and gap-tolerant: a
// failed insert may skip a number, which is fine for a counter shown on cups.
//
// The model's stated total is stored as-is even when it diverges from the item
// sum; the divergence is logged, not corrected.
func (o *Orders) CreateOrder(ctx context.Context, r *order.OrderReceipt) (string, int, error) {
	if err := o.validate.Struct(r); err != nil {
		return "", 0, storeErr("validate receipt", err)
	}
	if sum := r.ItemSum(); sum != r.TotalPrice {
		o.log.Warn().Float64("stated", r.TotalPrice).Float64("item_sum", sum).
			Msg("stated total diverges from item sum; storing stated total")
	}

	number, err := o.nextOrderNumber(ctx)
	if err != nil {
		return "", 0, err
	}

	row := orderRow{
		ID:           uuid.NewString(),
		OrderNumber:  number,
		CustomerName: r.CustomerName,
		Items:        r.Items,
		TotalPrice:   r.TotalPrice,
		Status:       "pending",
	}
	data, _, err := o.client.From("orders").
		Insert(row, false, "", "representation", "").
		ExecuteWithContext(ctx)
	if err != nil {
		return "", 0, storeErr("insert order", err)
	}
	var inserted []orderRow
	if err := json.Unmarshal(data, &inserted); err != nil || len(inserted) == 0 {
		return "", 0, storeErr("insert order", fmt.Errorf("no row returned"))
	}
	o.log.Info().Str("order_id", inserted[0].ID).Int("order_number", inserted[0].OrderNumber).
		Float64("total", inserted[0].TotalPrice).Msg("order created")
	return inserted[0].ID, inserted[0].OrderNumber, nil
}

// UpdateOrder replaces all line items and the total for an existing order.
// Identity and order number are untouched.
func (o *Orders) UpdateOrder(ctx context.Context, orderID string, items []order.ReceiptItem, total float64) error {
	if orderID == "" {
		return storeErr("update order", fmt.Errorf("missing order id"))
	}
	if len(items) == 0 {
		return storeErr("update order", fmt.Errorf("empty item list"))
	}
	patch := map[string]any{
		"items":       items,
		"total_price": total,
	}
	data, _, err := o.client.From("orders").
		Update(patch, "representation", "").
		Eq("id", orderID).
		ExecuteWithContext(ctx)
	if err != nil {
		return storeErr("update order", err)
	}
	var updated []orderRow
	if err := json.Unmarshal(data, &updated); err != nil || len(updated) == 0 {
		return storeErr("update order", fmt.Errorf("order %s not found", orderID))
	}
	o.log.Info().Str("order_id", orderID).Float64("total", total).Msg("order updated")
	return nil
}

// nextOrderNumber reads the current maximum and returns max+1. Two racing
// sessions can collide on a unique constraint; callers get the error and the
// skipped number simply becomes a gap.
func (o *Orders) nextOrderNumber(ctx context.Context) (int, error) {
	data, _, err := o.client.From("orders").
		Select("order_number", "", false).
		Order("order_number", &postgrest.OrderOpts{Ascending: false}).
		Limit(1, "").
		ExecuteWithContext(ctx)
	if err != nil {
		return 0, storeErr("read max order number", err)
	}
	var rows []struct {
		OrderNumber int `json:"order_number"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return 0, storeErr("read max order number", err)
	}
	if len(rows) == 0 {
		return 1, nil
	}
	return rows[0].OrderNumber + 1, nil
}
