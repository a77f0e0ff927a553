package order

import (
	"encoding/json"
	"strings"
)

// The cashier model embeds the structured order payload in a fenced block:
//
//	```receipt
//	{ "type": "order_complete", ... }
//	```
//
// Mid-stream the closing fence may not have arrived yet, so stripping must
// tolerate an unterminated block.
const receiptFence = "```receipt"

const fenceClose = "```"

// receiptWire mirrors the wire JSON, which carries the kind as a type tag.
type receiptWire struct {
	Type         string        `json:"type"`
	CustomerName *string       `json:"customer_name"`
	Items        []ReceiptItem `json:"items"`
	TotalPrice   float64       `json:"total_price"`
}

// StripReceiptBlock removes the fenced receipt block (closed or not) from text and
// returns the remaining display text. Applying it to its own output is a no-op.
func StripReceiptBlock(text string) string {
	start := strings.Index(text, receiptFence)
	if start < 0 {
		return strings.TrimSpace(text)
	}
	before := text[:start]
	rest := text[start+len(receiptFence):]
	after := ""
	if end := strings.Index(rest, fenceClose); end >= 0 {
		after = rest[end+len(fenceClose):]
	}
	out := strings.TrimSpace(before)
	if tail := strings.TrimSpace(after); tail != "" {
		if out != "" {
			out += "\n"
		}
		out += tail
	}
	return out
}

// ExtractReceipt splits model text into display text and an optional receipt.
// A missing, malformed, or unrecognized block yields (display, nil); malformed
// blocks leave the raw text untouched so the conversation still reads naturally.
func ExtractReceipt(text string) (string, *OrderReceipt) {
	start := strings.Index(text, receiptFence)
	if start < 0 {
		return strings.TrimSpace(text), nil
	}
	rest := text[start+len(receiptFence):]
	end := strings.Index(rest, fenceClose)
	if end < 0 {
		// Unterminated block: nothing trustworthy to parse.
		return StripReceiptBlock(text), nil
	}
	payload := strings.TrimSpace(rest[:end])

	var wire receiptWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return strings.TrimSpace(text), nil
	}
	var kind ReceiptKind
	switch wire.Type {
	case "order_complete":
		kind = ReceiptComplete
	case "order_update":
		kind = ReceiptUpdate
	default:
		return strings.TrimSpace(text), nil
	}
	if len(wire.Items) == 0 {
		return strings.TrimSpace(text), nil
	}
	r := &OrderReceipt{
		Kind:         kind,
		CustomerName: wire.CustomerName,
		Items:        wire.Items,
		TotalPrice:   RoundCents(wire.TotalPrice),
	}
	return StripReceiptBlock(text), r
}
