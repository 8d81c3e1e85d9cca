package cli

import (
	"fmt"
	"io"
	"strings"

	"cartsync/internal/model"
)

// LineView is one rendered cart line.
type LineView struct {
	ProductRef string `json:"product_ref"`
	UnitPrice  string `json:"unit_price"`
	Quantity   int    `json:"quantity"`
	LineTotal  string `json:"line_total"`
}

// CartView is the result of every cart command.
type CartView struct {
	Mode      string     `json:"mode"`
	UserID    string     `json:"user_id,omitempty"`
	Phase     string     `json:"phase"`
	Items     []LineView `json:"items"`
	ItemCount int        `json:"item_count"`
	Subtotal  string     `json:"subtotal"`
	Shipping  string     `json:"shipping"`
	Total     string     `json:"total"`
	Pending   []LineView `json:"pending_guest_lines,omitempty"`
	Warning   string     `json:"warning,omitempty"`
}

func lineViews(lines []model.CartLine) []LineView {
	out := make([]LineView, len(lines))
	for i, l := range lines {
		out[i] = LineView{
			ProductRef: l.ProductRef,
			UnitPrice:  l.UnitPrice.String(),
			Quantity:   l.Quantity,
			LineTotal:  l.LineTotal().String(),
		}
	}
	return out
}

// NewCartView builds the view of cart. pending are guest lines left behind
// by a failed merge; warn is the last background error, if any.
func NewCartView(cart model.Cart, userID, phase string, pending []model.CartLine, warn error) CartView {
	sum := cart.Summarize()
	v := CartView{
		Mode:      cart.Origin.String(),
		UserID:    userID,
		Phase:     phase,
		Items:     lineViews(cart.Lines),
		ItemCount: sum.ItemCount,
		Subtotal:  sum.Subtotal.String(),
		Shipping:  sum.Shipping.String(),
		Total:     sum.Total.String(),
	}
	if len(pending) > 0 {
		v.Pending = lineViews(pending)
	}
	if warn != nil {
		v.Warning = warn.Error()
	}
	return v
}

func (v CartView) WriteText(w io.Writer) error {
	var b strings.Builder
	if v.UserID != "" {
		fmt.Fprintf(&b, "Cart: %s\n", v.UserID)
	} else {
		fmt.Fprintf(&b, "Cart: %s\n", v.Mode)
	}
	if len(v.Items) == 0 {
		b.WriteString("  (empty)\n")
	}
	writeLines(&b, v.Items)
	fmt.Fprintf(&b, "Items: %d\n", v.ItemCount)
	fmt.Fprintf(&b, "Subtotal: %s\n", v.Subtotal)
	fmt.Fprintf(&b, "Shipping: %s\n", v.Shipping)
	fmt.Fprintf(&b, "Total: %s\n", v.Total)
	if v.Warning != "" {
		fmt.Fprintf(&b, "Warning: %s\n", v.Warning)
	}
	if len(v.Pending) > 0 {
		b.WriteString("Pending guest lines (run \"cartctl retry-merge\"):\n")
		writeLines(&b, v.Pending)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeLines(b *strings.Builder, lines []LineView) {
	for _, l := range lines {
		fmt.Fprintf(b, "  %s  %d x %s = %s\n", l.ProductRef, l.Quantity, l.UnitPrice, l.LineTotal)
	}
}

// ProductsView is the result of the products command.
type ProductsView []model.ProductResponse

func (v ProductsView) WriteText(w io.Writer) error {
	var b strings.Builder
	for _, p := range v {
		fmt.Fprintf(&b, "%s  %s  %s", p.Ref, p.Name, p.Price)
		if p.DiscountPrice != "" {
			fmt.Fprintf(&b, " (now %s)", p.DiscountPrice)
		}
		b.WriteString("\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
