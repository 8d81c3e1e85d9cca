// Package model defines the cart types shared by the client-side cart store,
// the sync coordinator and the Cart Persistence Service, plus the error taxonomy.
package model

import "fmt"

// Origin tags whether a cart is guest-local or server-authoritative.
type Origin int

const (
	// OriginGuest carts live only in client-side durable storage.
	OriginGuest Origin = iota
	// OriginAuthenticated carts are owned by the Cart Persistence Service.
	OriginAuthenticated
)

func (o Origin) String() string {
	switch o {
	case OriginGuest:
		return "guest"
	case OriginAuthenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// MarshalText encodes the origin as its name for JSON output.
func (o Origin) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// CartLine is one product in a cart.
// UnitPrice is the effective price (discount price if present, else list price).
type CartLine struct {
	ProductRef string `json:"product_ref"`
	UnitPrice  Cents  `json:"unit_price"`
	Quantity   int    `json:"quantity"`
}

// LineTotal returns UnitPrice × Quantity.
func (l CartLine) LineTotal() Cents {
	return l.UnitPrice * Cents(l.Quantity)
}

// Totals holds the values derived from a line list.
type Totals struct {
	Subtotal  Cents `json:"subtotal"`
	ItemCount int   `json:"item_count"`
}

// ComputeTotals derives subtotal and item count from lines.
// Pure and deterministic; an empty list yields zero totals.
func ComputeTotals(lines []CartLine) Totals {
	var t Totals
	for _, l := range lines {
		t.Subtotal += l.LineTotal()
		t.ItemCount += l.Quantity
	}
	return t
}

// Cart is a published cart snapshot.
// Subtotal and ItemCount are always derived from Lines by NewCart; build carts
// through NewCart rather than setting the totals by hand.
type Cart struct {
	Lines     []CartLine `json:"lines"`
	Subtotal  Cents      `json:"subtotal"`
	ItemCount int        `json:"item_count"`
	Origin    Origin     `json:"origin"`
}

// NewCart copies lines and recomputes totals.
func NewCart(lines []CartLine, origin Origin) Cart {
	copied := make([]CartLine, len(lines))
	copy(copied, lines)
	t := ComputeTotals(copied)
	return Cart{
		Lines:     copied,
		Subtotal:  t.Subtotal,
		ItemCount: t.ItemCount,
		Origin:    origin,
	}
}

// EmptyCart returns a cart with no lines for the given origin.
func EmptyCart(origin Origin) Cart {
	return NewCart(nil, origin)
}

// Find returns the line for productRef.
func (c Cart) Find(productRef string) (CartLine, bool) {
	for _, l := range c.Lines {
		if l.ProductRef == productRef {
			return l, true
		}
	}
	return CartLine{}, false
}

// Contains reports whether productRef has a line in the cart.
func (c Cart) Contains(productRef string) bool {
	_, ok := c.Find(productRef)
	return ok
}

// Quantity returns the quantity of productRef, or 0 when absent.
func (c Cart) Quantity(productRef string) int {
	l, _ := c.Find(productRef)
	return l.Quantity
}

// IsEmpty reports whether the cart has no lines.
func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

// Summary is the checkout-facing view of a cart.
type Summary struct {
	Subtotal  Cents `json:"subtotal"`
	Shipping  Cents `json:"shipping"`
	Total     Cents `json:"total"`
	ItemCount int   `json:"item_count"`
}

// Summarize builds a Summary. Shipping is free for every order.
func (c Cart) Summarize() Summary {
	var shipping Cents
	return Summary{
		Subtotal:  c.Subtotal,
		Shipping:  shipping,
		Total:     c.Subtotal + shipping,
		ItemCount: c.ItemCount,
	}
}

// Product is the catalog view of an item: list price plus an optional discount.
type Product struct {
	Ref           string `json:"ref"`
	Name          string `json:"name,omitempty"`
	Price         Cents  `json:"price"`
	DiscountPrice *Cents `json:"discount_price,omitempty"`
}

// UnitPrice is the price a cart line for p is charged at.
func (p Product) UnitPrice() Cents {
	return EffectivePrice(p.Price, p.DiscountPrice)
}
