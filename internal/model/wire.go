package model

// Wire types for the Cart Persistence Service JSON API.
// Prices travel as decimal strings ("12.50") and are parsed with ParseCents.

// CartResponse is the cart body returned by every cart route.
type CartResponse struct {
	Items     []LineResponse `json:"items"`
	Subtotal  string         `json:"subtotal"`
	ItemCount int            `json:"item_count"`
}

// LineResponse is one line in a CartResponse.
type LineResponse struct {
	ProductRef string `json:"product_ref"`
	UnitPrice  string `json:"unit_price"`
	Quantity   int    `json:"quantity"`
}

// AddItemRequest is the body of POST /cart/items.
type AddItemRequest struct {
	ProductRef string `json:"product_ref"`
	Quantity   int    `json:"quantity"`
}

// UpdateItemRequest is the body of PUT /cart/items/{productRef}.
type UpdateItemRequest struct {
	Quantity int `json:"quantity"`
}

// MergeLine is one guest line sent for merging.
type MergeLine struct {
	ProductRef string `json:"product_ref"`
	Quantity   int    `json:"quantity"`
}

// MergeRequest is the body of POST /cart/merge.
type MergeRequest struct {
	Items []MergeLine `json:"items"`
}

// ErrorResponse wraps an APIError for JSON error bodies.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// ToResponse renders a cart for the wire.
func ToResponse(c Cart) CartResponse {
	items := make([]LineResponse, len(c.Lines))
	for i, l := range c.Lines {
		items[i] = LineResponse{
			ProductRef: l.ProductRef,
			UnitPrice:  l.UnitPrice.String(),
			Quantity:   l.Quantity,
		}
	}
	return CartResponse{
		Items:     items,
		Subtotal:  c.Subtotal.String(),
		ItemCount: c.ItemCount,
	}
}

// ToCart converts a wire cart to an authenticated Cart.
// Totals sent by the server are ignored and recomputed from the lines.
func (r CartResponse) ToCart() Cart {
	lines := make([]CartLine, 0, len(r.Items))
	for _, it := range r.Items {
		lines = append(lines, CartLine{
			ProductRef: it.ProductRef,
			UnitPrice:  ParseCents(it.UnitPrice),
			Quantity:   it.Quantity,
		})
	}
	return NewCart(lines, OriginAuthenticated)
}

// MergeLinesFrom strips prices from lines; the server prices merged items itself.
func MergeLinesFrom(lines []CartLine) []MergeLine {
	out := make([]MergeLine, len(lines))
	for i, l := range lines {
		out[i] = MergeLine{ProductRef: l.ProductRef, Quantity: l.Quantity}
	}
	return out
}

// ProductResponse is one entry of GET /products.
type ProductResponse struct {
	Ref           string `json:"ref"`
	Name          string `json:"name,omitempty"`
	Price         string `json:"price"`
	DiscountPrice string `json:"discount_price,omitempty"`
}

// ToProductResponses renders the catalog for the wire.
func ToProductResponses(products []Product) []ProductResponse {
	out := make([]ProductResponse, len(products))
	for i, p := range products {
		out[i] = ProductResponse{Ref: p.Ref, Name: p.Name, Price: p.Price.String()}
		if p.DiscountPrice != nil {
			out[i].DiscountPrice = p.DiscountPrice.String()
		}
	}
	return out
}

// ToProduct parses a wire product.
func (r ProductResponse) ToProduct() Product {
	p := Product{Ref: r.Ref, Name: r.Name, Price: ParseCents(r.Price)}
	if r.DiscountPrice != "" {
		d := ParseCents(r.DiscountPrice)
		p.DiscountPrice = &d
	}
	return p
}
