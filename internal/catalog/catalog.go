// Package catalog prices cart lines on the server.
// Clients never choose the price of a line; the service looks it up here.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"cartsync/internal/model"
)

// entry is the file layout. Prices are decimal strings, as on the wire.
type entry struct {
	Ref           string `json:"ref" yaml:"ref"`
	Name          string `json:"name" yaml:"name"`
	Price         string `json:"price" yaml:"price"`
	DiscountPrice string `json:"discount_price,omitempty" yaml:"discount_price,omitempty"`
}

type file struct {
	Products []entry `json:"products" yaml:"products"`
}

// Catalog is an immutable product list.
type Catalog struct {
	byRef map[string]model.Product
	order []string
}

// New builds a catalog from products. Later duplicates replace earlier ones.
func New(products ...model.Product) *Catalog {
	c := &Catalog{byRef: make(map[string]model.Product, len(products))}
	for _, p := range products {
		if _, exists := c.byRef[p.Ref]; !exists {
			c.order = append(c.order, p.Ref)
		}
		c.byRef[p.Ref] = p
	}
	return c
}

// Load reads a catalog file. .yaml/.yml files are YAML, everything else JSON.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	format := "json"
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	}
	return Parse(data, format)
}

// Parse decodes catalog data in the given format ("json" or "yaml").
func Parse(data []byte, format string) (*Catalog, error) {
	var f file
	var err error
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &f)
	case "json":
		err = json.Unmarshal(data, &f)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	products := make([]model.Product, 0, len(f.Products))
	for i, e := range f.Products {
		if e.Ref == "" {
			return nil, fmt.Errorf("catalog entry %d: ref is required", i)
		}
		if e.Price == "" {
			return nil, fmt.Errorf("catalog entry %s: price is required", e.Ref)
		}
		p := model.Product{Ref: e.Ref, Name: e.Name, Price: model.ParseCents(e.Price)}
		if e.DiscountPrice != "" {
			d := model.ParseCents(e.DiscountPrice)
			p.DiscountPrice = &d
		}
		products = append(products, p)
	}
	return New(products...), nil
}

// Demo is the catalog used in development when no file is configured.
func Demo() *Catalog {
	sale := model.Cents(1499)
	return New(
		model.Product{Ref: "tee-black", Name: "Black T-Shirt", Price: 1999, DiscountPrice: &sale},
		model.Product{Ref: "mug", Name: "Coffee Mug", Price: 1250},
		model.Product{Ref: "sticker", Name: "Sticker Pack", Price: 399},
	)
}

// Lookup returns the product for ref.
func (c *Catalog) Lookup(ref string) (model.Product, error) {
	p, ok := c.byRef[ref]
	if !ok {
		return model.Product{}, model.NewNotFoundError("product " + ref)
	}
	return p, nil
}

// Products lists the catalog in file order.
func (c *Catalog) Products() []model.Product {
	out := make([]model.Product, 0, len(c.order))
	for _, ref := range c.order {
		out = append(out, c.byRef[ref])
	}
	return out
}

// Price returns a cart line for ref at the catalog's effective price.
func (c *Catalog) Price(ref string, quantity int) (model.CartLine, error) {
	p, err := c.Lookup(ref)
	if err != nil {
		return model.CartLine{}, err
	}
	return model.CartLine{ProductRef: ref, UnitPrice: p.UnitPrice(), Quantity: quantity}, nil
}
