package models

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Collection names used by the business application.
const (
	CollectionCustomers = "customers"
	CollectionSales     = "sales"
	CollectionSuppliers = "suppliers"
	CollectionPayments  = "payments"
	CollectionExpenses  = "expenses"
)

// Collection declares the payload rules for one collection.
type Collection struct {
	Name        string
	Required    []string // fields a create must carry
	MoneyFields []string // fields that must parse as decimal amounts
}

// Schema is the registry of known collections.
type Schema map[string]Collection

// DefaultSchema returns the collections of the business application.
func DefaultSchema() Schema {
	return Schema{
		CollectionCustomers: {
			Name:        CollectionCustomers,
			Required:    []string{"name"},
			MoneyFields: []string{"openingBalance"},
		},
		CollectionSales: {
			Name:        CollectionSales,
			Required:    []string{"srNo", "customerId"},
			MoneyFields: []string{"total", "discount", "paid"},
		},
		CollectionSuppliers: {
			Name:        CollectionSuppliers,
			Required:    []string{"name"},
			MoneyFields: []string{"balance"},
		},
		CollectionPayments: {
			Name:        CollectionPayments,
			Required:    []string{"amount"},
			MoneyFields: []string{"amount"},
		},
		CollectionExpenses: {
			Name:        CollectionExpenses,
			Required:    []string{"description", "amount"},
			MoneyFields: []string{"amount"},
		},
	}
}

// Subset returns a schema restricted to the named collections.
func (s Schema) Subset(names []string) (Schema, error) {
	out := make(Schema, len(names))
	for _, name := range names {
		c, ok := s[name]
		if !ok {
			return nil, fmt.Errorf("unknown collection %q", name)
		}
		out[name] = c
	}
	return out, nil
}

// Names returns the collection names in sorted order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the collection is registered.
func (s Schema) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Validate checks a record's structure and its payload against the collection rules.
func (s Schema) Validate(a *ActionRecord) error {
	if err := a.Validate(); err != nil {
		return err
	}
	c, ok := s[a.Target.Collection]
	if !ok {
		return fmt.Errorf("unknown collection %q", a.Target.Collection)
	}

	switch a.Kind {
	case KindCreate:
		for _, field := range c.Required {
			if v, ok := a.Data[field]; !ok || v == nil {
				return fmt.Errorf("%s: field %q is required", c.Name, field)
			}
		}
		return c.checkMoney(a.Data)
	case KindUpdate:
		return c.checkMoney(a.Changes)
	}
	return nil
}

func (c Collection) checkMoney(fields map[string]interface{}) error {
	for _, field := range c.MoneyFields {
		v, ok := fields[field]
		if !ok || v == nil {
			continue
		}
		if _, err := ParseAmount(v); err != nil {
			return fmt.Errorf("%s: field %q: %w", c.Name, field, err)
		}
	}
	return nil
}

// ParseAmount converts a JSON-decoded value into a decimal amount.
func ParseAmount(v interface{}) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case float64:
		return decimal.NewFromFloat(n), nil
	case float32:
		return decimal.NewFromFloat32(n), nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case json.Number:
		return decimal.NewFromString(n.String())
	case decimal.Decimal:
		return n, nil
	default:
		return decimal.Decimal{}, fmt.Errorf("not an amount: %T", v)
	}
}
