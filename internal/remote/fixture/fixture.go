// Package fixture generates fake back-office rows with faker for seeding a
// remote. Line-item rows reference parents generated earlier.
package fixture

import (
	"fmt"
	"math/rand"

	"github.com/go-faker/faker/v4"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// ItemsPerParent is the number of line items generated per parent row.
const ItemsPerParent = 2

// ItemParents maps each line-item table to its parent table.
var ItemParents = map[string]string{
	types.TableShipmentItems: types.TableShipments,
	types.TableBillingItems:  types.TableBillings,
	types.TableExpenseItems:  types.TableExpenses,
}

// EmitFunc receives one generated row.
type EmitFunc func(table, key string, row map[string]any) error

// Generate produces n rows for every parent table in tables and
// ItemsPerParent rows per parent for line-item tables, in catalog order.
// Tables outside the standard catalog get n generic rows.
func Generate(tables []string, n int, emit EmitFunc) error {
	want := make(map[string]bool, len(tables))
	for _, name := range tables {
		want[name] = true
	}

	parents := make(map[string][]string)
	for _, name := range types.StandardTableNames {
		if !want[name] {
			continue
		}
		delete(want, name)
		if parent, ok := ItemParents[name]; ok {
			for _, parentKey := range parents[parent] {
				for i := 0; i < ItemsPerParent; i++ {
					key := faker.UUIDHyphenated()
					if err := emit(name, key, LineItem(key, parent, parentKey)); err != nil {
						return err
					}
				}
			}
			continue
		}
		for i := 0; i < n; i++ {
			key := faker.UUIDHyphenated()
			if err := emit(name, key, Row(name, key, parents)); err != nil {
				return err
			}
			parents[name] = append(parents[name], key)
		}
	}

	for _, name := range tables {
		if !want[name] {
			continue
		}
		for i := 0; i < n; i++ {
			key := faker.UUIDHyphenated()
			if err := emit(name, key, Row(name, key, parents)); err != nil {
				return err
			}
		}
	}
	return nil
}

func pick(keys []string) any {
	if len(keys) == 0 {
		return nil
	}
	return keys[rand.Intn(len(keys))]
}

func amount() float64 {
	return float64(rand.Intn(500000)) / 100
}

// Row builds a fake parent row. parents supplies keys for foreign
// references; missing parents yield null references.
func Row(table, key string, parents map[string][]string) map[string]any {
	switch table {
	case types.TableSalesReps:
		return map[string]any{
			"id":    key,
			"name":  faker.Name(),
			"email": faker.Email(),
			"phone": faker.Phonenumber(),
		}
	case types.TableProducts:
		return map[string]any{
			"id":          key,
			"name":        faker.Word(),
			"sku":         fmt.Sprintf("SKU-%06d", rand.Intn(1000000)),
			"description": faker.Sentence(),
			"unit_price":  amount(),
		}
	case types.TableStores:
		return map[string]any{
			"id":           key,
			"name":         faker.LastName() + " " + faker.Word(),
			"contact":      faker.Name(),
			"phone":        faker.Phonenumber(),
			"sales_rep_id": pick(parents[types.TableSalesReps]),
		}
	case types.TableShipments:
		return map[string]any{
			"id":           key,
			"store_id":     pick(parents[types.TableStores]),
			"sales_rep_id": pick(parents[types.TableSalesReps]),
			"shipped_on":   faker.Date(),
			"status":       []string{"pending", "delivered", "returned"}[rand.Intn(3)],
		}
	case types.TableBillings:
		return map[string]any{
			"id":        key,
			"store_id":  pick(parents[types.TableStores]),
			"billed_on": faker.Date(),
			"total":     amount(),
		}
	case types.TableDeposits:
		return map[string]any{
			"id":           key,
			"sales_rep_id": pick(parents[types.TableSalesReps]),
			"deposited_on": faker.Date(),
			"amount":       amount(),
		}
	case types.TableExpenses:
		return map[string]any{
			"id":           key,
			"sales_rep_id": pick(parents[types.TableSalesReps]),
			"spent_on":     faker.Date(),
			"memo":         faker.Sentence(),
		}
	}
	return map[string]any{"id": key, "name": faker.Word(), "note": faker.Sentence()}
}

// LineItem builds a fake line item belonging to parentKey.
func LineItem(key, parentTable, parentKey string) map[string]any {
	return map[string]any{
		"id":                      key,
		ParentColumn(parentTable): parentKey,
		"description":             faker.Word(),
		"quantity":                rand.Intn(20) + 1,
		"amount":                  amount(),
	}
}

// ParentColumn names the foreign key column a line item uses for
// parentTable, e.g. shipment_id for shipments.
func ParentColumn(parentTable string) string {
	if n := len(parentTable); n > 1 && parentTable[n-1] == 's' {
		return parentTable[:n-1] + "_id"
	}
	return parentTable + "_id"
}
