package types

// Standard table names for the distribution back-office catalog.
const (
	TableSalesReps     = "sales_reps"
	TableProducts      = "products"
	TableStores        = "stores"
	TableShipments     = "shipments"
	TableShipmentItems = "shipment_items"
	TableBillings      = "billings"
	TableBillingItems  = "billing_items"
	TableDeposits      = "deposits"
	TableExpenses      = "expenses"
	TableExpenseItems  = "expense_items"
)

// StandardTableNames lists all standard table names for enumeration.
// Parent tables come before their line-item sub-tables.
var StandardTableNames = []string{
	TableSalesReps,
	TableProducts,
	TableStores,
	TableShipments,
	TableShipmentItems,
	TableBillings,
	TableBillingItems,
	TableDeposits,
	TableExpenses,
	TableExpenseItems,
}

// Default descriptor field names.
const (
	DefaultPrimaryKeyField = "id"
	DefaultVersionField    = "version"
	DefaultPageSize        = 500
)

// StandardTables returns descriptors for every standard table using the given
// page size. A non-positive page size selects DefaultPageSize.
func StandardTables(pageSize int) []TableDescriptor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	out := make([]TableDescriptor, 0, len(StandardTableNames))
	for _, name := range StandardTableNames {
		out = append(out, TableDescriptor{
			Name:            name,
			PrimaryKeyField: DefaultPrimaryKeyField,
			VersionField:    DefaultVersionField,
			PageSize:        pageSize,
		})
	}
	return out
}

// LookupTable finds the descriptor with the given name.
func LookupTable(tables []TableDescriptor, name string) (TableDescriptor, bool) {
	for _, t := range tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableDescriptor{}, false
}

// TableNames returns the names of the given descriptors in order.
func TableNames(tables []TableDescriptor) []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	return names
}
