package snapshot

// Column helpers keep the table declarations below readable.
func pk() Column { return Column{Name: "id", Type: TypeUUID, Required: true} }

// company_id is NOT NULL but not Required: rows without it get the restore target.
func company() Column { return Column{Name: CompanyColumn, Type: TypeUUID} }

func req(name string, t ColumnType) Column { return Column{Name: name, Type: t, Required: true} }
func opt(name string, t ColumnType) Column { return Column{Name: name, Type: t} }
func ref(name, table string) Column { return Column{Name: name, Type: TypeUUID, References: table} }

func reqRef(name, table string) Column {
	return Column{Name: name, Type: TypeUUID, Required: true, References: table}
}

func timestamps() []Column {
	return []Column{opt("created_at", TypeTimestamp), opt("updated_at", TypeTimestamp)}
}

func cols(groups ...[]Column) []Column {
	var out []Column
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// ERPTables returns the company-scoped ERP tables restored from snapshots, mirroring
// the 000002_ledger_tables migration.
func ERPTables() []*Table {
	return []*Table{
		{Name: "branches", Columns: cols([]Column{
			pk(), company(),
			req("branch_code", TypeText), req("branch_name", TypeText),
			opt("address", TypeText), opt("phone", TypeText),
			opt("is_main", TypeBool), opt("is_active", TypeBool),
		}, timestamps())},
		{Name: "cost_centers", Columns: cols([]Column{
			pk(), company(), ref("branch_id", "branches"),
			req("code", TypeText), req("name", TypeText), opt("description", TypeText),
			opt("is_active", TypeBool),
		}, timestamps())},
		{Name: "warehouses", Columns: cols([]Column{
			pk(), company(), ref("branch_id", "branches"), ref("cost_center_id", "cost_centers"),
			req("code", TypeText), req("name", TypeText), opt("location", TypeText),
			opt("is_active", TypeBool),
		}, timestamps())},
		{Name: "chart_of_accounts", Columns: cols([]Column{
			pk(), company(), ref("parent_id", "chart_of_accounts"),
			req("account_code", TypeText), req("account_name", TypeText),
			{Name: "account_type", Type: TypeText, Required: true, Enum: []string{"asset", "liability", "equity", "income", "expense"}},
			{Name: "normal_balance", Type: TypeText, Enum: []string{"debit", "credit"}},
			opt("is_active", TypeBool),
		}, timestamps())},
		{Name: "customers", Columns: cols([]Column{
			pk(), company(), ref("branch_id", "branches"),
			req("name", TypeText), opt("email", TypeText), opt("phone", TypeText),
			opt("tax_id", TypeText), opt("address", TypeText), opt("credit_limit", TypeNumeric),
			opt("is_active", TypeBool),
		}, timestamps())},
		{Name: "suppliers", Columns: cols([]Column{
			pk(), company(), ref("branch_id", "branches"),
			req("name", TypeText), opt("email", TypeText), opt("phone", TypeText),
			opt("tax_id", TypeText), opt("address", TypeText), opt("is_active", TypeBool),
		}, timestamps())},
		{Name: "products", Columns: cols([]Column{
			pk(), company(),
			req("sku", TypeText), req("name", TypeText),
			{Name: "item_type", Type: TypeText, Enum: []string{"product", "service"}},
			opt("unit", TypeText), opt("unit_price", TypeNumeric), opt("cost_price", TypeNumeric),
			opt("is_active", TypeBool),
		}, timestamps())},
		{Name: "invoices", Columns: cols([]Column{
			pk(), company(), ref("branch_id", "branches"), ref("cost_center_id", "cost_centers"),
			ref("warehouse_id", "warehouses"), reqRef("customer_id", "customers"),
			req("invoice_number", TypeText), req("invoice_date", TypeDate), opt("due_date", TypeDate),
			opt("status", TypeText), opt("currency", TypeText),
			opt("subtotal", TypeNumeric), opt("tax_amount", TypeNumeric), opt("total_amount", TypeNumeric),
			opt("notes", TypeText),
		}, timestamps())},
		{Name: "invoice_items", Columns: []Column{
			pk(), company(), reqRef("invoice_id", "invoices"), ref("product_id", "products"),
			opt("description", TypeText), req("quantity", TypeNumeric), req("unit_price", TypeNumeric),
			opt("tax_rate", TypeNumeric), opt("line_total", TypeNumeric),
		}},
		{Name: "bills", Columns: cols([]Column{
			pk(), company(), ref("branch_id", "branches"), ref("cost_center_id", "cost_centers"),
			ref("warehouse_id", "warehouses"), reqRef("supplier_id", "suppliers"),
			req("bill_number", TypeText), req("bill_date", TypeDate), opt("due_date", TypeDate),
			opt("status", TypeText), opt("currency", TypeText),
			opt("subtotal", TypeNumeric), opt("tax_amount", TypeNumeric), opt("total_amount", TypeNumeric),
			opt("notes", TypeText),
		}, timestamps())},
		{Name: "bill_items", Columns: []Column{
			pk(), company(), reqRef("bill_id", "bills"), ref("product_id", "products"),
			opt("description", TypeText), req("quantity", TypeNumeric), req("unit_price", TypeNumeric),
			opt("tax_rate", TypeNumeric), opt("line_total", TypeNumeric),
		}},
		{Name: "journal_entries", Columns: cols([]Column{
			pk(), company(), ref("branch_id", "branches"), ref("cost_center_id", "cost_centers"),
			req("entry_number", TypeText), req("entry_date", TypeDate), opt("description", TypeText),
			opt("reference_type", TypeText), opt("reference_id", TypeUUID), opt("status", TypeText),
		}, timestamps())},
		{Name: "journal_entry_lines", Columns: []Column{
			pk(), company(), reqRef("journal_entry_id", "journal_entries"),
			reqRef("account_id", "chart_of_accounts"), ref("cost_center_id", "cost_centers"),
			opt("description", TypeText), opt("debit", TypeNumeric), opt("credit", TypeNumeric),
		}},
	}
}

// DefaultRegistry returns a registry of the ERP tables.
func DefaultRegistry() *Registry {
	return MustRegistry(ERPTables()...)
}
