package snapshot

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func newTestValidator(t *testing.T, maxViolations int) *Validator {
	t.Helper()
	v, err := NewValidator(DefaultRegistry(), ValidatorOptions{
		SupportedVersions:       ">= 1.0, < 2.0",
		SupportedSchemaVersions: ">= 1.0, < 2.0",
		MaxViolations:           maxViolations,
	})
	if err != nil {
		t.Fatalf("NewValidator() error: %v", err)
	}
	return v
}

// wantStage asserts err is a *ValidationError for stage wrapping kind.
func wantStage(t *testing.T, err error, stage Stage, kind error) *ValidationError {
	t.Helper()
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	if ve.Stage != stage {
		t.Errorf("Stage = %s, want %s (%v)", ve.Stage, stage, err)
	}
	if kind != nil && !errors.Is(err, kind) {
		t.Errorf("error %v does not wrap %v", err, kind)
	}
	return ve
}

func TestValidate_ValidSingleBranch(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{"branches": {branchRow(uuid.NewString(), "HQ", "Head Office")}})
	if err := newTestValidator(t, 0).Validate(snap, testCompany); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidate_FullLedger(t *testing.T) {
	branch, customer, invoice, product := uuid.NewString(), uuid.NewString(), uuid.NewString(), uuid.NewString()
	co := testCompany.String()
	snap := testSnapshot(t, map[string][]Row{
		"branches":  {branchRow(branch, "HQ", "Head Office")},
		"customers": {{"id": customer, "company_id": co, "branch_id": branch, "name": "Globex", "credit_limit": json.Number("5000.00")}},
		"products":  {{"id": product, "company_id": co, "sku": "W-1", "name": "Widget", "item_type": "product"}},
		"invoices": {{
			"id": invoice, "company_id": co, "customer_id": customer, "invoice_number": "INV-1",
			"invoice_date": "2024-03-01", "total_amount": json.Number("100.00"),
			"created_at": "2024-03-01T09:30:00.123456+00:00",
		}},
		"invoice_items": {{
			"id": uuid.NewString(), "invoice_id": invoice, "product_id": product,
			"quantity": json.Number("2"), "unit_price": json.Number("50.0000"),
		}},
	})
	if err := newTestValidator(t, 0).Validate(snap, testCompany); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidate_BranchMissingRequiredColumns(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{
		"branches": {{"id": uuid.NewString(), "company_id": testCompany.String()}},
	})

	err := newTestValidator(t, 0).Validate(snap, testCompany)
	ve := wantStage(t, err, StageRows, ErrMissingColumn)
	if len(ve.Violations()) != 2 {
		t.Errorf("violations = %d, want 2 (branch_code and branch_name)", len(ve.Violations()))
	}
	for _, col := range []string{"branch_code", "branch_name"} {
		if !strings.Contains(err.Error(), col) {
			t.Errorf("error %q does not mention %s", err, col)
		}
	}
	if !strings.Contains(err.Error(), "branch row 1") {
		t.Errorf("error %q does not locate the row", err)
	}
}

func TestValidate_CompanyMismatch(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{"branches": {branchRow(uuid.NewString(), "HQ", "Head Office")}})
	other := uuid.New()

	err := newTestValidator(t, 0).Validate(snap, other)
	wantStage(t, err, StageCompany, ErrCompanyMismatch)
}

func TestValidate_RowFromAnotherCompany(t *testing.T) {
	row := branchRow(uuid.NewString(), "HQ", "Head Office")
	row["company_id"] = uuid.NewString()
	snap := testSnapshot(t, map[string][]Row{"branches": {row}})

	err := newTestValidator(t, 0).Validate(snap, testCompany)
	wantStage(t, err, StageRows, ErrCompanyMismatch)
}

func TestValidate_Format(t *testing.T) {
	tests := []struct {
		name          string
		version       string
		schemaVersion string
	}{
		{"future major", "2.0", "1.0"},
		{"missing version", "", "1.0"},
		{"garbage schema", "1.0", "latest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := testSnapshot(t, map[string][]Row{"branches": {}})
			snap.Metadata.Version = tt.version
			snap.Metadata.SchemaVersion = tt.schemaVersion
			err := newTestValidator(t, 0).Validate(snap, testCompany)
			wantStage(t, err, StageFormat, ErrUnsupportedVersion)
		})
	}
}

func TestValidate_Shape(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		kind   error
	}{
		{"listed table without data", func(s *Snapshot) { s.SchemaInfo.Tables = append(s.SchemaInfo.Tables, "customers") }, ErrMissingTableData},
		{"null table data", func(s *Snapshot) { s.Data["branches"] = nil }, ErrMissingTableData},
		{"unlisted data", func(s *Snapshot) { s.Data["customers"] = []Row{} }, ErrUnlistedTable},
		{"unknown table", func(s *Snapshot) {
			s.SchemaInfo.Tables = append(s.SchemaInfo.Tables, "payroll")
			s.Data["payroll"] = []Row{}
		}, ErrUnknownTable},
		{"no tables", func(s *Snapshot) { s.SchemaInfo.Tables = nil; s.Data = map[string][]Row{} }, ErrMissingTableData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := testSnapshot(t, map[string][]Row{"branches": {}})
			tt.mutate(snap)
			err := newTestValidator(t, 0).Validate(snap, testCompany)
			wantStage(t, err, StageShape, tt.kind)
		})
	}
}

func TestValidate_RowValues(t *testing.T) {
	tests := []struct {
		name string
		row  Row
		kind error
	}{
		{"unknown column", Row{"nickname": "x"}, ErrUnknownColumn},
		{"bad primary key", Row{"id": "not-a-uuid"}, ErrInvalidValue},
		{"bool as string", Row{"is_main": "yes"}, ErrInvalidValue},
		{"bool in text column", Row{"branch_code": true}, ErrInvalidValue},
		{"blank required", Row{"branch_name": "   "}, ErrMissingColumn},
		{"bad timestamp", Row{"created_at": "yesterday"}, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := branchRow(uuid.NewString(), "HQ", "Head Office")
			for k, v := range tt.row {
				row[k] = v
			}
			snap := testSnapshot(t, map[string][]Row{"branches": {row}})
			err := newTestValidator(t, 0).Validate(snap, testCompany)
			wantStage(t, err, StageRows, tt.kind)
		})
	}
}

func TestValidate_EnumColumn(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{"chart_of_accounts": {{
		"id": uuid.NewString(), "account_code": "1000", "account_name": "Cash", "account_type": "cash",
	}}})
	err := newTestValidator(t, 0).Validate(snap, testCompany)
	wantStage(t, err, StageRows, ErrInvalidValue)
}

func TestValidate_DuplicatePrimaryKey(t *testing.T) {
	id := uuid.NewString()
	snap := testSnapshot(t, map[string][]Row{"branches": {branchRow(id, "A", "A"), branchRow(id, "B", "B")}})
	err := newTestValidator(t, 0).Validate(snap, testCompany)
	wantStage(t, err, StageRows, ErrDuplicateKey)
}

func TestValidate_DanglingReference(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{
		"branches":     {branchRow(uuid.NewString(), "HQ", "Head Office")},
		"cost_centers": {{"id": uuid.NewString(), "branch_id": uuid.NewString(), "code": "CC1", "name": "Ops"}},
	})
	err := newTestValidator(t, 0).Validate(snap, testCompany)
	wantStage(t, err, StageReferences, ErrDanglingReference)
}

func TestValidate_ReferenceOutsideSnapshotLeftToDatabase(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{
		"cost_centers": {{"id": uuid.NewString(), "branch_id": uuid.NewString(), "code": "CC1", "name": "Ops"}},
	})
	if err := newTestValidator(t, 0).Validate(snap, testCompany); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidate_Totals(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{"branches": {branchRow(uuid.NewString(), "HQ", "Head Office")}})
	snap.Metadata.TotalRecords = 5
	err := newTestValidator(t, 0).Validate(snap, testCompany)
	wantStage(t, err, StageTotals, ErrRecordCount)
}

func TestValidate_ChecksumMismatch(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{"branches": {branchRow(uuid.NewString(), "HQ", "Head Office")}})
	snap.Data["branches"][0]["branch_name"] = "Tampered"

	err := newTestValidator(t, 0).Validate(snap, testCompany)
	wantStage(t, err, StageIntegrity, ErrChecksumMismatch)
}

func TestValidate_MissingChecksum(t *testing.T) {
	snap := testSnapshot(t, map[string][]Row{"branches": {}})
	snap.Metadata.Checksum = ""
	err := newTestValidator(t, 0).Validate(snap, testCompany)
	wantStage(t, err, StageIntegrity, ErrChecksumMismatch)
}

func TestValidate_StagesStopAtFirstFailure(t *testing.T) {
	// Company mismatch and a tampered checksum: only the company stage is reported.
	snap := testSnapshot(t, map[string][]Row{"branches": {branchRow(uuid.NewString(), "HQ", "Head Office")}})
	snap.Metadata.Checksum = strings.Repeat("0", 64)
	err := newTestValidator(t, 0).Validate(snap, uuid.New())
	wantStage(t, err, StageCompany, ErrCompanyMismatch)
	if errors.Is(err, ErrChecksumMismatch) {
		t.Error("later stage leaked into the error")
	}
}

func TestValidate_MaxViolations(t *testing.T) {
	rows := make([]Row, 0, 10)
	for i := 0; i < 10; i++ {
		rows = append(rows, Row{"id": uuid.NewString(), "branch_code": "X"})
	}
	snap := testSnapshot(t, map[string][]Row{"branches": rows})

	err := newTestValidator(t, 3).Validate(snap, testCompany)
	ve := wantStage(t, err, StageRows, ErrMissingColumn)
	if len(ve.Violations()) != 3 {
		t.Errorf("violations = %d, want 3", len(ve.Violations()))
	}
	if ve.Omitted != 7 {
		t.Errorf("Omitted = %d, want 7", ve.Omitted)
	}
	if !strings.Contains(err.Error(), "and 7 more") {
		t.Errorf("error %q does not report omitted count", err)
	}
}

func TestValidate_RowViolationsInColumnOrder(t *testing.T) {
	row := branchRow(uuid.NewString(), "HQ", "Head Office")
	for _, name := range []string{"zeta", "mid", "alpha", "beta"} {
		row[name] = "x"
	}
	snap := testSnapshot(t, map[string][]Row{"branches": {row}})

	var first string
	for i := 0; i < 20; i++ {
		err := newTestValidator(t, 2).Validate(snap, testCompany)
		ve := wantStage(t, err, StageRows, ErrUnknownColumn)
		if i == 0 {
			first = err.Error()
			msgs := ve.Violations()
			if len(msgs) != 2 || !strings.Contains(msgs[0].Error(), "alpha") || !strings.Contains(msgs[1].Error(), "beta") {
				t.Fatalf("violations = %v, want alpha then beta", msgs)
			}
			continue
		}
		if err.Error() != first {
			t.Fatalf("run %d error = %q, want %q", i, err.Error(), first)
		}
	}
}

func TestValidate_ExponentNumbersKeepChecksum(t *testing.T) {
	row := Row{"id": uuid.NewString(), "sku": "W-1", "name": "Widget", "unit_price": json.Number("1E+2")}
	snap := testSnapshot(t, map[string][]Row{"products": {row}})
	if err := newTestValidator(t, 0).Validate(snap, testCompany); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	raw, err := snap.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.Contains(string(raw), `"unit_price":1E+2`) {
		t.Fatalf("encoded snapshot lost the exponent form: %s", raw)
	}
	parsed, err := ParseBytes(raw)
	if err != nil {
		t.Fatalf("ParseBytes() error: %v", err)
	}
	if err := newTestValidator(t, 0).Validate(parsed, testCompany); err != nil {
		t.Fatalf("Validate() after round trip error: %v", err)
	}

	// the same value as normalized by jsonb no longer matches the checksum
	rewritten := strings.Replace(string(raw), `"unit_price":1E+2`, `"unit_price":100`, 1)
	normalized, err := ParseBytes([]byte(rewritten))
	if err != nil {
		t.Fatalf("ParseBytes() error: %v", err)
	}
	err = newTestValidator(t, 0).Validate(normalized, testCompany)
	wantStage(t, err, StageIntegrity, ErrChecksumMismatch)
}

func TestNewValidator_BadConstraint(t *testing.T) {
	_, err := NewValidator(DefaultRegistry(), ValidatorOptions{SupportedVersions: "??", SupportedSchemaVersions: ">= 1.0"})
	if err == nil {
		t.Error("NewValidator() expected error for malformed constraint")
	}
}

func TestStageOf(t *testing.T) {
	if got := StageOf(SignatureError(errors.New("bad"))); got != StageSignature {
		t.Errorf("StageOf() = %q, want signature", got)
	}
	if got := StageOf(errors.New("plain")); got != "" {
		t.Errorf("StageOf() = %q, want empty", got)
	}
}
