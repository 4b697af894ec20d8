package snapshot

import (
	"context"
	"errors"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func newTestExporter(t *testing.T) (*Exporter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewExporter(sqlx.NewDb(db, "sqlmock"), DefaultRegistry(), ExporterOptions{
		FormatVersion: "1.0", SchemaVersion: "1.0", SystemVersion: "1.0.0",
	}), mock
}

func TestExport_BuildsValidSnapshot(t *testing.T) {
	exp, mock := newTestExporter(t)
	branchID := uuid.NewString()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT name FROM companies").
		WithArgs(testCompany).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Acme"))
	for _, table := range DefaultRegistry().Order() {
		rows := sqlmock.NewRows([]string{"row_to_json"})
		switch table {
		case "branches":
			rows.AddRow(`{"id":"` + branchID + `","company_id":"` + testCompany.String() +
				`","branch_code":"HQ","branch_name":"Head Office","address":null,"phone":null,` +
				`"is_main":true,"is_active":true,"created_at":"2024-01-02T03:04:05.123456+00:00",` +
				`"updated_at":"2024-01-02T03:04:05.123456+00:00"}`)
		case "customers":
			rows.AddRow(`{"id":"` + uuid.NewString() + `","company_id":"` + testCompany.String() +
				`","branch_id":"` + branchID + `","name":"Globex","credit_limit":2500.00}`)
		}
		mock.ExpectQuery(regexp.QuoteMeta(`FROM "` + table + `" t WHERE t.company_id = $1`)).
			WithArgs(testCompany).
			WillReturnRows(rows)
	}
	mock.ExpectCommit()

	snap, err := exp.Export(context.Background(), testCompany, "owner@example.com")
	if err != nil {
		t.Fatalf("Export() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	if snap.Metadata.CompanyName != "Acme" || snap.Metadata.TotalRecords != 2 {
		t.Errorf("unexpected metadata %+v", snap.Metadata)
	}
	if len(snap.SchemaInfo.Tables) != len(DefaultRegistry().Order()) {
		t.Errorf("Tables = %v, want every registry table", snap.SchemaInfo.Tables)
	}
	if got := snap.Data["customers"][0]["credit_limit"]; got == nil || got.(interface{ String() string }).String() != "2500.00" {
		t.Errorf("credit_limit = %v, want 2500.00 verbatim", got)
	}

	v := newTestValidator(t, 0)
	if err := v.Validate(snap, testCompany); err != nil {
		t.Errorf("exported snapshot does not validate: %v", err)
	}
}

func TestExport_CompanyNotFound(t *testing.T) {
	exp, mock := newTestExporter(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT name FROM companies").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectRollback()

	_, err := exp.Export(context.Background(), testCompany, "x")
	if !errors.Is(err, ErrCompanyNotFound) {
		t.Errorf("Export() error = %v, want ErrCompanyNotFound", err)
	}
}

func TestExport_TableError(t *testing.T) {
	exp, mock := newTestExporter(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT name FROM companies").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("Acme"))
	mock.ExpectQuery(`FROM "branches"`).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	if _, err := exp.Export(context.Background(), testCompany, "x"); err == nil {
		t.Error("Export() expected error")
	}
}
