// Package testhelpers starts the Postgres instance used by integration tests. Tests
// that use it carry the integration build tag and need a Docker daemon.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/erp-backup/backup-service/internal/db"
)

// PostgresImage is the server version the migrations are written against.
const PostgresImage = "postgres:16-alpine"

// TestDB is a migrated database shared by every test in the run.
type TestDB struct {
	Container testcontainers.Container
	DB        *sql.DB
	DSN       string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns the shared database, starting the container and applying the
// migrations on first use.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})
	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}
	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        PostgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "erp_test",
				"POSTGRES_USER":     "erp",
				"POSTGRES_PASSWORD": "test_password",
			},
			// The entrypoint restarts the server once after init.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	dsn := fmt.Sprintf("host=%s port=%s user=erp password=test_password dbname=erp_test sslmode=disable", host, port.Port())

	var database *sql.DB
	for i := 0; i < 10; i++ {
		if database, err = db.Connect(dsn, 10, 2); err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	if err := db.RunMigrations(database, "up"); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{Container: container, DB: database, DSN: dsn}, nil
}

// SeedCompany creates a company owned by a fresh user and returns both ids. Each test
// works in its own company, so tests sharing the database do not see each other's rows.
func SeedCompany(t *testing.T, database *sql.DB) (companyID, ownerID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	companyID, ownerID = uuid.New(), uuid.New()
	email := fmt.Sprintf("owner-%s@example.com", ownerID.String()[:8])

	if _, err := database.ExecContext(ctx,
		`INSERT INTO users (id, email, name) VALUES ($1, $2, 'Test Owner')`, ownerID, email); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := database.ExecContext(ctx,
		`INSERT INTO companies (id, name, owner_id) VALUES ($1, 'Test Company', $2)`, companyID, ownerID); err != nil {
		t.Fatalf("insert company: %v", err)
	}
	if _, err := database.ExecContext(ctx,
		`INSERT INTO company_members (company_id, user_id, role, is_default) VALUES ($1, $2, 'owner', true)`,
		companyID, ownerID); err != nil {
		t.Fatalf("insert membership: %v", err)
	}
	return companyID, ownerID
}

// CountRows counts a company's rows in one table.
func CountRows(t *testing.T, database *sql.DB, table string, companyID uuid.UUID) int {
	t.Helper()
	var n int
	// table names come from test code, never from input
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %q WHERE company_id = $1`, table)
	if err := database.QueryRowContext(context.Background(), query, companyID).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
