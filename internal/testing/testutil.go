package testing

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/offbit/flowtrace/internal/db"
	"github.com/offbit/flowtrace/internal/trace"
)

/* TestDB holds a test database connection */
type TestDB struct {
	DB    *sql.DB
	Store *db.Store
}

/* SetupTestDB creates a test database connection and schema. Skips the test
   when no database is reachable so unit tests still run standalone. */
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	testDBName := os.Getenv("TEST_DB_NAME")
	if testDBName == "" {
		testDBName = "flowtrace_test"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "flowtrace"),
		getEnv("TEST_DB_PASSWORD", "flowtrace"),
		testDBName,
	)

	testDB, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := testDB.PingContext(ctx); err != nil {
		testDB.Close()
		t.Skipf("Test database not available: %v", err)
	}

	store := db.NewStore(testDB)
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()
	if err := store.InitSchema(initCtx, 30*24*time.Hour); err != nil {
		testDB.Close()
		t.Fatalf("Failed to initialize test schema: %v", err)
	}

	return &TestDB{DB: testDB, Store: store}
}

/* CleanupTestDB truncates trace tables and closes the connection */
func (tdb *TestDB) CleanupTestDB(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tables := []string{
		"flow_traces",
		"trace_events",
		"trace_sessions",
		"trace_stats_hourly",
		"trace_stats_daily",
		"node_perf_hourly",
		"rollup_watermark",
		"api_keys",
	}
	for _, table := range tables {
		if _, err := tdb.DB.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Logf("Warning: Failed to truncate %s: %v", table, err)
		}
	}

	tdb.DB.Close()
}

/* CreateTestSession inserts a running session for tests */
func CreateTestSession(ctx context.Context, t *testing.T, store *db.Store, workflowID, executionID string) *trace.Session {
	t.Helper()
	sess, err := store.CreateSession(ctx, &trace.Session{
		WorkflowID:   workflowID,
		WorkflowName: "test workflow",
		ExecutionID:  executionID,
		UserID:       "test-user",
	})
	if err != nil {
		t.Fatalf("Failed to create test session: %v", err)
	}
	return sess
}

/* AddTestTrace inserts one trace row for tests */
func AddTestTrace(ctx context.Context, t *testing.T, store *db.Store, sess *trace.Session, status trace.TraceStatus, duration, size int64, ts time.Time) trace.FlowTrace {
	t.Helper()
	tr := trace.FlowTrace{
		SessionID:  sess.ID,
		WorkflowID: sess.WorkflowID,
		Timestamp:  ts,
		Duration:   duration,
		Status:     status,
		Source: trace.Node{
			NodeID: "node-a", NodeName: "Source", NodeType: "input",
			PortID: "out-1", PortName: "output", PortType: "data",
		},
		Target: trace.Node{
			NodeID: "node-b", NodeName: "Target", NodeType: "transform",
			PortID: "in-1", PortName: "input", PortType: "data",
		},
		Data: trace.Data{Size: size, Type: "json", Preview: "{}"},
	}
	if status == trace.TraceError {
		tr.Error = &trace.Error{Message: "test failure", Code: "E_TEST"}
	}
	batch := []trace.FlowTrace{tr}
	if err := store.InsertTraces(ctx, batch); err != nil {
		t.Fatalf("Failed to insert test trace: %v", err)
	}
	// InsertTraces assigns the generated id into the batch.
	return batch[0]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
