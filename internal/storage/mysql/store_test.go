package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	"AgentTaskEscrow/deploy/migrations"
	"AgentTaskEscrow/internal/bank"
	xerrors "AgentTaskEscrow/internal/errors"
	"AgentTaskEscrow/internal/escrow"
	"AgentTaskEscrow/internal/storage"
)

func sampleTask() *escrow.Task {
	return &escrow.Task{
		ID:                   3,
		Client:               common.HexToAddress("0xc1"),
		Agent:                common.HexToAddress("0xa1"),
		Description:          "summarise the quarterly report",
		PaymentToken:         common.HexToAddress("0xa00"),
		PaymentAmount:        big.NewInt(500),
		StakeToken:           common.HexToAddress("0xb00"),
		StakeAmount:          big.NewInt(50),
		DisputeBond:          big.NewInt(0),
		Deadline:             1_700_003_600,
		ResultHash:           common.HexToHash("0x01"),
		AssertionEvidenceURI: "ipfs://bafy",
		CooldownEndsAt:       1_700_000_100,
		Status:               escrow.StatusResultAsserted,
		CreatedAt:            1_700_000_000,
		UpdatedAt:            1_700_000_050,
	}
}

func taskRow(t *escrow.Task) []driver.Value {
	values := storage.TaskValues(t)
	row := make([]driver.Value, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}

func taskColumns() []string {
	var cols []string
	for _, c := range strings.Split(storage.TaskColumns, ",") {
		cols = append(cols, strings.TrimSpace(c))
	}
	return cols
}

func TestStoreSaveUpserts(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(upsertTaskSQL, mockResult{rowsAffected: 1}),
		execOp(upsertTaskSQL, mockResult{rowsAffected: 2}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := NewStore(db)
	task := sampleTask()
	if err := store.Save(context.Background(), task); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	task.Status = escrow.StatusResolved
	task.Outcome = escrow.OutcomeAgentPaid
	if err := store.Save(context.Background(), task); err != nil {
		t.Fatalf("second save failed: %v", err)
	}
}

func samplePositions() []bank.Position {
	return []bank.Position{
		{Token: common.HexToAddress("0xa00"), Holder: common.HexToAddress("0xc1"), Balance: big.NewInt(500), Allowance: big.NewInt(0)},
		{Token: common.HexToAddress("0xa00"), Holder: common.HexToAddress("0xe5"), Balance: big.NewInt(500), Allowance: big.NewInt(0)},
	}
}

func TestSaveWithPositionsCommitsTogether(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(upsertTaskSQL, mockResult{rowsAffected: 1}),
		execOp(upsertPositionSQL, mockResult{rowsAffected: 1}),
		execOp(upsertPositionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := NewStore(db).SaveWithPositions(context.Background(), sampleTask(), samplePositions()); err != nil {
		t.Fatalf("save with positions: %v", err)
	}
}

func TestSaveWithPositionsRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	failing := execOp(upsertPositionSQL, mockResult{})
	failing.err = &mysql.MySQLError{Number: errLockWait, Message: "Lock wait timeout exceeded"}
	db, driver := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(upsertTaskSQL, mockResult{rowsAffected: 1}),
		failing,
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	err := NewStore(db).SaveWithPositions(context.Background(), sampleTask(), samplePositions())
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable storage failure, got %v", err)
	}
}

func TestLoadPositionsDecodesRows(t *testing.T) {
	t.Parallel()

	var values [][]driver.Value
	for _, p := range samplePositions() {
		row := storage.PositionValues(p, 1_700_000_000)
		values = append(values, []driver.Value{row[0], row[1], row[2], row[3], row[4]})
	}
	rows := mockRowsData{columns: []string{"token", "holder", "balance", "allowance", "updated_at"}, values: values}
	db, driver := newMockDB(t, []mockOperation{queryOp(selectPositionsSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	positions, err := NewStore(db).LoadPositions(context.Background())
	if err != nil {
		t.Fatalf("load positions: %v", err)
	}
	if len(positions) != 2 || positions[1].Holder != common.HexToAddress("0xe5") || positions[1].Balance.Int64() != 500 {
		t.Fatalf("unexpected positions: %+v", positions)
	}
}

func TestStoreLoadAllDecodesRows(t *testing.T) {
	t.Parallel()

	first := sampleTask()
	first.ID = 0
	second := sampleTask()
	second.ID = 1
	second.Agent = common.Address{}
	second.StakeAmount = big.NewInt(0)
	second.Status = escrow.StatusCreated

	rows := mockRowsData{columns: taskColumns(), values: [][]driver.Value{taskRow(first), taskRow(second)}}
	db, driver := newMockDB(t, []mockOperation{queryOp(selectTasksSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	tasks, err := NewStore(db).LoadAll(context.Background())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(tasks))
	}
	got := tasks[0]
	if got.ID != 0 || got.Client != first.Client || got.PaymentAmount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected first task: %+v", got)
	}
	if got.ResultHash != first.ResultHash || got.CooldownEndsAt != first.CooldownEndsAt {
		t.Fatalf("assertion fields not restored: %+v", got)
	}
	if tasks[1].HasAgent() || tasks[1].Status != escrow.StatusCreated {
		t.Fatalf("unexpected second task: %+v", tasks[1])
	}
}

func TestStoreLoadAllRejectsUnknownStatus(t *testing.T) {
	t.Parallel()

	task := sampleTask()
	task.Status = escrow.Status("paused")
	rows := mockRowsData{columns: taskColumns(), values: [][]driver.Value{taskRow(task)}}
	db, driver := newMockDB(t, []mockOperation{queryOp(selectTasksSQL, rows)})
	defer driver.assertConsumed(t)
	defer db.Close()

	if _, err := NewStore(db).LoadAll(context.Background()); err == nil {
		t.Fatalf("expected unknown status to fail decoding")
	}
}

func TestStoreSaveClassifiesDriverErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       error
		code      xerrors.Code
		retryable bool
	}{
		{name: "duplicate", err: &mysql.MySQLError{Number: errDuplicateEntry, Message: "Duplicate entry"}, code: xerrors.CodeConflict},
		{name: "deadlock", err: &mysql.MySQLError{Number: errDeadlock, Message: "Deadlock found"}, code: xerrors.CodeStorageFailure, retryable: true},
		{name: "syntax", err: &mysql.MySQLError{Number: 1064, Message: "syntax"}, code: xerrors.CodeStorageFailure},
		{name: "plain", err: fmt.Errorf("connection reset"), code: xerrors.CodeStorageFailure, retryable: true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			op := execOp(upsertTaskSQL, mockResult{})
			op.err = tc.err
			db, driver := newMockDB(t, []mockOperation{op})
			defer driver.assertConsumed(t)
			defer db.Close()

			err := NewStore(db).Save(context.Background(), sampleTask())
			if xerrors.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if xerrors.RetryableError(err) != tc.retryable {
				t.Fatalf("retryable mismatch for %v", err)
			}
			e, _ := xerrors.From(err)
			if e.Metadata()["task_id"] != "3" {
				t.Fatalf("task id metadata missing: %v", e.Metadata())
			}
		})
	}
}

func TestMigrateAppliesEmbeddedFiles(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(storage.SchemaMigrationsDDL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
	}
	for _, migration := range loadMigrations() {
		ops = append(ops, beginOp())
		for _, stmt := range migration.Statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := NewStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
}

func TestMigrateSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	var applied [][]driver.Value
	for _, migration := range loadMigrations() {
		applied = append(applied, []driver.Value{migration.Version})
	}
	ops := []mockOperation{
		execOp(storage.SchemaMigrationsDDL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  applied,
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := NewStore(db).Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
}

func TestMigrateIncludesBalancesTable(t *testing.T) {
	t.Parallel()

	var found bool
	for _, migration := range loadMigrations() {
		for _, stmt := range migration.Statements {
			if strings.Contains(stmt, "escrow_balances") {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("escrow_balances migration missing")
	}
}

func TestMigrateRollsBackFailedStatement(t *testing.T) {
	t.Parallel()

	failing := execOp(readMigrationStatement(), mockResult{})
	failing.err = &mysql.MySQLError{Number: 1050, Message: "Table exists"}
	ops := []mockOperation{
		execOp(storage.SchemaMigrationsDDL, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failing,
		rollbackOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := NewStore(db).Migrate(context.Background()); err == nil {
		t.Fatalf("expected migration failure")
	}
}

func TestOpenRejectsInvalidDSN(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), Config{}); err == nil {
		t.Fatalf("expected empty DSN to be rejected")
	}
	if _, err := Open(context.Background(), Config{DSN: "not a dsn"}); err == nil {
		t.Fatalf("expected malformed DSN to be rejected")
	}
}

func loadMigrations() []storage.MigrationFile {
	files, err := migrations.Dialect("mysql")
	if err != nil {
		panic(fmt.Sprintf("failed to open migrations: %v", err))
	}
	loaded, err := storage.LoadMigrationFiles(files)
	if err != nil || len(loaded) == 0 {
		panic(fmt.Sprintf("failed to read migration: %v", err))
	}
	return loaded
}

func readMigrationStatement() string {
	return loadMigrations()[0].Statements[0]
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
