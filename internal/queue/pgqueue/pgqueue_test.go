package pgqueue

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/drfirst/go-rxledger/internal/queue"
)

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type execCall struct {
	sql  string
	args []any
}

// fakeTx records statements. Methods the queue never calls are left to the
// embedded nil interface.
type fakeTx struct {
	pgx.Tx
	row        *claimedRow
	execs      []execCall
	execErr    error
	committed  bool
	rolledBack bool
}

// claimedRow is the single task row; attempt is the stored delivery count.
type claimedRow struct {
	id, lane, kind, key string
	payload             []byte
	attempt             int
	enqueuedAt          time.Time
}

func (tx *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{scan: func(dest ...any) error {
		if tx.row == nil {
			return pgx.ErrNoRows
		}
		*dest[0].(*string) = tx.row.id
		*dest[1].(*string) = tx.row.lane
		*dest[2].(*string) = tx.row.kind
		*dest[3].(*string) = tx.row.key
		*dest[4].(*[]byte) = tx.row.payload
		*dest[5].(*int) = tx.row.attempt
		*dest[6].(*time.Time) = tx.row.enqueuedAt
		return nil
	}}
}

func (tx *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tx.execs = append(tx.execs, execCall{sql: sql, args: args})
	if tx.execErr != nil {
		return pgconn.CommandTag{}, tx.execErr
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *fakeTx) Commit(ctx context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(ctx context.Context) error {
	if !tx.committed {
		tx.rolledBack = true
	}
	return nil
}

// fakeDB applies the delivery count to row directly, outside any
// transaction, the way an autocommitted statement would.
type fakeDB struct {
	row    *claimedRow
	tx     *fakeTx
	execs  []execCall
	begins int
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.begins++
	return db.tx, nil
}

func (db *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (db *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if strings.Contains(sql, "RETURNING id") {
		return fakeRow{scan: func(dest ...any) error {
			if db.row == nil {
				return pgx.ErrNoRows
			}
			db.row.attempt++
			*dest[0].(*string) = db.row.id
			return nil
		}}
	}
	return fakeRow{scan: func(dest ...any) error {
		*dest[0].(*int64) = 3
		*dest[1].(*int64) = 1
		return nil
	}}
}

// newClaim returns a lane holding one task delivered attempt times before.
func newClaim(attempt int) *fakeDB {
	row := &claimedRow{
		id:         "5b0c7f38-8f0e-4c43-9d0e-0f5c2a8c1e11",
		lane:       "ledger",
		kind:       string(queue.KindCreateOrUpdateAsset),
		key:        "P-1",
		payload:    []byte(`{"PatientId":"P-1"}`),
		attempt:    attempt,
		enqueuedAt: time.Now(),
	}
	return &fakeDB{row: row, tx: &fakeTx{row: row}}
}

func TestProcessNext_EmptyLane(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	q := New(db, DefaultConfig(), queue.DefaultOptions(), nil, nil)

	handled, err := q.processNext(context.Background(), queue.LaneLedger, func(ctx context.Context, task *queue.Task) error {
		t.Fatal("handler must not run on an empty lane")
		return nil
	})
	if err != nil || handled {
		t.Fatalf("expected nothing handled, got %v %v", handled, err)
	}
	if db.begins != 0 {
		t.Error("no claim transaction should be opened for an empty lane")
	}
}

func TestProcessNext_AckDeletes(t *testing.T) {
	db := newClaim(0)
	q := New(db, DefaultConfig(), queue.DefaultOptions(), nil, nil)

	var got *queue.Task
	handled, err := q.processNext(context.Background(), queue.LaneLedger, func(ctx context.Context, task *queue.Task) error {
		got = task
		return nil
	})
	if err != nil || !handled {
		t.Fatalf("processNext: %v %v", handled, err)
	}

	if got.Key != "P-1" || got.Kind != queue.KindCreateOrUpdateAsset || got.Lane != queue.LaneLedger {
		t.Errorf("unexpected task %+v", got)
	}
	if got.Attempt != 0 {
		t.Errorf("first delivery should be attempt 0, got %d", got.Attempt)
	}
	if string(got.Payload) != `{"PatientId":"P-1"}` {
		t.Errorf("unexpected payload %s", got.Payload)
	}
	if len(db.tx.execs) != 1 || !strings.HasPrefix(db.tx.execs[0].sql, "DELETE") {
		t.Errorf("expected a single DELETE, got %+v", db.tx.execs)
	}
	if !db.tx.committed {
		t.Error("expected commit")
	}
}

func TestProcessNext_NackSchedulesRedelivery(t *testing.T) {
	db := newClaim(0)
	opts := queue.Options{MaxDeliveries: 3, RedeliveryDelay: 30 * time.Second}
	q := New(db, DefaultConfig(), opts, nil, nil)

	_, err := q.processNext(context.Background(), queue.LaneLedger, func(ctx context.Context, task *queue.Task) error {
		return errors.New("gateway unreachable")
	})
	if err != nil {
		t.Fatalf("processNext: %v", err)
	}

	if len(db.tx.execs) != 1 {
		t.Fatalf("expected one statement, got %d", len(db.tx.execs))
	}
	call := db.tx.execs[0]
	if !strings.Contains(call.sql, "available_at") || strings.Contains(call.sql, "attempt") {
		t.Errorf("nack should only reschedule, got %s", call.sql)
	}
	if call.args[1] != 30.0 || call.args[2] != "gateway unreachable" {
		t.Errorf("unexpected args %v", call.args)
	}
	if db.row.attempt != 1 {
		t.Errorf("expected one counted delivery, got %d", db.row.attempt)
	}
	if !db.tx.committed {
		t.Error("expected commit")
	}
}

func TestProcessNext_DeadLetterAtCap(t *testing.T) {
	db := newClaim(2)
	q := New(db, DefaultConfig(), queue.Options{MaxDeliveries: 3}, nil, nil)

	q.processNext(context.Background(), queue.LaneLedger, func(ctx context.Context, task *queue.Task) error {
		return errors.New("still failing")
	})

	if len(db.tx.execs) != 1 || !strings.Contains(db.tx.execs[0].sql, "dead_at = NOW()") {
		t.Errorf("expected dead letter update, got %+v", db.tx.execs)
	}
}

func TestProcessNext_RolledBackDeliveryStillCounts(t *testing.T) {
	db := newClaim(0)
	db.tx.execErr = errors.New("connection reset")
	q := New(db, DefaultConfig(), queue.Options{MaxDeliveries: 3, RedeliveryDelay: time.Second}, nil, nil)

	handler := func(ctx context.Context, task *queue.Task) error { return nil }
	if _, err := q.processNext(context.Background(), queue.LaneLedger, handler); err == nil {
		t.Fatal("expected settle error")
	}
	if !db.tx.rolledBack {
		t.Fatal("expected the claim to be rolled back")
	}
	if db.row.attempt != 1 {
		t.Fatalf("rollback must not undo the delivery count, got %d", db.row.attempt)
	}

	db.tx = &fakeTx{row: db.row}
	var attempt int
	q.processNext(context.Background(), queue.LaneLedger, func(ctx context.Context, task *queue.Task) error {
		attempt = task.Attempt
		return nil
	})
	if attempt != 1 {
		t.Errorf("redelivery should see attempt 1, got %d", attempt)
	}
}

func TestProcessNext_CrashLoopingTaskIsDeadLettered(t *testing.T) {
	// three deliveries that never settled
	db := newClaim(3)
	q := New(db, DefaultConfig(), queue.Options{MaxDeliveries: 3}, nil, nil)

	handled, err := q.processNext(context.Background(), queue.LaneLedger, func(ctx context.Context, task *queue.Task) error {
		t.Fatal("a task past its delivery cap must not reach the handler")
		return nil
	})
	if err != nil || !handled {
		t.Fatalf("processNext: %v %v", handled, err)
	}
	if len(db.tx.execs) != 1 || !strings.Contains(db.tx.execs[0].sql, "dead_at = NOW()") {
		t.Errorf("expected dead letter update, got %+v", db.tx.execs)
	}
	if !db.tx.committed {
		t.Error("expected commit")
	}
}

func TestProcessNext_ShutdownLeavesTaskVisible(t *testing.T) {
	db := newClaim(0)
	q := New(db, DefaultConfig(), queue.DefaultOptions(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	q.processNext(ctx, queue.LaneLedger, func(ctx context.Context, task *queue.Task) error {
		cancel()
		return ctx.Err()
	})

	if len(db.tx.execs) != 0 || db.tx.committed || !db.tx.rolledBack {
		t.Errorf("expected rollback only, got execs=%d committed=%v", len(db.tx.execs), db.tx.committed)
	}
	if len(db.execs) != 1 || !strings.Contains(db.execs[0].sql, "attempt = attempt - 1") {
		t.Errorf("interrupted delivery should be uncounted, got %+v", db.execs)
	}
}

func TestEnqueueAndStats(t *testing.T) {
	db := &fakeDB{}
	q := New(db, DefaultConfig(), queue.DefaultOptions(), nil, nil)

	task, _ := queue.NewTask(queue.KindUploadContent, "doc-1", map[string]string{"name": "scan.pdf"})
	if err := q.Enqueue(context.Background(), queue.LaneUpload, task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if task.Lane != queue.LaneUpload {
		t.Errorf("expected lane to be set, got %q", task.Lane)
	}
	if len(db.execs) != 1 || db.execs[0].args[1] != "upload" {
		t.Errorf("unexpected insert %+v", db.execs)
	}

	stats, err := q.Stats(context.Background(), queue.LaneUpload)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 3 || stats.Dead != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
