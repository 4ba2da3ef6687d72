package xrpc

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/xrpcd/pkg/logging"
)

const (
	checkSQL = `SELECT NOT "xrpc".check_batch($1, $2, $3)`
	markSQL  = `SELECT "xrpc".set_batch_done($1, $2, $3)`
	tickSQL  = `SELECT set_config($1, $2, true)`
)

type mockConns struct {
	dbs       map[string]*sql.DB
	requested []string
	onConn    func()
}

func (m *mockConns) Conn(ctx context.Context, destination string) (*sql.Conn, error) {
	m.requested = append(m.requested, destination)
	db, ok := m.dbs[destination]
	if !ok {
		return nil, fmt.Errorf("unknown destination %q", destination)
	}
	conn, err := db.Conn(ctx)
	if m.onConn != nil {
		m.onConn()
	}
	return conn, err
}

func newMockDests(t *testing.T, names ...string) (*mockConns, map[string]sqlmock.Sqlmock) {
	t.Helper()
	conns := &mockConns{dbs: map[string]*sql.DB{}}
	mocks := map[string]sqlmock.Sqlmock{}
	for _, name := range names {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		conns.dbs[name] = db
		mocks[name] = mock
	}
	return conns, mocks
}

func capture() (*logrus.Entry, *bytes.Buffer) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(l), &buf
}

func newTestDispatcher(t *testing.T, conns ConnSource, opts DispatcherOptions) *Dispatcher {
	t.Helper()
	opts.Source = "src"
	opts.Queue = "q"
	d, err := NewDispatcher(conns, opts)
	require.NoError(t, err)
	return d
}

func expectCheck(mock sqlmock.Sqlmock, batchID int64, done bool) {
	mock.ExpectQuery(regexp.QuoteMeta(checkSQL)).
		WithArgs("src", "q", batchID).
		WillReturnRows(sqlmock.NewRows([]string{"done"}).AddRow(done))
}

func expectWork(mock sqlmock.Sqlmock, batch *Batch, chunks []Chunk) {
	mock.ExpectExec(regexp.QuoteMeta(tickSQL)).
		WithArgs("xrpc.tick_id", fmt.Sprint(batch.TickID)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, ch := range chunks {
		mock.ExpectExec(regexp.QuoteMeta(ch.SQL())).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec(regexp.QuoteMeta(markSQL)).
		WithArgs("src", "q", batch.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func chunksFor(t *testing.T, batchID int64, limit int, events ...Event) []Chunk {
	t.Helper()
	calls := make([]*Call, 0, len(events))
	for _, e := range events {
		calls = append(calls, Decode(e, nil))
	}
	chunks, err := NewBuilder("", "q", limit).Build(batchID, calls)
	require.NoError(t, err)
	return chunks
}

func states(res *BatchResult) []DestinationState {
	out := make([]DestinationState, 0, len(res.Destinations))
	for _, dr := range res.Destinations {
		out = append(out, dr.State)
	}
	return out
}

func TestNewDispatcher_Validation(t *testing.T) {
	t.Parallel()

	conns, _ := newMockDests(t)
	_, err := NewDispatcher(nil, DispatcherOptions{Source: "s", Queue: "q"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewDispatcher(conns, DispatcherOptions{Queue: "q"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewDispatcher(conns, DispatcherOptions{Source: "s"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewDispatcher(conns, DispatcherOptions{Source: "s", Queue: "q", Consistency: "eventual"})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewDispatcher(conns, DispatcherOptions{Source: "s", Queue: "q", ChunkBytes: -1})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDispatcher_SplitAppliesSortedCalls(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a")
	e1 := ev(1, "dst_a", "public.f", strp(`"user_id"=>"2"`))
	e2 := ev(2, "dst_a", "public.f", strp(`"user_id"=>"1"`))
	batch := &Batch{ID: 7, TickID: 42, Events: []Event{e1, e2}}

	m := mocks["dst_a"]
	m.ExpectBegin()
	expectCheck(m, 7, false)
	m.ExpectCommit()
	m.ExpectBegin()
	expectWork(m, batch, chunksFor(t, 7, 0, e2, e1))
	m.ExpectCommit()

	d := newTestDispatcher(t, conns, DispatcherOptions{})
	res, err := d.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.True(t, res.Handled())
	require.Equal(t, []DestinationState{StateCommitted}, states(res))
	require.True(t, res.Destinations[0].Ordered)
	require.Equal(t, 2, res.Destinations[0].Calls)
	require.Equal(t, 1, res.Destinations[0].Chunks)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDispatcher_SkipsAppliedBatch(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a", "dst_b")
	ea := ev(1, "dst_a", "public.f", nil)
	eb := ev(2, "dst_b", "public.f", nil)
	batch := &Batch{ID: 7, TickID: 42, Events: []Event{ea, eb}}

	a := mocks["dst_a"]
	a.ExpectBegin()
	expectCheck(a, 7, true)
	a.ExpectCommit()

	b := mocks["dst_b"]
	b.ExpectBegin()
	expectCheck(b, 7, false)
	b.ExpectCommit()
	b.ExpectBegin()
	expectWork(b, batch, chunksFor(t, 7, 0, eb))
	b.ExpectCommit()

	log, buf := capture()
	d := newTestDispatcher(t, conns, DispatcherOptions{Logger: log})
	res, err := d.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.True(t, res.Handled())
	require.Equal(t, []DestinationState{StateSkipped, StateCommitted}, states(res))
	require.Contains(t, buf.String(), "skip processed batch 7 (tick 42) for dst_a")
	require.NoError(t, a.ExpectationsWereMet())
	require.NoError(t, b.ExpectationsWereMet())
}

func TestDispatcher_AbortStopsLaterDestinations(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a", "dst_b", "dst_c")
	ea := ev(1, "dst_a", "public.f", nil)
	eb := ev(2, "dst_b", "public.f", nil)
	ec := ev(3, "dst_c", "public.f", nil)
	batch := &Batch{ID: 9, TickID: 50, Events: []Event{ea, eb, ec}}

	a := mocks["dst_a"]
	a.ExpectBegin()
	expectCheck(a, 9, false)
	a.ExpectCommit()
	a.ExpectBegin()
	expectWork(a, batch, chunksFor(t, 9, 0, ea))
	a.ExpectCommit()

	b := mocks["dst_b"]
	b.ExpectBegin()
	expectCheck(b, 9, false)
	b.ExpectCommit()
	b.ExpectBegin()
	b.ExpectExec(regexp.QuoteMeta(tickSQL)).WithArgs("xrpc.tick_id", "50").WillReturnResult(sqlmock.NewResult(0, 1))
	b.ExpectExec(regexp.QuoteMeta(chunksFor(t, 9, 0, eb)[0].SQL())).WillReturnError(errors.New("function public.f does not exist"))
	b.ExpectRollback()

	d := newTestDispatcher(t, conns, DispatcherOptions{})
	res, err := d.ProcessBatch(context.Background(), batch)
	require.ErrorIs(t, err, ErrExecution)
	require.False(t, res.Handled())
	require.Equal(t, []DestinationState{StateCommitted, StateAborted, StatePending}, states(res))
	require.Equal(t, []string{"dst_a", "dst_b"}, conns.requested)

	var ee *ExecutionError
	require.True(t, errors.As(err, &ee))
	require.Equal(t, "dst_b", ee.Destination)
	require.Equal(t, stepChunk, ee.Step)
	require.Equal(t, 0, ee.Chunk)
	require.Contains(t, err.Error(), `destination "dst_b" batch 9 chunk 0`)

	require.NoError(t, a.ExpectationsWereMet())
	require.NoError(t, b.ExpectationsWereMet())
	require.NoError(t, mocks["dst_c"].ExpectationsWereMet())
}

func TestDispatcher_UndecodableArgsAbortBeforeWork(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a")
	batch := &Batch{ID: 3, TickID: 4, Events: []Event{
		ev(1, "dst_a", "public.f", nil),
		ev(2, "dst_a", "public.f", strp(`"broken`)),
	}}

	m := mocks["dst_a"]
	m.ExpectBegin()
	expectCheck(m, 3, false)
	m.ExpectCommit()

	d := newTestDispatcher(t, conns, DispatcherOptions{})
	res, err := d.ProcessBatch(context.Background(), batch)
	require.ErrorIs(t, err, ErrBuild)
	require.Equal(t, []DestinationState{StateAborted}, states(res))
	require.Equal(t, 0, res.Destinations[0].Chunks)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDispatcher_AtomicSingleTransaction(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a")
	e := ev(1, "dst_a", "public.f", strp(`"user_id"=>"1"`))
	batch := &Batch{ID: 11, TickID: 12, Events: []Event{e}}

	m := mocks["dst_a"]
	m.ExpectBegin()
	expectCheck(m, 11, false)
	expectWork(m, batch, chunksFor(t, 11, 0, e))
	m.ExpectCommit()

	d := newTestDispatcher(t, conns, DispatcherOptions{Consistency: ConsistencyAtomic})
	res, err := d.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, []DestinationState{StateCommitted}, states(res))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDispatcher_AtomicRollsBackOnBuildError(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a")
	batch := &Batch{ID: 11, TickID: 12, Events: []Event{ev(1, "dst_a", "public.f", strp(`"broken`))}}

	m := mocks["dst_a"]
	m.ExpectBegin()
	expectCheck(m, 11, false)
	m.ExpectRollback()

	d := newTestDispatcher(t, conns, DispatcherOptions{Consistency: ConsistencyAtomic})
	_, err := d.ProcessBatch(context.Background(), batch)
	require.ErrorIs(t, err, ErrBuild)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDispatcher_OrderingFallbackKeepsArrival(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a")
	e1 := ev(1, "dst_a", "public.f", strp(`"user_id"=>"9"`))
	e2 := ev(2, "dst_a", "public.f", strp(`"user_id"=>"abc"`))
	batch := &Batch{ID: 5, TickID: 6, Events: []Event{e1, e2}}

	m := mocks["dst_a"]
	m.ExpectBegin()
	expectCheck(m, 5, false)
	m.ExpectCommit()
	m.ExpectBegin()
	expectWork(m, batch, chunksFor(t, 5, 0, e1, e2))
	m.ExpectCommit()

	log, buf := capture()
	d := newTestDispatcher(t, conns, DispatcherOptions{Logger: log})
	res, err := d.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.False(t, res.Destinations[0].Ordered)
	require.Contains(t, buf.String(), "cannot sort calls")
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDispatcher_ChunksRunInOrder(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a")
	events := []Event{
		ev(1, "dst_a", "public.f", strp(`"user_id"=>"1"`)),
		ev(2, "dst_a", "public.f", strp(`"user_id"=>"2"`)),
		ev(3, "dst_a", "public.f", strp(`"user_id"=>"3"`)),
	}
	batch := &Batch{ID: 5, TickID: 6, Events: events}
	chunks := chunksFor(t, 5, 1, events...)
	require.Len(t, chunks, 3)

	m := mocks["dst_a"]
	m.ExpectBegin()
	expectCheck(m, 5, false)
	m.ExpectCommit()
	m.ExpectBegin()
	expectWork(m, batch, chunks)
	m.ExpectCommit()

	d := newTestDispatcher(t, conns, DispatcherOptions{ChunkBytes: 1})
	res, err := d.ProcessBatch(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, 3, res.Destinations[0].Chunks)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDispatcher_CancelledBeforeChunkRollsBack(t *testing.T) {
	t.Parallel()

	conns, mocks := newMockDests(t, "dst_a", "dst_b")
	ea := ev(1, "dst_a", "public.f", nil)
	batch := &Batch{ID: 5, TickID: 6, Events: []Event{ea, ev(2, "dst_b", "public.f", nil)}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	conns.onConn = cancel

	m := mocks["dst_a"]
	m.ExpectBegin()
	expectCheck(m, 5, false)
	m.ExpectCommit()
	m.ExpectBegin()
	m.ExpectExec(regexp.QuoteMeta(tickSQL)).WithArgs("xrpc.tick_id", "6").WillReturnResult(sqlmock.NewResult(0, 1))
	m.ExpectRollback()

	d := newTestDispatcher(t, conns, DispatcherOptions{})
	res, err := d.ProcessBatch(ctx, batch)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []DestinationState{StateAborted, StatePending}, states(res))
	require.Equal(t, []string{"dst_a"}, conns.requested)
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDispatcher_ConnectFailureAborts(t *testing.T) {
	t.Parallel()

	conns, _ := newMockDests(t)
	batch := &Batch{ID: 1, TickID: 1, Events: []Event{ev(1, "dst_missing", "public.f", nil)}}

	d := newTestDispatcher(t, conns, DispatcherOptions{})
	res, err := d.ProcessBatch(context.Background(), batch)
	require.ErrorIs(t, err, ErrExecution)
	require.Equal(t, []DestinationState{StateAborted}, states(res))
}

func TestDispatcher_EmptyBatchIsHandled(t *testing.T) {
	t.Parallel()

	conns, _ := newMockDests(t)
	d := newTestDispatcher(t, conns, DispatcherOptions{})
	res, err := d.ProcessBatch(context.Background(), &Batch{ID: 1, TickID: 1})
	require.NoError(t, err)
	require.True(t, res.Handled())
	require.Empty(t, res.Destinations)

	_, err = d.ProcessBatch(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDispatcher_GateBuffersFileSinkAroundCheck(t *testing.T) {
	t.Parallel()

	var terminal, file bytes.Buffer
	fileSink := logging.NewWriterSink("file", logging.SinkFile, &file, &logrus.TextFormatter{DisableTimestamp: true}, logrus.DebugLevel)
	router := logging.NewRouter(
		logging.NewWriterSink("terminal", logging.SinkTerminal, &terminal, &logrus.TextFormatter{DisableTimestamp: true}, logrus.DebugLevel),
		fileSink,
	)
	l := logrus.New()
	l.SetOutput(&bytes.Buffer{})
	l.SetLevel(logrus.DebugLevel)
	l.AddHook(router)

	conns, mocks := newMockDests(t, "dst_a")
	m := mocks["dst_a"]
	m.ExpectBegin()
	expectCheck(m, 7, true)
	m.ExpectCommit()

	d := newTestDispatcher(t, conns, DispatcherOptions{
		Gate:   logging.NewGate(router, false),
		Logger: logrus.NewEntry(l),
	})
	res, err := d.ProcessBatch(context.Background(), &Batch{ID: 7, TickID: 42, Events: []Event{ev(1, "dst_a", "public.f", nil)}})
	require.NoError(t, err)
	require.Equal(t, []DestinationState{StateSkipped}, states(res))

	require.Contains(t, file.String(), "skip processed batch 7")
	require.Contains(t, terminal.String(), "skip processed batch 7")
	require.Contains(t, router.Sinks(), logging.Sink(fileSink))
	require.NoError(t, m.ExpectationsWereMet())
}

func TestDestinationState_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "checking_done", StateCheckingDone.String())
	require.Equal(t, "aborted", StateAborted.String())
	require.Equal(t, "unknown(42)", DestinationState(42).String())
	require.True(t, StateSkipped.Terminal())
	require.True(t, StateCommitted.Terminal())
	require.False(t, StateExecuting.Terminal())
}
