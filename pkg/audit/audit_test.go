package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger records events and optionally fails
type mockLogger struct {
	mu       sync.Mutex
	events   []*Event
	logErr   error
	closeErr error
	closed   bool
}

func (m *mockLogger) Log(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.logErr
}

func (m *mockLogger) Close() error {
	m.closed = true
	return m.closeErr
}

func (m *mockLogger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(EventTypeAssignmentCreate, EventStatusSuccess)
	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, EventTypeAssignmentCreate, e.Type)

	e.WithError(errors.New("boom")).WithMetadata("attempt", 2)
	assert.Equal(t, EventStatusFailure, e.Outcome)
	assert.Equal(t, "boom", e.Error)
	assert.Equal(t, 2, e.Metadata["attempt"])

	data, err := e.ToJSON()
	require.NoError(t, err)
	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, e.ID, decoded.ID)
	assert.Equal(t, e.Type, decoded.Type)
}

func TestWithErrorNil(t *testing.T) {
	e := NewEvent(EventTypeOverrideSet, EventStatusSuccess).WithError(nil)
	assert.Equal(t, EventStatusSuccess, e.Outcome)
	assert.Empty(t, e.Error)
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", ActorFromContext(ctx))
	assert.NotNil(t, FromContext(ctx))

	ctx = WithActor(ctx, "alice")
	assert.Equal(t, "alice", ActorFromContext(ctx))

	mem := NewMemoryLogger()
	ctx = WithLogger(ctx, mem)
	assert.Same(t, mem, FromContext(ctx))
}

func TestMultiLogger_Log_Sync(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{logErr: errors.New("sink down")}
	logger3 := &mockLogger{}

	multi := NewMultiLogger(logger1, logger2, logger3)
	err := multi.Log(context.Background(), NewEvent(EventTypeRoleCreate, EventStatusSuccess))

	require.Error(t, err)
	assert.Equal(t, 1, logger1.count())
	assert.Equal(t, 1, logger2.count())
	assert.Equal(t, 1, logger3.count(), "a failing sink must not starve later sinks")
}

func TestMultiLogger_Log_Async(t *testing.T) {
	logger1 := &mockLogger{}
	logger2 := &mockLogger{logErr: errors.New("sink down")}

	multi := NewMultiLogger(logger1, logger2)
	multi.SetAsync(true)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, multi.Log(ctx, NewEvent(EventTypeRoleCreate, EventStatusSuccess)))
	cancel()
	multi.Wait()

	assert.Equal(t, 1, logger1.count())
	assert.Equal(t, 1, logger2.count())
	assert.Len(t, multi.Errors(), 1)
	assert.Empty(t, multi.Errors())
}

func TestMultiLogger_Empty(t *testing.T) {
	multi := NewMultiLogger()
	assert.NoError(t, multi.Log(context.Background(), NewEvent(EventTypeDecision, EventStatusSuccess)))
	assert.NoError(t, multi.Close())
}

func TestMultiLogger_Close(t *testing.T) {
	logger1 := &mockLogger{closeErr: errors.New("close failed")}
	logger2 := &mockLogger{}

	err := NewMultiLogger(logger1, logger2).Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close failed")
	assert.True(t, logger1.closed)
	assert.True(t, logger2.closed)
}

func TestMemoryLogger(t *testing.T) {
	mem := NewMemoryLogger()
	ctx := context.Background()
	require.NoError(t, mem.Log(ctx, NewEvent(EventTypeOverrideSet, EventStatusSuccess)))
	require.NoError(t, mem.Log(ctx, NewEvent(EventTypeOverrideClear, EventStatusSuccess)))
	require.NoError(t, mem.Log(ctx, NewEvent(EventTypeOverrideSet, EventStatusFailure)))

	assert.Len(t, mem.Events(), 3)
	assert.Len(t, mem.OfType(EventTypeOverrideSet), 2)

	mem.Reset()
	assert.Empty(t, mem.Events())
	assert.NoError(t, mem.Close())
}

func TestLogrusLogger(t *testing.T) {
	base, hook := logrustest.NewNullLogger()
	sink := NewLogrusLogger(base)

	event := NewEvent(EventTypeOverrideSet, EventStatusSuccess)
	event.Actor = "alice"
	event.UserID = "u1"
	event.PermissionID = 42
	event.Scope = "department:D1"
	event.Reason = "suspended"
	event.WithMetadata("is_granted", false)
	require.NoError(t, sink.Log(context.Background(), event))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, string(EventTypeOverrideSet), entry.Message)
	assert.Equal(t, "u1", entry.Data["user_id"])
	assert.Equal(t, int64(42), entry.Data["permission_id"])
	assert.Equal(t, "alice", entry.Data["actor"])
	assert.Equal(t, false, entry.Data["meta_is_granted"])
	assert.NotContains(t, entry.Data, "role_id")

	failed := NewEvent(EventTypeRoleDelete, EventStatusSuccess).WithError(errors.New("conflict"))
	failed.Message = "delete role"
	require.NoError(t, sink.Log(context.Background(), failed))
	entry = hook.LastEntry()
	assert.Equal(t, logrus.WarnLevel, entry.Level)
	assert.Equal(t, "delete role", entry.Message)
	assert.Equal(t, "conflict", entry.Data["error"])
}

func TestFileLogger_WriteAndRead(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := NewEvent(EventTypeAssignmentCreate, EventStatusSuccess)
		e.RoleID = int64(i + 1)
		require.NoError(t, logger.Log(ctx, e))
	}
	require.NoError(t, logger.Close())

	events, err := logger.ReadLogs(0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[2].RoleID)

	events, err = logger.ReadLogs(2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestFileLogger_LogAfterClose(t *testing.T) {
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	assert.Error(t, logger.Log(context.Background(), NewEvent(EventTypeDecision, EventStatusSuccess)))
}

func TestFileLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewFileLogger(FileLoggerConfig{BasePath: dir, Rotate: true, MaxSize: 1, MaxFiles: 2})
	require.NoError(t, err)
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Log(ctx, NewEvent(EventTypeTemplateApply, EventStatusSuccess)))
	}

	rotated, err := filepath.Glob(filepath.Join(dir, "audit-*.log"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rotated), 2)
	assert.NotEmpty(t, rotated)

	_, err = os.Stat(filepath.Join(dir, "audit.log"))
	assert.NoError(t, err)
}

func TestNewSink(t *testing.T) {
	base, hook := logrustest.NewNullLogger()

	sink, err := NewSink(base, "")
	require.NoError(t, err)
	assert.IsType(t, &LogrusLogger{}, sink)

	dir := filepath.Join(t.TempDir(), "audit")
	sink, err = NewSink(base, dir)
	require.NoError(t, err)
	require.NoError(t, sink.Log(context.Background(), NewEvent(EventTypeRoleCreate, EventStatusSuccess)))
	require.NoError(t, sink.Close())

	assert.Len(t, hook.AllEntries(), 1)
	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), string(EventTypeRoleCreate))
}
