package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/taskpilot/api/schemas"
	"github.com/xkilldash9x/taskpilot/internal/config"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

var anyArg = ArgumentMatcherFunc(func(interface{}) bool { return true })

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return s, mockPool
}

func sampleTask() schemas.Task {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return schemas.Task{
		ID:         "task-1",
		ContextID:  "tab-1",
		Goal:       "search for coffee",
		Status:     schemas.TaskStatusComplete,
		CreatedAt:  created,
		FinishedAt: created.Add(time.Minute),
		Summary:    "Results shown.",
		History: []schemas.TaskStep{
			{
				Index:      0,
				Action:     schemas.ActionDescriptor{Kind: schemas.ActionType, Target: "q", Value: "coffee"},
				Resolution: &schemas.ElementCandidate{Handle: "1", Strategy: schemas.StrategyAttribute, Confidence: 75},
				Outcome:    schemas.OutcomeSuccess,
				Attempts:   1,
				ObservedAt: created.Add(10 * time.Second),
			},
			{
				Index:      1,
				Action:     schemas.ActionDescriptor{Kind: schemas.ActionPress, Value: "Enter"},
				Outcome:    schemas.OutcomeSuccess,
				Attempts:   1,
				ObservedAt: created.Add(20 * time.Second),
			},
		},
	}
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("migrate creates the schema", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(flexibleSQLMatcher(schemaDDL)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		require.NoError(t, s.Migrate(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSettings(t *testing.T) {
	ctx := context.Background()

	t.Run("get returns the stored value", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetSetting)).
			WithArgs("reasoning_api_key").
			WillReturnRows(pgxmock.NewRows([]string{"value"}).AddRow("secret"))

		v, err := s.Get(ctx, "reasoning_api_key")
		require.NoError(t, err)
		assert.Equal(t, "secret", v)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("missing key maps to ErrNotFound", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetSetting)).
			WithArgs("absent").
			WillReturnRows(pgxmock.NewRows([]string{"value"}))

		_, err := s.Get(ctx, "absent")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("set upserts", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectExec(flexibleSQLMatcher(sqlSetSetting)).
			WithArgs("model", "live-model", anyArg).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, s.Set(ctx, "model", "live-model"))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("delete propagates errors", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteSetting)).WithArgs("model").WillReturnError(dbErr)

		assert.ErrorIs(t, s.Delete(ctx, "model"), dbErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSaveTask(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist task and steps without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		s, mockPool := newMockStore(t, zap.New(observedZapCore))
		task := sampleTask()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertTask)).
			WithArgs(task.ID, task.ContextID, task.Goal, "COMPLETE", task.CreatedAt, anyArg, task.Summary, "").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteSteps)).
			WithArgs(task.ID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"task_steps"}, stepColumns).WillReturnResult(2)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, s.SaveTask(ctx, task))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should roll back when the copy fails", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		task := sampleTask()
		copyErr := errors.New("copy failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertTask)).
			WithArgs(task.ID, task.ContextID, task.Goal, "COMPLETE", task.CreatedAt, anyArg, task.Summary, "").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteSteps)).
			WithArgs(task.ID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"task_steps"}, stepColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := s.SaveTask(ctx, task)
		assert.ErrorIs(t, err, copyErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGetTask(t *testing.T) {
	ctx := context.Background()

	t.Run("loads task and ordered steps", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		task := sampleTask()

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetTask)).
			WithArgs(task.ID).
			WillReturnRows(pgxmock.NewRows([]string{"context_id", "goal", "status", "created_at", "finished_at", "summary", "failure_reason"}).
				AddRow(task.ContextID, task.Goal, "COMPLETE", task.CreatedAt, &task.FinishedAt, task.Summary, ""))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetSteps)).
			WithArgs(task.ID).
			WillReturnRows(pgxmock.NewRows([]string{"idx", "action", "resolution", "outcome", "attempts", "error_code", "message", "observed_at"}).
				AddRow(0, []byte(`{"action":"type","target":"q","value":"coffee"}`), []byte(`{"handle":"1","strategy":"attribute","confidence":75,"rect":{"x":0,"y":0,"width":0,"height":0},"visible":false}`), "success", 1, "", "", task.History[0].ObservedAt).
				AddRow(1, []byte(`{"action":"press","value":"Enter"}`), []byte(nil), "success", 1, "", "", task.History[1].ObservedAt))

		got, err := s.GetTask(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, schemas.TaskStatusComplete, got.Status)
		assert.Equal(t, task.FinishedAt, got.FinishedAt)
		require.Len(t, got.History, 2)
		assert.Equal(t, task.History[0].Action, got.History[0].Action)
		require.NotNil(t, got.History[0].Resolution)
		assert.Equal(t, "1", got.History[0].Resolution.Handle)
		assert.Nil(t, got.History[1].Resolution)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("unknown id maps to ErrNotFound", func(t *testing.T) {
		s, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetTask)).
			WithArgs("nope").
			WillReturnRows(pgxmock.NewRows([]string{"context_id", "goal", "status", "created_at", "finished_at", "summary", "failure_reason"}))

		_, err := s.GetTask(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, m.Set(ctx, "k", "v"))
	v, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	require.NoError(t, m.Delete(ctx, "k"))
	_, err = m.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	task := sampleTask()
	require.NoError(t, m.SaveTask(ctx, task))
	task.History[0].Message = "mutated after save"
	got, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 2)
	assert.Empty(t, got.History[0].Message, "saved history is a copy")
	_, err = m.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOverlay(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.Set(ctx, "reasoning_api_key", "stored"))
	require.NoError(t, m.Set(ctx, "model", "stored-model"))

	o := WithOverrides(m, map[string]string{"reasoning_api_key": "from-env", "model": ""})
	v, err := o.Get(ctx, "reasoning_api_key")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
	v, err = o.Get(ctx, "model")
	require.NoError(t, err)
	assert.Equal(t, "stored-model", v, "empty overrides fall through")

	require.NoError(t, o.Set(ctx, "reasoning_api_key", "rotated"))
	stored, _ := m.Get(ctx, "reasoning_api_key")
	assert.Equal(t, "rotated", stored, "writes reach the backend")
}

func TestOpen(t *testing.T) {
	b, err := Open(context.Background(), config.StoreConfig{Backend: "memory"}, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &Memory{}, b)

	_, err = Open(context.Background(), config.StoreConfig{Backend: "sqlite"}, zap.NewNop())
	assert.Error(t, err)
}
