package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T, limit int) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, limit)
}

func TestStoreAppendAndRecent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 3)

	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Append(ctx, &TransferRecord{
			ID:     fmt.Sprintf("rec-%d", i),
			From:   "Arvin",
			To:     "Channy",
			Amount: int64(i),
		}))
	}

	records, err := store.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 3, "list is trimmed to the limit")
	assert.Equal(t, "rec-5", records[0].ID)
	assert.Equal(t, "rec-3", records[2].ID)

	records, err = store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(5), records[0].Amount)
}

func TestStoreAppendValidates(t *testing.T) {
	store := newTestStore(t, 3)
	assert.Error(t, store.Append(context.Background(), nil))
	assert.Error(t, store.Append(context.Background(), &TransferRecord{}))
}

func TestStoreRecentEmpty(t *testing.T) {
	records, err := newTestStore(t, 3).Recent(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestHandleAuditTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, 10)
	m := &Manager{store: store, logger: zaptest.NewLogger(t).Sugar(), now: time.Now}

	body, err := json.Marshal(TransferRecord{
		ID:      "rec-1",
		Variant: "vulnerable_get",
		Actor:   "Arvin",
		From:    "Arvin",
		To:      "Channy",
		Amount:  100,
	})
	require.NoError(t, err)
	require.NoError(t, m.handleAuditTask(ctx, asynq.NewTask(taskTypeAudit, body)))

	records, err := m.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "vulnerable_get", records[0].Variant)
}

func TestHandleAuditTaskSkipsRetryOnBadPayload(t *testing.T) {
	m := &Manager{store: newTestStore(t, 10), logger: zaptest.NewLogger(t).Sugar(), now: time.Now}

	err := m.handleAuditTask(context.Background(), asynq.NewTask(taskTypeAudit, []byte("not-json")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	err = m.handleAuditTask(context.Background(), asynq.NewTask(taskTypeAudit, []byte(`{"from":"Arvin"}`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestNewManagerValidates(t *testing.T) {
	_, err := NewManager("redis://127.0.0.1:6379/0", nil, nil)
	assert.Error(t, err)

	_, err = NewManager("://bad", NewStore(nil, 1), nil)
	assert.Error(t, err)
}
