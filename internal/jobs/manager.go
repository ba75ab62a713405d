// Package jobs は送金の監査記録を非同期に保存するジョブ管理機能を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	taskTypeAudit = "audit:transfer"
	auditQueue    = "audit"
)

// Manager は監査ジョブの投入とワーカーを管理します。
type Manager struct {
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	store  *Store
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewManager は Manager を初期化します。
func NewManager(redisURL string, store *Store, logger *zap.SugaredLogger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: 2,
			Queues: map[string]int{
				auditQueue: 1,
			},
		},
	)

	manager := &Manager{
		client: asynq.NewClient(opt),
		server: server,
		mux:    asynq.NewServeMux(),
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	manager.mux.HandleFunc(taskTypeAudit, manager.handleAuditTask)
	return manager, nil
}

// RecordTransfer は送金の監査記録をキューに投入します。
func (m *Manager) RecordTransfer(ctx context.Context, variant, actor, from, to string, amount int64) error {
	record := &TransferRecord{
		ID:        uuid.NewString(),
		Variant:   variant,
		Actor:     actor,
		From:      from,
		To:        to,
		Amount:    amount,
		CreatedAt: m.now().UTC(),
	}
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeAudit, body, asynq.Queue(auditQueue))
	if _, err := m.client.EnqueueContext(ctx, task, asynq.MaxRetry(3), asynq.TaskID(record.ID)); err != nil {
		return fmt.Errorf("failed to enqueue audit task: %w", err)
	}
	return nil
}

// Recent は保存済みの監査記録を新しい順に返します。
func (m *Manager) Recent(ctx context.Context, n int) ([]TransferRecord, error) {
	return m.store.Recent(ctx, n)
}
