package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// StartWorkers は Asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Errorw("asynq server stopped with error", "error", err)
		}
	}()
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

func (m *Manager) handleAuditTask(ctx context.Context, task *asynq.Task) error {
	var record TransferRecord
	if err := json.Unmarshal(task.Payload(), &record); err != nil {
		// 壊れたペイロードは再試行しても直らない
		return fmt.Errorf("invalid audit payload: %v: %w", err, asynq.SkipRetry)
	}
	if record.ID == "" {
		return fmt.Errorf("missing id in audit payload: %w", asynq.SkipRetry)
	}
	if err := m.store.Append(ctx, &record); err != nil {
		return err
	}
	m.logger.Debugw("audit record stored", "id", record.ID, "variant", record.Variant)
	return nil
}
