package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	historyKey = "audit:transfers"
)

// Store は送金履歴を Redis のリストに新しい順で保存します。
type Store struct {
	rdb   *redis.Client
	limit int64
}

// NewStore は Store を作成します。limit を超えた古い記録は切り捨てます。
func NewStore(rdb *redis.Client, limit int) *Store {
	if limit <= 0 {
		limit = 50
	}
	return &Store{
		rdb:   rdb,
		limit: int64(limit),
	}
}

// Append は記録を先頭に追加します。
func (s *Store) Append(ctx context.Context, record *TransferRecord) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.ID == "" {
		return fmt.Errorf("record.ID is required")
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, historyKey, payload)
		pipe.LTrim(ctx, historyKey, 0, s.limit-1)
		return nil
	})
	return err
}

// Recent は新しい順に最大 n 件を返します。
func (s *Store) Recent(ctx context.Context, n int) ([]TransferRecord, error) {
	if n <= 0 || int64(n) > s.limit {
		n = int(s.limit)
	}
	raw, err := s.rdb.LRange(ctx, historyKey, 0, int64(n)-1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	records := make([]TransferRecord, 0, len(raw))
	for _, item := range raw {
		var record TransferRecord
		if err := json.Unmarshal([]byte(item), &record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
