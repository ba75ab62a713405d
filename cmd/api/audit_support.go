package main

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/yourusername/csrf-lab/internal/config"
	"github.com/yourusername/csrf-lab/internal/jobs"
)

// setupAudit は AUDIT_REDIS_URL が設定されているときだけ監査ジョブを用意します。
// 返した Redis クライアントは closeAudit で閉じます。
func setupAudit(cfg *config.Config, logger *zap.SugaredLogger) (*jobs.Manager, *redis.Client, error) {
	if cfg.AuditRedisURL == "" {
		return nil, nil, nil
	}

	opt, err := redis.ParseURL(cfg.AuditRedisURL)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(opt)
	store := jobs.NewStore(rdb, cfg.AuditHistoryLimit)
	manager, err := jobs.NewManager(cfg.AuditRedisURL, store, logger)
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return manager, rdb, nil
}

// closeAudit はワーカーを止めてから記録用の Redis クライアントを閉じる関数を返します。
func closeAudit(manager *jobs.Manager, rdb *redis.Client, logger *zap.SugaredLogger) func() {
	return func() {
		if err := manager.Shutdown(context.Background()); err != nil {
			logger.Warnw("failed to shut down audit manager", "error", err)
		}
		if err := rdb.Close(); err != nil {
			logger.Warnw("failed to close audit redis client", "error", err)
		}
	}
}

// historyRecorder は監査記録の読み出し元です。
type historyRecorder interface {
	Recent(ctx context.Context, n int) ([]jobs.TransferRecord, error)
}

func historyHandler(source historyRecorder, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		n := limit
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "limit must be a positive integer",
				})
				return
			}
			if parsed < n {
				n = parsed
			}
		}

		records, err := source.Recent(c.Request.Context(), n)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "failed to load transfer history",
			})
			return
		}
		if records == nil {
			records = []jobs.TransferRecord{}
		}
		c.JSON(http.StatusOK, gin.H{"transfers": records})
	}
}
