// Package logging は zap ロガーの生成とリクエストログのミドルウェアを提供します。
package logging

import (
	"fmt"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RequestIDHeader はリクエストIDを受け渡すヘッダーです。
const RequestIDHeader = "X-Request-Id"

// ContextRequestIDKey は gin.Context にリクエストIDを置くキーです。
const ContextRequestIDKey = "logging.requestID"

const maxRequestIDLength = 64

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// New はレベルと Gin のモードに応じたロガーを作成します。
// release モードでは JSON、それ以外では人が読みやすい形式で出力します。
func New(level, ginMode string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewDevelopmentConfig()
	if ginMode == gin.ReleaseMode {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Sugar(), nil
}

// RequestLogger はリクエストごとにIDを振り、完了時にステータスと所要時間を記録します。
// クライアントが送ってきたIDは形式が正しい場合だけ引き継ぎます。
func RequestLogger(logger *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}
		c.Set(ContextRequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		fields := []interface{}{
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.Errorw("request completed", fields...)
		case status >= 400:
			logger.Warnw("request completed", fields...)
		default:
			logger.Infow("request completed", fields...)
		}
	}
}

// RequestID は RequestLogger が振ったIDを返します。
func RequestID(c *gin.Context) string {
	return c.GetString(ContextRequestIDKey)
}

func validRequestID(id string) bool {
	return id != "" && len(id) <= maxRequestIDLength && requestIDPattern.MatchString(id)
}
