// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// セッションの保存先
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// CSRF トークンの生成方式
const (
	TokenModeRandom  = "random"
	TokenModeDerived = "derived"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // ログレベル (debug, info, warn, error)

	// セッション設定
	SessionSecret          string // セッションCookie署名用の秘密鍵
	SessionCookieSameSite  string // SameSite 属性 (lax, strict, none)
	SessionCookieSecure    bool   // Secure 属性
	SessionBackend         string // memory または redis
	SessionRedisURL        string // SessionBackend=redis のときの接続URL
	SessionMaxLifetimeMins int    // セッションの最大寿命（分）
	SessionIdleMins        int    // 無操作タイムアウト（分）

	// CSRF設定
	CSRFTokenMode string // random または derived

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 攻撃ページ設定
	AttackTargetBaseURL string // 攻撃ページが狙う送金エンドポイントのベースURL

	// 監査ログ設定
	AuditRedisURL     string // 空なら監査ジョブを無効化
	AuditHistoryLimit int    // /history に表示する最大件数
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		SessionSecret:          getEnv("SESSION_SECRET", ""),
		SessionCookieSameSite:  strings.ToLower(getEnv("SESSION_COOKIE_SAMESITE", "lax")),
		SessionCookieSecure:    getEnvAsBool("SESSION_COOKIE_SECURE", true),
		SessionBackend:         strings.ToLower(getEnv("SESSION_BACKEND", SessionBackendMemory)),
		SessionRedisURL:        getEnv("SESSION_REDIS_URL", "redis://127.0.0.1:6379/0"),
		SessionMaxLifetimeMins: getEnvAsInt("SESSION_MAX_LIFETIME_MINUTES", 720),
		SessionIdleMins:        getEnvAsInt("SESSION_IDLE_MINUTES", 30),

		CSRFTokenMode: strings.ToLower(getEnv("CSRF_TOKEN_MODE", TokenModeRandom)),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:8080"),

		AttackTargetBaseURL: getEnv("ATTACK_TARGET_BASE_URL", "http://localhost:8080"),

		AuditRedisURL:     getEnv("AUDIT_REDIS_URL", ""),
		AuditHistoryLimit: getEnvAsInt("AUDIT_HISTORY_LIMIT", 50),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	sameSite, err := ParseSameSite(c.SessionCookieSameSite)
	if err != nil {
		return err
	}
	// ブラウザは Secure なしの SameSite=None Cookie を捨てる
	if sameSite == http.SameSiteNoneMode && !c.SessionCookieSecure {
		return fmt.Errorf("SESSION_COOKIE_SAMESITE=none requires SESSION_COOKIE_SECURE=true")
	}

	switch c.SessionBackend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.SessionRedisURL == "" {
			return fmt.Errorf("SESSION_REDIS_URL is required when SESSION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported SESSION_BACKEND: %q", c.SessionBackend)
	}

	switch c.CSRFTokenMode {
	case TokenModeRandom, TokenModeDerived:
	default:
		return fmt.Errorf("unsupported CSRF_TOKEN_MODE: %q", c.CSRFTokenMode)
	}

	if c.SessionMaxLifetimeMins <= 0 || c.SessionIdleMins <= 0 {
		return fmt.Errorf("session lifetime settings must be positive")
	}

	// ローカル開発では署名鍵は任意（起動時に生成する）
	if c.GinMode == "release" && c.SessionSecret == "" {
		return fmt.Errorf("SESSION_SECRET is required in release mode")
	}

	return nil
}

// SameSite は Cookie に設定する SameSite 属性を返します。
func (c *Config) SameSite() http.SameSite {
	mode, _ := ParseSameSite(c.SessionCookieSameSite)
	return mode
}

// SessionMaxLifetime はセッションの最大寿命を返します。
func (c *Config) SessionMaxLifetime() time.Duration {
	return time.Duration(c.SessionMaxLifetimeMins) * time.Minute
}

// SessionIdleTimeout は無操作タイムアウトを返します。
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleMins) * time.Minute
}

// ParseSameSite は lax / strict / none を http.SameSite に変換します。
func ParseSameSite(value string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return http.SameSiteDefaultMode, fmt.Errorf("unsupported SESSION_COOKIE_SAMESITE: %q", value)
	}
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
