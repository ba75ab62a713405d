// Package auth はログイン・ログアウトと、リクエストごとのセッション解決を提供します。
package auth

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"go.uber.org/zap"

	"github.com/yourusername/csrf-lab/internal/session"
)

const (
	// SessionCookieName はセッションIDを運ぶ Cookie の名前です。
	SessionCookieName = "csrf_lab_session"

	cookieKeySessionID = "sid"
)

// ContextSessionKey は解決済みの *session.Session を gin.Context に置くキーです。
const ContextSessionKey = "auth.session"

// Authenticator はユーザー名とパスワードを検証します。
type Authenticator interface {
	Authenticate(username, password string) bool
}

// CookieOptions はセッション Cookie の属性です。SameSite はこのデモで検証する防御策そのものです。
type CookieOptions struct {
	Secure   bool
	SameSite http.SameSite
	MaxAge   int
}

// NewCookieStore は署名付き Cookie ストアを作成します。Cookie にはセッションIDだけを入れます。
func NewCookieStore(secret []byte, opts CookieOptions) sessions.Store {
	store := cookie.NewStore(secret)
	store.Options(opts.sessionOptions(opts.MaxAge))
	return store
}

func (o CookieOptions) sessionOptions(maxAge int) sessions.Options {
	return sessions.Options{
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   o.Secure,
		SameSite: o.SameSite,
	}
}

// Manager は認証処理をまとめた構造体です。
type Manager struct {
	store    session.Store
	accounts Authenticator
	cookie   CookieOptions
	logger   *zap.SugaredLogger
}

// NewManager は認証マネージャーを作成します。cookie は NewCookieStore に渡したものと同じ値を渡します。
func NewManager(store session.Store, accounts Authenticator, cookie CookieOptions, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		store:    store,
		accounts: accounts,
		cookie:   cookie,
		logger:   logger,
	}
}
