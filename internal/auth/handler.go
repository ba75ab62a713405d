package auth

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/csrf-lab/internal/metrics"
)

// LoginPage は GET /login のハンドラーです。
func (m *Manager) LoginPage(c *gin.Context) {
	c.HTML(http.StatusOK, "login.tmpl", gin.H{})
}

// Login は POST /login のハンドラーです。
func (m *Manager) Login(c *gin.Context) {
	username := strings.TrimSpace(c.PostForm("username"))
	password := c.PostForm("password")

	if username == "" || !m.accounts.Authenticate(username, password) {
		metrics.Logins.WithLabelValues("failure").Inc()
		m.logger.Infow("login failed", "user", username, "ip", c.ClientIP())
		c.String(http.StatusUnauthorized, "Invalid credentials")
		return
	}

	cs := sessions.Default(c)
	// 以前のセッションは引き継がない（セッション固定化対策）
	if prev, ok := cs.Get(cookieKeySessionID).(string); ok && prev != "" {
		if err := m.store.Destroy(c.Request.Context(), prev); err != nil {
			m.logger.Warnw("failed to destroy previous session", "error", err)
		}
	}

	sess, err := m.store.Create(c.Request.Context(), username)
	if err != nil {
		m.logger.Errorw("failed to create session", "error", err)
		c.String(http.StatusInternalServerError, "Failed to create session")
		return
	}

	cs.Set(cookieKeySessionID, sess.ID)
	if err := cs.Save(); err != nil {
		_ = m.store.Destroy(c.Request.Context(), sess.ID)
		m.logger.Errorw("failed to save session cookie", "error", err)
		c.String(http.StatusInternalServerError, "Failed to save session")
		return
	}

	metrics.Logins.WithLabelValues("success").Inc()
	m.logger.Infow("user logged in", "user", username)
	c.Redirect(http.StatusSeeOther, "/protected/detail")
}

// Logout は GET /logout のハンドラーです。
func (m *Manager) Logout(c *gin.Context) {
	cs := sessions.Default(c)
	if sid, ok := cs.Get(cookieKeySessionID).(string); ok && sid != "" {
		if err := m.store.Destroy(c.Request.Context(), sid); err != nil {
			m.logger.Warnw("failed to destroy session", "error", err)
		}
	}
	m.clearCookie(cs)
	if err := cs.Save(); err != nil {
		m.logger.Errorw("failed to clear session cookie", "error", err)
	}
	c.Redirect(http.StatusFound, "/login")
}

// clearCookie は発行時と同じ属性のまま MaxAge だけを負にして Cookie を失効させます。
func (m *Manager) clearCookie(cs sessions.Session) {
	cs.Clear()
	cs.Options(m.cookie.sessionOptions(-1))
}
