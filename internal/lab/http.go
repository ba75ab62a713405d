// Package lab は送金エンドポイントの4つの変種と、それを狙う攻撃ページを提供します。
// 変種ごとに違うのは送金処理の前に置く検証だけで、送金処理自体は共通です。
package lab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/csrf-lab/internal/auth"
	"github.com/yourusername/csrf-lab/internal/bank"
	"github.com/yourusername/csrf-lab/internal/csrf"
	"github.com/yourusername/csrf-lab/internal/metrics"
	"github.com/yourusername/csrf-lab/internal/session"
)

// エンドポイントの変種
const (
	VariantVulnerableGet  = "vulnerable_get"
	VariantVulnerablePost = "vulnerable_post"
	VariantToken          = "csrf_token"
	VariantSameSite       = "samesite"
)

// ErrMethodNotAllowed は POST 専用エンドポイントに他のメソッドで来たことを表します。
var ErrMethodNotAllowed = errors.New("method not allowed")

// TransferService は送金処理です。
type TransferService interface {
	Execute(ctx context.Context, sess *session.Session, req bank.Request) (*bank.Result, error)
	BalanceOf(username string) (int64, error)
}

// TokenService は CSRF トークンの発行と検証付き実行を提供します。
type TokenService interface {
	Issue(ctx context.Context, sessionID string) (string, error)
	Guard(ctx context.Context, sessionID, presented string, action func(*session.Session) error) error
}

// VulnerableGetHandler は GET /vulnerable/transfer_get のハンドラーを返します。
// クエリ文字列だけで送金でき、img タグ1つで偽造できます。
func VulnerableGetHandler(svc TransferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := auth.CurrentSession(c)
		if !ok {
			respondWithError(c, VariantVulnerableGet, bank.ErrUnauthenticated)
			return
		}

		req, err := buildRequest(VariantVulnerableGet, c.Query("fromid"), c.Query("targetid"), c.Query("money"))
		if err != nil {
			respondWithError(c, VariantVulnerableGet, err)
			return
		}
		executeAndRespond(c, svc, sess, req)
	}
}

// VulnerablePostHandler は /vulnerable/transfer_post のハンドラーを返します。
// POST を要求するだけなので、自動送信フォームで偽造できます。
func VulnerablePostHandler(svc TransferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := auth.CurrentSession(c)
		if !ok {
			respondWithError(c, VariantVulnerablePost, bank.ErrUnauthenticated)
			return
		}
		if c.Request.Method != http.MethodPost {
			respondWithError(c, VariantVulnerablePost, ErrMethodNotAllowed)
			return
		}

		req, err := formRequest(c, VariantVulnerablePost)
		if err != nil {
			respondWithError(c, VariantVulnerablePost, err)
			return
		}
		executeAndRespond(c, svc, sess, req)
	}
}

// DetailHandler は GET /protected/detail のハンドラーを返します。
// 表示のたびに新しいトークンを発行し、hidden フィールドに埋め込みます。
func DetailHandler(svc TransferService, tokens TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := auth.CurrentSession(c)
		if !ok {
			c.Redirect(http.StatusFound, "/login")
			return
		}

		token, err := tokens.Issue(c.Request.Context(), sess.ID)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) || errors.Is(err, csrf.ErrNotAuthenticated) {
				c.Redirect(http.StatusFound, "/login")
				return
			}
			c.String(http.StatusInternalServerError, "Failed to issue CSRF token")
			return
		}
		metrics.TokensIssued.Inc()

		balance, err := svc.BalanceOf(sess.Username)
		if err != nil {
			c.String(http.StatusInternalServerError, "Failed to load balance")
			return
		}

		c.Header("Cache-Control", "no-store")
		c.HTML(http.StatusOK, "detail.tmpl", gin.H{
			"Username":  sess.Username,
			"Balance":   balance,
			"CSRFToken": token,
		})
	}
}

// TokenTransferHandler は /protected/transfer_token のハンドラーを返します。
// トークンは送金の前に消費され、送金が失敗したときだけ戻されます。
func TokenTransferHandler(svc TransferService, tokens TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := auth.CurrentSession(c)
		if !ok {
			respondWithError(c, VariantToken, bank.ErrUnauthenticated)
			return
		}
		if c.Request.Method != http.MethodPost {
			respondWithError(c, VariantToken, ErrMethodNotAllowed)
			return
		}

		ctx := c.Request.Context()
		var result *bank.Result
		err := tokens.Guard(ctx, sess.ID, c.PostForm("csrf_token"), func(locked *session.Session) error {
			req, err := formRequest(c, VariantToken)
			if err != nil {
				return err
			}
			result, err = svc.Execute(ctx, locked, req)
			return err
		})
		if err != nil {
			respondWithError(c, VariantToken, err)
			return
		}
		respondWithResult(c, VariantToken, result)
	}
}

// SameSiteTransferHandler は POST /protected/transfer_samesite のハンドラーを返します。
// アプリ側の検証はなく、クロスサイトでは SameSite 属性によりブラウザが Cookie を付けないことに頼ります。
func SameSiteTransferHandler(svc TransferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := auth.CurrentSession(c)
		if !ok {
			respondWithError(c, VariantSameSite, bank.ErrUnauthenticated)
			return
		}

		req, err := formRequest(c, VariantSameSite)
		if err != nil {
			respondWithError(c, VariantSameSite, err)
			return
		}
		executeAndRespond(c, svc, sess, req)
	}
}

// BalanceHandler は GET /balance のハンドラーを返します。
func BalanceHandler(svc TransferService) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := auth.CurrentSession(c)
		if !ok {
			c.String(http.StatusUnauthorized, "Unauthorized")
			return
		}
		balance, err := svc.BalanceOf(sess.Username)
		if err != nil {
			c.String(http.StatusInternalServerError, "Failed to load balance")
			return
		}
		c.String(http.StatusOK, "Current balance for %s: $%d", sess.Username, balance)
	}
}

func executeAndRespond(c *gin.Context, svc TransferService, sess *session.Session, req bank.Request) {
	result, err := svc.Execute(c.Request.Context(), sess, req)
	if err != nil {
		respondWithError(c, req.Variant, err)
		return
	}
	respondWithResult(c, req.Variant, result)
}

func formRequest(c *gin.Context, variant string) (bank.Request, error) {
	return buildRequest(variant,
		c.PostForm("txtFromAccount"),
		c.PostForm("txtTargetAccount"),
		c.PostForm("txtTransferMoney"),
	)
}

func buildRequest(variant, from, to, money string) (bank.Request, error) {
	amount, err := parseAmount(money)
	if err != nil {
		return bank.Request{}, err
	}
	return bank.Request{
		Variant: variant,
		From:    strings.TrimSpace(from),
		To:      strings.TrimSpace(to),
		Amount:  amount,
	}, nil
}

// parseAmount は金額を整数として読みます。未指定は 0 として扱います。
func parseAmount(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	amount, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", bank.ErrTransferDenied, raw)
	}
	return amount, nil
}

func respondWithResult(c *gin.Context, variant string, result *bank.Result) {
	metrics.TransferAttempts.WithLabelValues(variant, "success").Inc()
	c.String(http.StatusOK, "Transfer successful! %d transferred from %s to %s", result.Amount, result.From, result.To)
}

func respondWithError(c *gin.Context, variant string, err error) {
	status, outcome, message := http.StatusInternalServerError, "error", "Internal Server Error"
	switch {
	case errors.Is(err, bank.ErrUnauthenticated), errors.Is(err, session.ErrNotFound):
		status, outcome, message = http.StatusUnauthorized, "unauthenticated", "Unauthorized"
	case errors.Is(err, csrf.ErrRejected):
		metrics.CSRFRejections.Inc()
		status, outcome, message = http.StatusForbidden, "csrf_rejected", "CSRF Token Verification Failed!"
	case errors.Is(err, ErrMethodNotAllowed):
		status, outcome, message = http.StatusMethodNotAllowed, "method_not_allowed", "Invalid Method"
	case errors.Is(err, bank.ErrForbiddenActor),
		errors.Is(err, bank.ErrAccountNotFound),
		errors.Is(err, bank.ErrTransferDenied):
		status, outcome, message = http.StatusBadRequest, "denied", "Transfer failed"
	case errors.Is(err, context.Canceled):
		status, outcome, message = http.StatusRequestTimeout, "canceled", "Request canceled"
	}
	metrics.TransferAttempts.WithLabelValues(variant, outcome).Inc()
	c.String(status, "%s", message)
}
