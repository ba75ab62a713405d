package lab

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourusername/csrf-lab/internal/auth"
	"github.com/yourusername/csrf-lab/internal/bank"
	"github.com/yourusername/csrf-lab/internal/csrf"
	"github.com/yourusername/csrf-lab/internal/ledger"
	"github.com/yourusername/csrf-lab/internal/metrics"
	"github.com/yourusername/csrf-lab/internal/session"
)

const attackBase = "http://bank.example"

var tokenPattern = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

type labEnv struct {
	router *gin.Engine
	ledger *ledger.Ledger
}

func newLabEnv(t *testing.T) *labEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	accounts, err := ledger.New(ledger.DefaultSeeds())
	require.NoError(t, err)
	store := session.NewMemoryStore(session.Options{})
	cookieOpts := auth.CookieOptions{SameSite: http.SameSiteLaxMode}
	authManager := auth.NewManager(store, accounts, cookieOpts, logger)

	tmpl, err := LoadTemplates()
	require.NoError(t, err)

	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.SetHTMLTemplate(tmpl)
	router.Use(sessions.Sessions(auth.SessionCookieName, auth.NewCookieStore([]byte("test-secret"), cookieOpts)))
	router.Use(authManager.ResolveSession())
	router.GET("/login", authManager.LoginPage)
	router.POST("/login", authManager.Login)
	router.GET("/logout", authManager.Logout)

	Routes{
		Transfers:    bank.NewService(accounts, nil, logger),
		Tokens:       csrf.NewService(store, csrf.RandomGenerator{}, logger),
		AttackTarget: attackBase + "/",
	}.Register(router)

	return &labEnv{router: router, ledger: accounts}
}

func (e *labEnv) do(method, target string, form url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *labEnv) login(t *testing.T, username, password string) *http.Cookie {
	t.Helper()
	rec := e.do(http.MethodPost, "/login", url.Values{"username": {username}, "password": {password}}, nil)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == auth.SessionCookieName {
			return ck
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func (e *labEnv) issueToken(t *testing.T, cookie *http.Cookie) string {
	t.Helper()
	rec := e.do(http.MethodGet, "/protected/detail", nil, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	m := tokenPattern.FindStringSubmatch(rec.Body.String())
	require.Len(t, m, 2, "detail page must embed a csrf_token")
	return m[1]
}

func (e *labEnv) balances(t *testing.T) (int64, int64) {
	t.Helper()
	arvin, err := e.ledger.BalanceOf("Arvin")
	require.NoError(t, err)
	channy, err := e.ledger.BalanceOf("Channy")
	require.NoError(t, err)
	return arvin, channy
}

func transferForm(from, to, amount string) url.Values {
	return url.Values{
		"txtFromAccount":   {from},
		"txtTargetAccount": {to},
		"txtTransferMoney": {amount},
	}
}

func withToken(form url.Values, token string) url.Values {
	form.Set("csrf_token", token)
	return form
}

func TestVulnerableGetSucceedsWithAmbientCookie(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")

	rec := env.do(http.MethodGet, "/vulnerable/transfer_get?fromid=Arvin&targetid=Channy&money=100", nil, cookie)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Transfer successful! 100 transferred from Arvin to Channy", rec.Body.String())
	arvin, channy := env.balances(t)
	assert.Equal(t, int64(400), arvin)
	assert.Equal(t, int64(600), channy)
}

func TestVulnerableGetWithoutSession(t *testing.T) {
	env := newLabEnv(t)

	rec := env.do(http.MethodGet, "/vulnerable/transfer_get?fromid=Arvin&targetid=Channy&money=100", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", rec.Body.String())
	arvin, channy := env.balances(t)
	assert.Equal(t, int64(500), arvin)
	assert.Equal(t, int64(500), channy)
}

func TestVulnerablePostChecksSessionBeforeMethod(t *testing.T) {
	env := newLabEnv(t)

	rec := env.do(http.MethodGet, "/vulnerable/transfer_post", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := env.login(t, "Arvin", "arvin123")
	rec = env.do(http.MethodGet, "/vulnerable/transfer_post", nil, cookie)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Invalid Method", rec.Body.String())
}

func TestVulnerablePostAcceptsForgedForm(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")

	rec := env.do(http.MethodPost, "/vulnerable/transfer_post", transferForm("Arvin", "Channy", "100"), cookie)

	assert.Equal(t, http.StatusOK, rec.Code)
	arvin, channy := env.balances(t)
	assert.Equal(t, int64(400), arvin)
	assert.Equal(t, int64(600), channy)
}

func TestTokenTransferRejectsMissingAndForgedTokens(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")
	env.issueToken(t, cookie)
	before := testutil.ToFloat64(metrics.CSRFRejections)

	rec := env.do(http.MethodPost, "/protected/transfer_token", transferForm("Arvin", "Channy", "100"), cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "CSRF Token Verification Failed!", rec.Body.String())

	rec = env.do(http.MethodPost, "/protected/transfer_token", withToken(transferForm("Arvin", "Channy", "100"), "guess"), cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, before+2, testutil.ToFloat64(metrics.CSRFRejections))
	arvin, channy := env.balances(t)
	assert.Equal(t, int64(500), arvin)
	assert.Equal(t, int64(500), channy)
}

func TestTokenTransferConsumesTokenOnSuccess(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")
	token := env.issueToken(t, cookie)
	form := withToken(transferForm("Arvin", "Channy", "100"), token)

	rec := env.do(http.MethodPost, "/protected/transfer_token", form, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Transfer successful! 100 transferred from Arvin to Channy", rec.Body.String())

	replay := env.do(http.MethodPost, "/protected/transfer_token", form, cookie)
	assert.Equal(t, http.StatusForbidden, replay.Code)

	arvin, channy := env.balances(t)
	assert.Equal(t, int64(400), arvin)
	assert.Equal(t, int64(600), channy)
}

func TestTokenTransferAcceptsOnlyLatestToken(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")
	first := env.issueToken(t, cookie)
	second := env.issueToken(t, cookie)
	require.NotEqual(t, first, second)

	rec := env.do(http.MethodPost, "/protected/transfer_token", withToken(transferForm("Arvin", "Channy", "10"), first), cookie)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/protected/transfer_token", withToken(transferForm("Arvin", "Channy", "10"), second), cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenIsBoundToIssuingSession(t *testing.T) {
	env := newLabEnv(t)
	arvin := env.login(t, "Arvin", "arvin123")
	channy := env.login(t, "Channy", "channy123")
	arvinToken := env.issueToken(t, arvin)
	env.issueToken(t, channy)

	rec := env.do(http.MethodPost, "/protected/transfer_token", withToken(transferForm("Channy", "Arvin", "50"), arvinToken), channy)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTokenTransferForeignSourceAccountKeepsToken(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Channy", "channy123")
	token := env.issueToken(t, cookie)

	rec := env.do(http.MethodPost, "/protected/transfer_token", withToken(transferForm("Arvin", "Channy", "100"), token), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Transfer failed", rec.Body.String())
	arvin, channy := env.balances(t)
	assert.Equal(t, int64(500), arvin)
	assert.Equal(t, int64(500), channy)

	// 送金が失敗したのでトークンは残っている
	rec = env.do(http.MethodPost, "/protected/transfer_token", withToken(transferForm("Channy", "Arvin", "100"), token), cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTokenTransferMissingTargetLeavesBalances(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")
	token := env.issueToken(t, cookie)

	rec := env.do(http.MethodPost, "/protected/transfer_token", withToken(transferForm("Arvin", "Mallory", "100"), token), cookie)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	arvin, channy := env.balances(t)
	assert.Equal(t, int64(500), arvin)
	assert.Equal(t, int64(500), channy)
}

func TestTokenTransferChecksSessionBeforeMethod(t *testing.T) {
	env := newLabEnv(t)

	rec := env.do(http.MethodGet, "/protected/transfer_token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := env.login(t, "Arvin", "arvin123")
	rec = env.do(http.MethodGet, "/protected/transfer_token", nil, cookie)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Invalid Method", rec.Body.String())
}

func TestTokenTransferConcurrentReplaySucceedsOnce(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")
	token := env.issueToken(t, cookie)

	const workers = 16
	codes := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := env.do(http.MethodPost, "/protected/transfer_token", withToken(transferForm("Arvin", "Channy", "10"), token), cookie)
			codes <- rec.Code
		}()
	}
	wg.Wait()
	close(codes)

	ok := 0
	for code := range codes {
		if code == http.StatusOK {
			ok++
		} else {
			assert.Equal(t, http.StatusForbidden, code)
		}
	}
	assert.Equal(t, 1, ok)
	arvin, _ := env.balances(t)
	assert.Equal(t, int64(490), arvin)
}

func TestSameSiteTransfer(t *testing.T) {
	env := newLabEnv(t)

	// クロスサイトではブラウザが Cookie を送らないので、セッションなしの状態になる
	rec := env.do(http.MethodPost, "/protected/transfer_samesite", transferForm("Arvin", "Channy", "100"), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := env.login(t, "Arvin", "arvin123")
	rec = env.do(http.MethodPost, "/protected/transfer_samesite", transferForm("Arvin", "Channy", "100"), cookie)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodGet, "/protected/transfer_samesite", nil, cookie)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	arvin, channy := env.balances(t)
	assert.Equal(t, int64(400), arvin)
	assert.Equal(t, int64(600), channy)
}

func TestDetailRedirectsWithoutSession(t *testing.T) {
	env := newLabEnv(t)

	rec := env.do(http.MethodGet, "/protected/detail", nil, nil)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
}

func TestDetailShowsUserAndBalance(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")

	rec := env.do(http.MethodGet, "/protected/detail", nil, cookie)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "User: Arvin")
	assert.Contains(t, body, "Balance: $500")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestBalance(t *testing.T) {
	env := newLabEnv(t)

	rec := env.do(http.MethodGet, "/balance", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := env.login(t, "Arvin", "arvin123")
	rec = env.do(http.MethodGet, "/balance", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Current balance for Arvin: $500", rec.Body.String())
}

func TestAmountParsing(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")

	rec := env.do(http.MethodPost, "/vulnerable/transfer_post", transferForm("Arvin", "Channy", "lots"), cookie)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/vulnerable/transfer_get?fromid=Arvin&targetid=Channy", nil, cookie)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Transfer successful! 0 transferred from Arvin to Channy", rec.Body.String())
}

func TestLogoutEndsAmbientAuthority(t *testing.T) {
	env := newLabEnv(t)
	cookie := env.login(t, "Arvin", "arvin123")

	rec := env.do(http.MethodGet, "/logout", nil, cookie)
	require.Equal(t, http.StatusFound, rec.Code)

	rec = env.do(http.MethodGet, "/vulnerable/transfer_get?fromid=Arvin&targetid=Channy&money=100", nil, cookie)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAttackPagesTargetConfiguredBase(t *testing.T) {
	env := newLabEnv(t)

	rec := env.do(http.MethodGet, "/attack/img_get", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `src="http://bank.example/vulnerable/transfer_get?fromid=Arvin&targetid=Channy&money=100"`)

	rec = env.do(http.MethodGet, "/attack/iframe_post", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `src="/attack/form_submit"`)

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		rec = env.do(method, "/attack/form_submit", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `action="http://bank.example/vulnerable/transfer_post"`)
		assert.Contains(t, body, `name="txtTransferMoney" value="100"`)
	}
}

func TestParseAmount(t *testing.T) {
	amount, err := parseAmount(" 42 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), amount)

	amount, err = parseAmount("")
	require.NoError(t, err)
	assert.Zero(t, amount)

	_, err = parseAmount("4.2")
	assert.ErrorIs(t, err, bank.ErrTransferDenied)
}
