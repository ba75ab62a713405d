package lab

import (
	"embed"
	"html/template"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Payload は攻撃ページが偽造する送金の内容です。
type Payload struct {
	From   string
	To     string
	Amount int64
}

// DefaultPayload は Arvin から Channy へ 100 を送る偽造リクエストです。
func DefaultPayload() Payload {
	return Payload{From: "Arvin", To: "Channy", Amount: 100}
}

// LoadTemplates はログイン画面・送金フォーム・攻撃ページのテンプレートを読み込みます。
func LoadTemplates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.tmpl")
}

// AttackPage は攻撃ページ（静的な HTML）を描画するハンドラーを返します。
// target は狙う送金エンドポイントのベースURLです。
func AttackPage(name, target string, payload Payload) gin.HandlerFunc {
	data := gin.H{
		"Target": strings.TrimRight(target, "/"),
		"From":   payload.From,
		"To":     payload.To,
		"Amount": payload.Amount,
	}
	return func(c *gin.Context) {
		c.HTML(http.StatusOK, name, data)
	}
}
