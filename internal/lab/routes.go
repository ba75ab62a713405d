package lab

import (
	"github.com/gin-gonic/gin"
)

// Routes は送金エンドポイントと攻撃ページの登録に必要な依存をまとめます。
type Routes struct {
	Transfers     TransferService
	Tokens        TokenService
	AttackTarget  string
	AttackPayload Payload
}

// Register はルーターに各エンドポイントを登録します。
// セッションは事前に auth.Manager.ResolveSession で解決されている前提です。
func (r Routes) Register(router gin.IRouter) {
	// 未ログインなら 405 より先に 401 を返すため、メソッドはハンドラー内で判定する
	router.GET("/vulnerable/transfer_get", VulnerableGetHandler(r.Transfers))
	router.Any("/vulnerable/transfer_post", VulnerablePostHandler(r.Transfers))

	protected := router.Group("/protected")
	{
		protected.GET("/detail", DetailHandler(r.Transfers, r.Tokens))
		protected.Any("/transfer_token", TokenTransferHandler(r.Transfers, r.Tokens))
		protected.POST("/transfer_samesite", SameSiteTransferHandler(r.Transfers))
	}

	router.GET("/balance", BalanceHandler(r.Transfers))

	payload := r.AttackPayload
	if payload == (Payload{}) {
		payload = DefaultPayload()
	}
	attack := router.Group("/attack")
	{
		attack.GET("/img_get", AttackPage("attack_img_get.tmpl", r.AttackTarget, payload))
		attack.GET("/iframe_post", AttackPage("attack_iframe_post.tmpl", r.AttackTarget, payload))
		formSubmit := AttackPage("attack_form_submit.tmpl", r.AttackTarget, payload)
		attack.GET("/form_submit", formSubmit)
		attack.POST("/form_submit", formSubmit)
	}
}
