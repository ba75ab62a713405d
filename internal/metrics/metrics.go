// Package metrics は Prometheus のカウンタを定義します。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransferAttempts はエンドポイント種別と結果ごとの送金試行数です。
	TransferAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csrf_lab_transfer_attempts_total",
			Help: "Total number of transfer attempts by endpoint variant and outcome",
		},
		[]string{"variant", "outcome"},
	)

	// CSRFRejections はトークン検証に失敗した回数です。
	CSRFRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csrf_lab_csrf_rejections_total",
			Help: "Total number of requests rejected by synchronizer token verification",
		},
	)

	// TokensIssued は発行した CSRF トークン数です。
	TokensIssued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "csrf_lab_csrf_tokens_issued_total",
			Help: "Total number of CSRF tokens issued",
		},
	)

	// Logins はログイン試行数です。
	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csrf_lab_logins_total",
			Help: "Total number of login attempts by outcome",
		},
		[]string{"outcome"},
	)
)
