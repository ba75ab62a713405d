// Package bank は4種類のエンドポイントで共通の送金処理を提供します。
package bank

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yourusername/csrf-lab/internal/ledger"
	"github.com/yourusername/csrf-lab/internal/session"
)

// Recorder は成功した送金を監査ログへ渡します。
type Recorder interface {
	RecordTransfer(ctx context.Context, variant, actor, from, to string, amount int64) error
}

// Request は送金リクエストです。Variant はどのエンドポイントから来たかを示します。
type Request struct {
	Variant string
	From    string
	To      string
	Amount  int64
}

// Result は成功した送金の内容です。
type Result struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount int64  `json:"amount"`
}

// Service は送金処理です。
type Service struct {
	ledger   *ledger.Ledger
	recorder Recorder
	logger   *zap.SugaredLogger
}

// NewService は Service を作成します。recorder は nil でも構いません。
func NewService(l *ledger.Ledger, recorder Recorder, logger *zap.SugaredLogger) *Service {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{ledger: l, recorder: recorder, logger: logger}
}

// Execute は前提条件を順に確認し、すべて満たしたときだけ台帳を更新します。
//  1. セッションにユーザーがいる
//  2. 送金元がそのユーザー自身の口座である
//  3. 送金元・送金先の両方が存在する
func (s *Service) Execute(ctx context.Context, sess *session.Session, req Request) (*Result, error) {
	if !sess.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if req.From != sess.Username {
		s.logger.Warnw("transfer from foreign account refused",
			"variant", req.Variant, "user", sess.Username, "from", req.From)
		return nil, fmt.Errorf("%w: %s", ErrForbiddenActor, req.From)
	}
	for _, id := range []string{req.From, req.To} {
		if !s.ledger.Exists(id) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
	}

	if err := s.ledger.Transfer(req.From, req.To, req.Amount); err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrAccountNotFound, err)
		}
		return nil, err
	}

	s.logger.Infow("transfer executed",
		"variant", req.Variant, "from", req.From, "to", req.To, "amount", req.Amount)

	if s.recorder != nil {
		if err := s.recorder.RecordTransfer(ctx, req.Variant, sess.Username, req.From, req.To, req.Amount); err != nil {
			// 台帳は更新済みなので、監査の失敗は送金の失敗にしない
			s.logger.Errorw("failed to record transfer", "error", err)
		}
	}

	return &Result{From: req.From, To: req.To, Amount: req.Amount}, nil
}

// BalanceOf はユーザーの残高を返します。
func (s *Service) BalanceOf(username string) (int64, error) {
	balance, err := s.ledger.BalanceOf(username)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	}
	return balance, nil
}
