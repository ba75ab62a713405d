package csrf

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yourusername/csrf-lab/internal/session"
)

var (
	// ErrRejected は提示されたトークンがセッションに保存されたものと一致しないことを表します。
	ErrRejected = errors.New("csrf token verification failed")

	// ErrNotAuthenticated はログインしていないセッションにトークンを発行しようとしたことを表します。
	ErrNotAuthenticated = errors.New("session is not authenticated")
)

// Service はトークンの発行・検証・消費を行います。トークンはセッションのフィールドとして保存され、
// 1セッションにつき有効なトークンは常に最大1つです。
type Service struct {
	store  session.Store
	gen    Generator
	logger *zap.SugaredLogger
}

// NewService は Service を作成します。
func NewService(store session.Store, gen Generator, logger *zap.SugaredLogger) *Service {
	if gen == nil {
		gen = RandomGenerator{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Service{store: store, gen: gen, logger: logger}
}

// Issue は新しいトークンを生成してセッションに保存します。未消費の古いトークンは上書きされ無効になります。
func (s *Service) Issue(ctx context.Context, sessionID string) (string, error) {
	var token string
	err := s.store.Update(ctx, sessionID, func(sess *session.Session) error {
		if !sess.Authenticated() {
			return ErrNotAuthenticated
		}
		generated, err := s.gen.Generate(sess.ID)
		if err != nil {
			return fmt.Errorf("failed to generate csrf token: %w", err)
		}
		sess.CSRFToken = generated
		token = generated
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Verify は presented が空でなく、セッションに保存されたトークンと一致するときだけ true を返します。
// 失敗してもトークンは消費しません。
func (s *Service) Verify(ctx context.Context, sessionID, presented string) bool {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return false
	}
	return tokensMatch(sess.CSRFToken, presented)
}

// Consume はセッションからトークンを削除します。
func (s *Service) Consume(ctx context.Context, sessionID string) error {
	return s.store.Update(ctx, sessionID, func(sess *session.Session) error {
		sess.CSRFToken = ""
		return nil
	})
}

// Guard は検証とトークンの消費を先に確定させてから action を実行します。
// 同じトークンを持つ並行リクエストのうち action まで進むのは1つだけで、
// 消費が保存できなかった場合は action を実行しません。
// action が失敗した場合は、その間に新しいトークンが発行されていなければ元のトークンを戻します。
func (s *Service) Guard(ctx context.Context, sessionID, presented string, action func(*session.Session) error) error {
	var claimed session.Session
	err := s.store.Update(ctx, sessionID, func(sess *session.Session) error {
		if !tokensMatch(sess.CSRFToken, presented) {
			s.logger.Warnw("csrf token rejected",
				"user", sess.Username,
				"tokenPresent", presented != "",
				"tokenIssued", sess.CSRFToken != "",
			)
			return ErrRejected
		}
		sess.CSRFToken = ""
		claimed = *sess
		return nil
	})
	if err != nil {
		return err
	}

	if err := action(&claimed); err != nil {
		s.restore(context.WithoutCancel(ctx), sessionID, presented)
		return err
	}
	return nil
}

func (s *Service) restore(ctx context.Context, sessionID, token string) {
	err := s.store.Update(ctx, sessionID, func(sess *session.Session) error {
		if sess.CSRFToken == "" {
			sess.CSRFToken = token
		}
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		// 戻せなかったトークンは失効するだけなので、利用者はフォームを開き直せばよい
		s.logger.Warnw("failed to restore csrf token", "error", err)
	}
}

func tokensMatch(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
