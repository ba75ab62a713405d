// Package session はサーバー側セッションの保存と取得を提供します。
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound はセッションが存在しない（破棄済み・期限切れを含む）ことを表します。
var ErrNotFound = errors.New("session not found")

// Session はログイン中のブラウザ1つ分の状態です。
type Session struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	CSRFToken  string    `json:"csrfToken,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

// Authenticated はユーザー名が設定されているかを返します。
func (s *Session) Authenticated() bool {
	return s != nil && s.Username != ""
}

// Store はセッションの保存先です。
//
// Update は同じセッションIDに対する呼び出しを直列化し、fn が nil を返したときだけ
// 変更を確定します。異なるセッション同士は互いに待ちません。
type Store interface {
	Create(ctx context.Context, username string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) error
	Destroy(ctx context.Context, id string) error
}

// Options はセッションの寿命に関する設定です。
type Options struct {
	MaxLifetime time.Duration
	IdleTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxLifetime <= 0 {
		o.MaxLifetime = 12 * time.Hour
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	return o
}

// expired は作成からの経過時間と無操作時間のどちらかが上限を超えたかを判定します。
func (o Options) expired(s *Session, now time.Time) bool {
	return now.Sub(s.CreatedAt) > o.MaxLifetime || now.Sub(s.LastActive) > o.IdleTimeout
}

func newID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
