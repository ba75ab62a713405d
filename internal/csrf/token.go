// Package csrf はセッションに紐づくワンタイムの CSRF トークン（シンクロナイザートークン）を扱います。
package csrf

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Generator はトークン文字列を生成します。
type Generator interface {
	Generate(sessionID string) (string, error)
}

// RandomGenerator は crypto/rand の 32 バイトをそのまま16進にします。
type RandomGenerator struct{}

// Generate は新しいトークンを返します。sessionID は使いません。
func (RandomGenerator) Generate(string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// DerivedGenerator はセッションID・ナノ秒タイムスタンプ・16バイトの乱数ソルトを連結し、
// SHA-256 で固定長に畳み込みます。推測困難性はソルトの乱数だけに依存します。
type DerivedGenerator struct {
	Now func() time.Time
}

// Generate は新しいトークンを返します。
func (g DerivedGenerator) Generate(sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("sessionID is required")
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	material := fmt.Sprintf("%s_%d_%s", sessionID, now().UnixNano(), hex.EncodeToString(salt))
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}

// NewGenerator は設定値 random / derived から Generator を選びます。
func NewGenerator(mode string) (Generator, error) {
	switch mode {
	case "", "random":
		return RandomGenerator{}, nil
	case "derived":
		return DerivedGenerator{}, nil
	default:
		return nil, fmt.Errorf("unsupported token mode: %q", mode)
	}
}
