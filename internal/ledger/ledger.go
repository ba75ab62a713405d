// Package ledger はデモ用のインメモリ口座台帳を提供します。
// 残高の増減はすべて1つのミューテックスで直列化され、送金の片側だけが反映された状態は外から見えません。
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrAccountNotFound は口座が存在しないことを表します。
var ErrAccountNotFound = errors.New("account not found")

// Account は口座1件分の状態です。
type Account struct {
	ID           string `json:"id"`
	Balance      int64  `json:"balance"`
	PasswordHash []byte `json:"-"`
}

// Seed は起動時に投入する口座です。
type Seed struct {
	ID       string
	Balance  int64
	Password string
}

// DefaultSeeds はデモで使う2口座です。
func DefaultSeeds() []Seed {
	return []Seed{
		{ID: "Arvin", Balance: 500, Password: "arvin123"},
		{ID: "Channy", Balance: 500, Password: "channy123"},
	}
}

// Ledger は口座IDから残高への対応を保持します。
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// New は seeds から台帳を作成します。パスワードは bcrypt でハッシュ化して保持します。
func New(seeds []Seed) (*Ledger, error) {
	l := &Ledger{accounts: make(map[string]*Account, len(seeds))}
	for _, s := range seeds {
		if s.ID == "" {
			return nil, fmt.Errorf("seed account id is required")
		}
		if _, dup := l.accounts[s.ID]; dup {
			return nil, fmt.Errorf("duplicate seed account: %s", s.ID)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(s.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password for %s: %w", s.ID, err)
		}
		l.accounts[s.ID] = &Account{ID: s.ID, Balance: s.Balance, PasswordHash: hash}
	}
	return l, nil
}

// Authenticate は口座IDとパスワードの組を検証します。
func (l *Ledger) Authenticate(id, password string) bool {
	l.mu.RLock()
	acct, ok := l.accounts[id]
	var hash []byte
	if ok {
		hash = acct.PasswordHash
	}
	l.mu.RUnlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}

// Exists は口座が存在するかを返します。
func (l *Ledger) Exists(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.accounts[id]
	return ok
}

// BalanceOf は残高を返します。
func (l *Ledger) BalanceOf(id string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	acct, ok := l.accounts[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return acct.Balance, nil
}

// Debit は残高を減らします。マイナス残高も許容します。
func (l *Ledger) Debit(id string, amount int64) error {
	return l.apply(id, -amount)
}

// Credit は残高を増やします。
func (l *Ledger) Credit(id string, amount int64) error {
	return l.apply(id, amount)
}

// Transfer は from から to へ amount を移します。
// 両口座の存在を確認してから、同じ臨界区間で引き落としと入金を行います。
func (l *Ledger) Transfer(from, to string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	src, ok := l.accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, from)
	}
	dst, ok := l.accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, to)
	}

	src.Balance -= amount
	dst.Balance += amount
	return nil
}

// Snapshot は全口座の残高をID順で返します。
func (l *Ledger) Snapshot() []Account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Account, 0, len(l.accounts))
	for _, a := range l.accounts {
		out = append(out, Account{ID: a.ID, Balance: a.Balance})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Ledger) apply(id string, delta int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	acct.Balance += delta
	return nil
}
