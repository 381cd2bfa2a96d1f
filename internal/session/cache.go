// Package session はセッショントークンの発行・解決・失効と、
// 解決結果の短期キャッシュを提供する。
package session

import (
	"sync"
	"time"

	"github.com/hitoshi/kairo/internal/model"
)

// DefaultCacheTTL はキャッシュエントリの既定の寿命。
const DefaultCacheTTL = 30 * time.Second

// Clock は現在時刻を返す。テストでは固定時刻を注入する。
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock は実時間を返すClock。
var SystemClock Clock = systemClock{}

type entry struct {
	user      *model.User
	expiresAt time.Time
}

// Cache はトークンダイジェストから解決済みユーザーへの短期キャッシュ。
// エントリの寿命は min(現在時刻+TTL, セッションの有効期限) で、セッションより長く残ることはない。
// 不在の結果はキャッシュしない。
// Deleteされたキーは TTL の間だけ墓標を残し、実行中の解決処理による再投入を防ぐ。
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    Clock
	entries  map[string]entry
	tombs    map[string]time.Time
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCache はCacheを生成する。ttlが0以下の場合はDefaultCacheTTL、clockがnilの場合はSystemClockを使う。
func NewCache(ttl time.Duration, clock Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Cache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]entry),
		tombs:   make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
}

// TTL はエントリの最大寿命を返す。
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get はキーに対応するユーザーのコピーを返す。期限切れのエントリはその場で削除する。
func (c *Cache) Get(key string) (*model.User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	u := *e.user
	return &u, true
}

// Set はユーザーをキャッシュする。
// 残りのセッション寿命が0以下の場合と、直前にDeleteされたキーの場合は何もしない。
func (c *Cache) Set(key string, user *model.User, sessionExpiresAt time.Time) {
	if user == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if until, ok := c.tombs[key]; ok {
		if now.Before(until) {
			return
		}
		delete(c.tombs, key)
	}

	expiresAt := now.Add(c.ttl)
	if sessionExpiresAt.Before(expiresAt) {
		expiresAt = sessionExpiresAt
	}
	if !expiresAt.After(now) {
		return
	}

	c.entries[key] = entry{user: user.Public(), expiresAt: expiresAt}
}

// Delete はキーのエントリを削除し、TTLの間は再投入を拒否する。
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	c.tombs[key] = c.clock.Now().Add(c.ttl)
}

// DeleteUser は指定ユーザーのエントリをすべて削除し、削除件数を返す。
// Deleteと同じく削除したキーには墓標を残し、TTLの間は同じキーへのSetを無視する。
func (c *Cache) DeleteUser(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	tombUntil := c.clock.Now().Add(c.ttl)
	n := 0
	for key, e := range c.entries {
		if e.user.ID == userID {
			delete(c.entries, key)
			c.tombs[key] = tombUntil
			n++
		}
	}
	return n
}

// Len は保持しているエントリ数を返す。期限切れでまだ削除されていないものも含む。
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep は期限切れのエントリと墓標を削除し、削除したエントリ数を返す。
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	n := 0
	for key, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, key)
			n++
		}
	}
	for key, until := range c.tombs {
		if !now.Before(until) {
			delete(c.tombs, key)
		}
	}
	return n
}

// Start はinterval毎にSweepを実行するゴルーチンを起動する。
func (c *Cache) Start(interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop はSweepゴルーチンを停止し、終了を待つ。複数回呼んでもよい。
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
