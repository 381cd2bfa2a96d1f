// Package ratelimit は固定ウィンドウ方式のレート制限を提供する。
package ratelimit

import (
	"sync"
	"time"
)

// Profile はルート種別ごとのレート制限設定。
type Profile struct {
	Name   string
	Limit  int
	Window time.Duration
	// BlockDuration が正の場合、ウィンドウ内でLimitの2倍を超えたキーをこの期間ブロックする。
	BlockDuration time.Duration
}

// 既定のプロファイル
var (
	ProfileAuth    = Profile{Name: "auth", Limit: 5, Window: 15 * time.Minute, BlockDuration: 30 * time.Minute}
	ProfileGeneral = Profile{Name: "general", Limit: 100, Window: 15 * time.Minute}
	ProfileOAuth   = Profile{Name: "oauth", Limit: 20, Window: 15 * time.Minute}
)

// Decision はCheckの判定結果。レスポンスヘッダーの生成に使う。
type Decision struct {
	Allowed   bool
	Blocked   bool // ブロック期間中による拒否
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter はnowから見た再試行までの秒数を返す（最低1秒）。
func (d Decision) RetryAfter(now time.Time) int {
	secs := int(d.ResetAt.Sub(now).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type bucket struct {
	count        int
	windowStart  time.Time
	window       time.Duration
	blockedUntil time.Time
}

func (b *bucket) expired(now time.Time) bool {
	return !now.Before(b.windowStart.Add(b.window)) && !now.Before(b.blockedUntil)
}

// Limiter はキーごとの固定ウィンドウカウンター。
// すべてのバケットを1つのミューテックスで保護する。各操作はO(1)。
// 期限切れのバケットは次のアクセス時に作り直すため、Sweepはメモリ上限のためだけに使う。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New はLimiterを生成する。nowがnilの場合はtime.Nowを使う。
func New(now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

// Allow はkeyのカウンターを1増やし、ウィンドウ内の回数がlimit以下ならtrueを返す。
func (l *Limiter) Allow(key string, limit int, window time.Duration) bool {
	return l.take(key, limit, window, 0).Allowed
}

// Check はプロファイルに従ってkeyを判定する。バケットのキーは "プロファイル名:key"。
func (l *Limiter) Check(key string, p Profile) Decision {
	return l.take(p.Name+":"+key, p.Limit, p.Window, p.BlockDuration)
}

func (l *Limiter) take(key string, limit int, window, blockDuration time.Duration) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if ok && now.Before(b.blockedUntil) {
		return Decision{Blocked: true, Limit: limit, ResetAt: b.blockedUntil}
	}
	if !ok || !now.Before(b.windowStart.Add(b.window)) {
		b = &bucket{windowStart: now, window: window}
		l.buckets[key] = b
	}

	b.count++
	resetAt := b.windowStart.Add(b.window)

	if b.count > limit {
		if blockDuration > 0 && b.count > limit*2 {
			b.blockedUntil = now.Add(blockDuration)
			resetAt = b.blockedUntil
		}
		return Decision{Limit: limit, ResetAt: resetAt}
	}

	return Decision{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - b.count,
		ResetAt:   resetAt,
	}
}

// Reset はkeyのバケットを削除する。バケットのキーはCheckと同じ形式で指定する。
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Len は保持しているバケット数を返す。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep はウィンドウとブロック期間がともに終了したバケットを削除し、削除数を返す。
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, b := range l.buckets {
		if b.expired(now) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Start はinterval毎にSweepを実行するゴルーチンを起動する。
func (l *Limiter) Start(interval time.Duration) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Sweep()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop はSweepゴルーチンを停止する。複数回呼んでもよい。
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}
