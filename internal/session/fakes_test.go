package session

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/kairo/internal/model"
)

// fakeClock は手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memSessionRepo はメモリ上のSessionRepository。呼び出し回数を数える。
type memSessionRepo struct {
	mu        sync.Mutex
	rows      map[string]model.Session
	findCalls int

	// 設定されている場合、各メソッドはこれを先に呼ぶ
	findFn   func(ctx context.Context) error
	createFn func(ctx context.Context) error
	deleteFn func(ctx context.Context) error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{rows: make(map[string]model.Session)}
}

func (r *memSessionRepo) Create(ctx context.Context, digest string, s *model.Session) error {
	if r.createFn != nil {
		if err := r.createFn(ctx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row := *s
	row.Token = ""
	r.rows[digest] = row
	return nil
}

func (r *memSessionRepo) FindByToken(ctx context.Context, digest string) (*model.Session, error) {
	r.mu.Lock()
	r.findCalls++
	r.mu.Unlock()

	if r.findFn != nil {
		if err := r.findFn(ctx); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[digest]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (r *memSessionRepo) DeleteByToken(ctx context.Context, digest string) error {
	if r.deleteFn != nil {
		if err := r.deleteFn(ctx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, digest)
	return nil
}

func (r *memSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, row := range r.rows {
		if row.UserID == userID {
			delete(r.rows, k)
		}
	}
	return nil
}

func (r *memSessionRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for k, row := range r.rows {
		if row.IsExpired(now) {
			delete(r.rows, k)
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) FindCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findCalls
}

// mockUserFinder はFindByIDを関数フィールドで差し替えられるUserFinder。
type mockUserFinder struct {
	findByIDFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockUserFinder) FindByID(ctx context.Context, id string) (*model.User, error) {
	return m.findByIDFn(ctx, id)
}

func staticUsers(users ...*model.User) *mockUserFinder {
	byID := make(map[string]*model.User)
	for _, u := range users {
		byID[u.ID] = u
	}
	return &mockUserFinder{findByIDFn: func(_ context.Context, id string) (*model.User, error) {
		u, ok := byID[id]
		if !ok {
			return nil, nil
		}
		cp := *u
		return &cp, nil
	}}
}

// countingMetrics はキャッシュのヒット・ミスだけを数える。
type countingMetrics struct {
	mu          sync.Mutex
	hits        int
	misses      int
	storeErrors map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{storeErrors: make(map[string]int)}
}

func (m *countingMetrics) RecordSessionCacheHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits++
}

func (m *countingMetrics) RecordSessionCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *countingMetrics) RecordSessionStoreError(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeErrors[op]++
}

func (m *countingMetrics) Misses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.misses
}

func (m *countingMetrics) RecordSignin(string) {}
func (m *countingMetrics) RecordRateLimited(string) {}
func (m *countingMetrics) RecordOAuthExchange(string, string) {}
func (m *countingMetrics) RecordOAuthRefresh(string, string) {}
func (m *countingMetrics) RecordAuditWritten() {}
func (m *countingMetrics) RecordAuditDropped() {}
func (m *countingMetrics) RecordAuditFailed() {}
func (m *countingMetrics) RecordHTTPStatus(int) {}
func (m *countingMetrics) RecordRequestLatency(time.Duration) {}
