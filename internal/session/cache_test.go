package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/kairo/internal/model"
)

func TestCache_EntryNeverOutlivesSession(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(30*time.Second, clock)
	u := &model.User{ID: "u1", Email: "u1@example.com"}

	c.Set("k", u, clock.Now().Add(10*time.Second))

	clock.Advance(9 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must expire with the session, not after the cache TTL")
}

func TestCache_EntryExpiresAfterTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(30*time.Second, clock)

	c.Set("k", &model.User{ID: "u1"}, clock.Now().Add(7*24*time.Hour))

	clock.Advance(30 * time.Second)
	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is removed on access")
}

func TestCache_SetIgnoresExpiredSession(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(0, clock)

	c.Set("k", &model.User{ID: "u1"}, clock.Now())
	c.Set("k2", &model.User{ID: "u1"}, clock.Now().Add(-time.Minute))
	c.Set("k3", nil, clock.Now().Add(time.Hour))

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, DefaultCacheTTL, c.TTL())
}

func TestCache_GetReturnsCopyWithoutPasswordHash(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Minute, clock)
	c.Set("k", &model.User{ID: "u1", Name: "Taro", PasswordHash: "secret"}, clock.Now().Add(time.Hour))

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Empty(t, got.PasswordHash)

	got.Name = "mutated"
	again, _ := c.Get("k")
	assert.Equal(t, "Taro", again.Name)
}

func TestCache_DeleteBlocksRepopulation(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(30*time.Second, clock)
	u := &model.User{ID: "u1"}
	exp := clock.Now().Add(time.Hour)

	c.Set("k", u, exp)
	c.Delete("k")
	c.Set("k", u, exp)

	_, ok := c.Get("k")
	assert.False(t, ok, "a resolve that started before Delete must not bring the entry back")

	clock.Advance(30 * time.Second)
	c.Set("k", u, exp)
	_, ok = c.Get("k")
	assert.True(t, ok, "tombstone lasts one TTL")
}

func TestCache_DeleteUser(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Minute, clock)
	exp := clock.Now().Add(time.Hour)

	c.Set("a", &model.User{ID: "u1"}, exp)
	c.Set("b", &model.User{ID: "u1"}, exp)
	c.Set("c", &model.User{ID: "u2"}, exp)

	assert.Equal(t, 2, c.DeleteUser("u1"))
	assert.Equal(t, 1, c.Len())
}

func TestCache_DeleteUserBlocksRepopulation(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(30*time.Second, clock)
	u := &model.User{ID: "u1"}
	exp := clock.Now().Add(time.Hour)

	c.Set("a", u, exp)
	c.Set("b", u, exp)
	require.Equal(t, 2, c.DeleteUser("u1"))

	// 全セッション失効の前に始まった解決が書き戻しても復活しない
	c.Set("a", u, exp)
	c.Set("b", u, exp)
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	clock.Advance(30 * time.Second)
	c.Set("a", u, exp)
	_, ok = c.Get("a")
	assert.True(t, ok, "tombstone lasts one TTL")
}

func TestCache_Sweep(t *testing.T) {
	clock := newFakeClock()
	c := NewCache(time.Minute, clock)

	c.Set("short", &model.User{ID: "u1"}, clock.Now().Add(10*time.Second))
	c.Set("long", &model.User{ID: "u2"}, clock.Now().Add(time.Hour))
	clock.Advance(20 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
}

func TestCache_StartStop(t *testing.T) {
	c := NewCache(time.Millisecond, nil)
	c.Set("k", &model.User{ID: "u1"}, time.Now().Add(time.Hour))

	c.Start(5 * time.Millisecond)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)

	c.Stop()
	c.Stop()
}
