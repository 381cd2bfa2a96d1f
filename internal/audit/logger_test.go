package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/kairo/internal/model"
)

// mockAuditRepository はInsertを関数フィールドで差し替えられるAuditRepository。
type mockAuditRepository struct {
	mu       sync.Mutex
	inserted []model.AuditLogEntry
	insertFn func(ctx context.Context, entry *model.AuditLogEntry) error
}

func (m *mockAuditRepository) Insert(ctx context.Context, entry *model.AuditLogEntry) error {
	if m.insertFn != nil {
		if err := m.insertFn(ctx, entry); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, *entry)
	return nil
}

func (m *mockAuditRepository) Entries() []model.AuditLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditLogEntry(nil), m.inserted...)
}

func TestLogger_RecordWritesEntry(t *testing.T) {
	repo := &mockAuditRepository{}
	l := NewLogger(repo, Config{})

	l.Record(context.Background(), model.AuditLogEntry{
		ActorID: "u1", Action: model.AuditActionSignin, IPAddress: "203.0.113.7",
	})
	require.NoError(t, l.Close(context.Background()))

	entries := repo.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, model.AuditActionSignin, entries[0].Action)
	assert.NotEmpty(t, entries[0].ID, "ID is assigned")
	assert.False(t, entries[0].CreatedAt.IsZero(), "timestamp is assigned")
}

func TestLogger_WriteFailureIsNotPropagated(t *testing.T) {
	repo := &mockAuditRepository{insertFn: func(context.Context, *model.AuditLogEntry) error {
		return errors.New("db down")
	}}
	l := NewLogger(repo, Config{})

	assert.NotPanics(t, func() {
		l.Record(context.Background(), model.AuditLogEntry{Action: model.AuditActionLogout})
	})
	require.NoError(t, l.Close(context.Background()))
	assert.Empty(t, repo.Entries())
}

func TestLogger_RecordNeverBlocksWhenBufferFull(t *testing.T) {
	release := make(chan struct{})
	repo := &mockAuditRepository{insertFn: func(context.Context, *model.AuditLogEntry) error {
		<-release
		return nil
	}}
	l := NewLogger(repo, Config{BufferSize: 2})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			l.Record(context.Background(), model.AuditLogEntry{Action: model.AuditActionSignin})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full buffer")
	}

	close(release)
	require.NoError(t, l.Close(context.Background()))
	assert.LessOrEqual(t, len(repo.Entries()), 3, "at most one in flight plus the buffer")
}

func TestLogger_CloseDrainsQueue(t *testing.T) {
	repo := &mockAuditRepository{}
	l := NewLogger(repo, Config{BufferSize: 64})

	for i := 0; i < 50; i++ {
		l.Record(context.Background(), model.AuditLogEntry{Action: model.AuditActionSignup})
	}
	require.NoError(t, l.Close(context.Background()))

	assert.Len(t, repo.Entries(), 50)
}

func TestLogger_RecordAfterCloseIsDropped(t *testing.T) {
	repo := &mockAuditRepository{}
	l := NewLogger(repo, Config{})
	require.NoError(t, l.Close(context.Background()))
	require.NoError(t, l.Close(context.Background()))

	assert.NotPanics(t, func() {
		l.Record(context.Background(), model.AuditLogEntry{Action: model.AuditActionSignin})
	})
	assert.Empty(t, repo.Entries())
}

func TestLogger_CloseHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	repo := &mockAuditRepository{insertFn: func(context.Context, *model.AuditLogEntry) error {
		<-release
		return nil
	}}
	l := NewLogger(repo, Config{})
	l.Record(context.Background(), model.AuditLogEntry{Action: model.AuditActionSignin})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Close(ctx), context.DeadlineExceeded)
}

func TestFromRequest(t *testing.T) {
	e := FromRequest(model.ClientMeta{IPAddress: "198.51.100.1", UserAgent: "ua"}, "u1", model.AuditActionLogout)

	assert.Equal(t, "u1", e.ActorID)
	assert.Equal(t, model.AuditActionLogout, e.Action)
	assert.Equal(t, "198.51.100.1", e.IPAddress)
	assert.Equal(t, "ua", e.UserAgent)
}
