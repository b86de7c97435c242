package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strophon/actionserver/pkg/contracts"
)

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), DialectSQLite, filepath.Join(t.TempDir(), "actions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exerciseStore runs the same behavioural checks against any Opener.
func exerciseStore(t *testing.T, s Opener) {
	ctx := context.Background()

	h, err := s.Open(ctx)
	require.NoError(t, err)
	ada := &contracts.User{Name: "ada", Email: "ada@example.com"}
	bob := &contracts.User{Name: "bob", Email: "bob@example.com"}
	require.NoError(t, h.AddUser(ctx, ada))
	require.NoError(t, h.AddUser(ctx, bob))
	require.NoError(t, h.Commit(ctx, false))
	require.NoError(t, h.Close())
	require.NotZero(t, ada.ID)

	h, err = s.Open(ctx)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()

	got, err := h.GetUser(ctx, ada.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got.Email)
	assert.True(t, got.HasAuthority(contracts.AuthorityUser))
	assert.False(t, got.EmailConfirmed)

	used, err := h.IsEmailUsed(ctx, "bob@example.com")
	require.NoError(t, err)
	assert.True(t, used)
	used, err = h.IsNameUsed(ctx, "carol")
	require.NoError(t, err)
	assert.False(t, used)

	require.NoError(t, h.SetUserEmailConfirmed(ctx, ada.ID))

	// seen(ada), broadcast#1, unseen(ada), unseen(bob), broadcast#2
	events := []*contracts.Event{
		{UserID: contracts.UserRef(ada.ID), Seen: true, Data: "old"},
		{Data: "broadcast-before"},
		{UserID: contracts.UserRef(ada.ID), Data: "new"},
		{UserID: contracts.UserRef(bob.ID), Data: "bob"},
		{Data: "broadcast-after"},
	}
	require.NoError(t, h.AddEvents(ctx, events))
	require.NoError(t, h.Commit(ctx, true))

	unseen, err := h.GetUnseenEventsSinceFirstUnseen(ctx, ada.ID)
	require.NoError(t, err)
	require.Len(t, unseen, 2)
	assert.Equal(t, "new", unseen[0].Data)
	assert.Equal(t, "broadcast-after", unseen[1].Data)
	assert.Nil(t, unseen[1].UserID)

	require.NoError(t, h.MarkEventSeen(ctx, events[2].ID))
	require.NoError(t, h.Commit(ctx, false))

	unseen, err = h.GetUnseenEventsSinceFirstUnseen(ctx, ada.ID)
	require.NoError(t, err)
	assert.Empty(t, unseen)

	byEmail, err := h.GetUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.True(t, byEmail.EmailConfirmed)

	byEmail.Authorities = contracts.EncodeAuthorities(contracts.AuthorityUser, contracts.AuthorityModerator)
	require.NoError(t, h.UpdateUser(ctx, byEmail))
	require.NoError(t, h.DeleteUser(ctx, bob))
	require.NoError(t, h.Commit(ctx, false))

	got, err = h.GetUser(ctx, ada.ID, false)
	require.NoError(t, err)
	assert.True(t, got.HasAuthority(contracts.AuthorityModerator))
	_, err = h.GetUser(ctx, bob.ID, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openSQLite(t))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore_CloseAbandonsWrites(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	h, err := s.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, h.AddUser(ctx, &contracts.User{Name: "ghost", Email: "ghost@example.com"}))
	require.NoError(t, h.Close())

	h, err = s.Open(ctx)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()
	used, err := h.IsNameUsed(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestMemoryStore_CommitCountAndRowLocks(t *testing.T) {
	s := NewMemoryStore()
	s.PutUser(&contracts.User{ID: 7, Name: "u7"})
	ctx := context.Background()

	h1, err := s.Open(ctx)
	require.NoError(t, err)
	_, err = h1.GetUser(ctx, 7, true)
	require.NoError(t, err)
	// Re-locking from the same handle does not deadlock.
	_, err = h1.GetUser(ctx, 7, true)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		h2, _ := s.Open(ctx)
		defer func() { _ = h2.Close() }()
		_, _ = h2.GetUser(ctx, 7, true)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second handle acquired a held row lock")
	default:
	}

	require.NoError(t, h1.AddEvents(ctx, []*contracts.Event{{UserID: contracts.UserRef(7)}}))
	require.NoError(t, h1.Commit(ctx, false))
	<-acquired
	assert.Equal(t, 1, s.Commits())
	require.NoError(t, h1.Close())
}
