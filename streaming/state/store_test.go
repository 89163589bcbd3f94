package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJournalAppendOrder(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendJournal(202, []byte("streams:1")))
	require.NoError(t, s.AppendJournal(203, []byte("streams:2")))
	require.NoError(t, s.AppendJournal(302, nil))

	entries, err := s.JournalEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, uint32(202), entries[0].Code)
	assert.Equal(t, []byte("streams:1"), entries[0].Payload)
	assert.Equal(t, uint32(302), entries[2].Code)
	assert.Empty(t, entries[2].Payload)
}

func TestUserCRUD(t *testing.T) {
	s := newTestStore(t)

	u := &User{Username: "alice", PasswordHash: []byte("hash"), Status: UserActive, CreatedAt: time.Now()}
	require.NoError(t, s.SaveUser(u))
	assert.NotZero(t, u.ID)

	got, err := s.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, UserActive, got.Status)

	got.Status = UserInactive
	require.NoError(t, s.SaveUser(got))
	got, err = s.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, UserInactive, got.Status)

	users, err := s.GetUsers()
	require.NoError(t, err)
	assert.Len(t, users, 1)

	require.NoError(t, s.DeleteUser("alice"))
	_, err = s.GetUser("alice")
	assert.ErrorIs(t, err, streamerr.ErrUserNotFound)
	assert.ErrorIs(t, s.DeleteUser("alice"), streamerr.ErrUserNotFound)
}

func TestAccessTokens(t *testing.T) {
	s := newTestStore(t)

	tok := &AccessToken{Name: "ci", UserID: 3, TokenHash: "abc123", CreatedAt: time.Now()}
	require.NoError(t, s.SaveAccessToken(tok))

	got, err := s.GetAccessToken("abc123")
	require.NoError(t, err)
	assert.Equal(t, "ci", got.Name)

	tokens, err := s.GetAccessTokens(3)
	require.NoError(t, err)
	assert.Len(t, tokens, 1)

	tokens, err = s.GetAccessTokens(99)
	require.NoError(t, err)
	assert.Empty(t, tokens)

	require.NoError(t, s.DeleteAccessToken(3, "ci"))
	_, err = s.GetAccessToken("abc123")
	assert.ErrorIs(t, err, streamerr.ErrTokenNotFound)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.AppendJournal(1, []byte("x")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.JournalEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(1), entries[0].Code)
}
