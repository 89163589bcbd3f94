// Package state is the durable key/value side-store: the append-only state
// journal plus the small administrative records (users, personal access
// tokens) that have no home in the on-disk stream tree.
package state

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
)

var (
	bucketJournal = []byte("journal")
	bucketUsers   = []byte("users")
	bucketTokens  = []byte("tokens")
)

// Store wraps the embedded database. A single Store serves the whole
// process.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open state store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJournal, bucketUsers, bucketTokens} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create state buckets")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// JournalEntry is one audit record of a mutating administrative command:
// the command code, the payload length and the payload itself.
type JournalEntry struct {
	Code    uint32
	Payload []byte
}

// AppendJournal writes one journal entry under the next sequence number.
// The journal is append-only and informational: reload trusts the on-disk
// tree, not the journal.
func (s *Store) AppendJournal(code uint32, payload []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJournal)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := binary.BigEndian.AppendUint64(nil, seq)

		value := make([]byte, 0, 8+len(payload))
		value = binary.LittleEndian.AppendUint32(value, code)
		value = binary.LittleEndian.AppendUint32(value, uint32(len(payload)))
		value = append(value, payload...)
		return b.Put(key, value)
	})
}

// JournalEntries returns every journal entry in append order.
func (s *Store) JournalEntries() ([]JournalEntry, error) {
	var entries []JournalEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJournal).ForEach(func(_, v []byte) error {
			if len(v) < 8 {
				return streamerr.ErrStateJournalCorrupt
			}
			code := binary.LittleEndian.Uint32(v[0:4])
			length := binary.LittleEndian.Uint32(v[4:8])
			if uint32(len(v)-8) != length {
				return streamerr.ErrStateJournalCorrupt
			}
			entries = append(entries, JournalEntry{Code: code, Payload: append([]byte(nil), v[8:]...)})
			return nil
		})
	})
	return entries, err
}

// UserStatus enables or disables a user without deleting it.
type UserStatus string

const (
	UserActive   UserStatus = "active"
	UserInactive UserStatus = "inactive"
)

// User is an administrative account. The password hash is bcrypt.
type User struct {
	ID           uint32     `json:"id"`
	Username     string     `json:"username"`
	PasswordHash []byte     `json:"password_hash"`
	Status       UserStatus `json:"status"`
	IsRoot       bool       `json:"is_root"`
	CreatedAt    time.Time  `json:"created_at"`
}

// SaveUser inserts or updates a user keyed by username. New users get the
// next sequence id.
func (s *Store) SaveUser(u *User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if u.ID == 0 {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			u.ID = uint32(seq)
		}
		value, err := json.Marshal(u)
		if err != nil {
			return err
		}
		return b.Put([]byte(u.Username), value)
	})
}

// GetUser returns a user by username.
func (s *Store) GetUser(username string) (*User, error) {
	var u *User
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUsers).Get([]byte(username))
		if v == nil {
			return streamerr.ErrUserNotFound
		}
		u = &User{}
		if err := json.Unmarshal(v, u); err != nil {
			return streamerr.ErrCannotDeserialize
		}
		return nil
	})
	return u, err
}

// GetUsers returns every user.
func (s *Store) GetUsers() ([]*User, error) {
	var users []*User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(_, v []byte) error {
			u := &User{}
			if err := json.Unmarshal(v, u); err != nil {
				return streamerr.ErrCannotDeserialize
			}
			users = append(users, u)
			return nil
		})
	})
	return users, err
}

// DeleteUser removes a user by username.
func (s *Store) DeleteUser(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		if b.Get([]byte(username)) == nil {
			return streamerr.ErrUserNotFound
		}
		return b.Delete([]byte(username))
	})
}

// AccessToken is a personal access token. Only the SHA-256 hash of the
// token is stored.
type AccessToken struct {
	Name      string    `json:"name"`
	UserID    uint32    `json:"user_id"`
	TokenHash string    `json:"token_hash"`
	ExpiresAt time.Time `json:"expires_at"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// SaveAccessToken stores a token keyed by its hash.
func (s *Store) SaveAccessToken(t *AccessToken) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		value, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTokens).Put([]byte(t.TokenHash), value)
	})
}

// GetAccessToken looks up a token by hash.
func (s *Store) GetAccessToken(hash string) (*AccessToken, error) {
	var t *AccessToken
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketTokens).Get([]byte(hash))
		if v == nil {
			return streamerr.ErrTokenNotFound
		}
		t = &AccessToken{}
		if err := json.Unmarshal(v, t); err != nil {
			return streamerr.ErrCannotDeserialize
		}
		return nil
	})
	return t, err
}

// GetAccessTokens returns the tokens of one user.
func (s *Store) GetAccessTokens(userID uint32) ([]*AccessToken, error) {
	var tokens []*AccessToken
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTokens).ForEach(func(_, v []byte) error {
			t := &AccessToken{}
			if err := json.Unmarshal(v, t); err != nil {
				return streamerr.ErrCannotDeserialize
			}
			if t.UserID == userID {
				tokens = append(tokens, t)
			}
			return nil
		})
	})
	return tokens, err
}

// DeleteAccessToken removes the named token of a user.
func (s *Store) DeleteAccessToken(userID uint32, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTokens)
		var key []byte
		err := b.ForEach(func(k, v []byte) error {
			t := &AccessToken{}
			if err := json.Unmarshal(v, t); err != nil {
				return streamerr.ErrCannotDeserialize
			}
			if t.UserID == userID && t.Name == name {
				key = append([]byte(nil), k...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if key == nil {
			return streamerr.ErrTokenNotFound
		}
		return b.Delete(key)
	})
}
