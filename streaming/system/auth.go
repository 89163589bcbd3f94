package system

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/go-kit/log/level"
	"golang.org/x/crypto/bcrypt"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/state"
)

// DefaultRootUsername and DefaultRootPassword seed the root account on
// first start. The password should be changed immediately in any real
// deployment.
const (
	DefaultRootUsername = "root"
	DefaultRootPassword = "secret"
)

func (s *System) ensureRootUser() error {
	_, err := s.store.GetUser(DefaultRootUsername)
	if err == nil {
		return nil
	}
	if streamerr.CodeOf(err) != streamerr.ErrUserNotFound.Code {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(DefaultRootPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	root := &state.User{
		Username:     DefaultRootUsername,
		PasswordHash: hash,
		Status:       state.UserActive,
		IsRoot:       true,
		CreatedAt:    time.Now(),
	}
	if err := s.store.SaveUser(root); err != nil {
		return err
	}
	level.Info(s.logger).Log("msg", "created root user", "username", DefaultRootUsername)
	return nil
}

// Login authenticates a session with username and password. A repeated
// login with the same user is idempotent and reported with the dedicated
// "already logged in" code.
func (s *System) Login(session *Session, username, password string) (*state.User, error) {
	user, err := s.store.GetUser(username)
	if err != nil {
		if streamerr.CodeOf(err) == streamerr.ErrUserNotFound.Code {
			return nil, streamerr.ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		return nil, streamerr.ErrInvalidCredentials
	}
	if user.Status != state.UserActive {
		return nil, streamerr.ErrUserInactive
	}
	if session.IsAuthenticated() && session.UserID() == user.ID {
		return user, streamerr.ErrAlreadyLoggedIn
	}
	session.Authenticate(user.ID)
	level.Debug(s.logger).Log("msg", "user logged in", "username", username, "client", session.ClientID)
	return user, nil
}

// LoginWithAccessToken authenticates a session with a personal access
// token.
func (s *System) LoginWithAccessToken(session *Session, token string) (*state.User, error) {
	record, err := s.store.GetAccessToken(hashToken(token))
	if err != nil {
		if streamerr.CodeOf(err) == streamerr.ErrTokenNotFound.Code {
			return nil, streamerr.ErrInvalidAccessToken
		}
		return nil, err
	}
	if record.Revoked {
		return nil, streamerr.ErrAccessTokenRevoked
	}
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		return nil, streamerr.ErrAccessTokenExpired
	}
	user, err := s.userByID(record.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != state.UserActive {
		return nil, streamerr.ErrUserInactive
	}
	session.Authenticate(user.ID)
	return user, nil
}

// Logout drops the session back to Connected.
func (s *System) Logout(session *Session) {
	session.ClearAuthentication()
}

// CreateUser registers a new user with a bcrypt-hashed password.
func (s *System) CreateUser(username, password string, status state.UserStatus) (*state.User, error) {
	if username == "" || len(username) > 255 {
		return nil, streamerr.ErrInvalidName
	}
	if _, err := s.store.GetUser(username); err == nil {
		return nil, streamerr.ErrUserAlreadyExists
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	if status == "" {
		status = state.UserActive
	}
	user := &state.User{
		Username:     username,
		PasswordHash: hash,
		Status:       status,
		CreatedAt:    time.Now(),
	}
	if err := s.store.SaveUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUser removes a user. The root user is protected.
func (s *System) DeleteUser(username string) error {
	user, err := s.store.GetUser(username)
	if err != nil {
		return err
	}
	if user.IsRoot {
		return streamerr.ErrCannotModifyRoot
	}
	return s.store.DeleteUser(username)
}

// UpdateUserStatus activates or deactivates a user. The root user is
// protected.
func (s *System) UpdateUserStatus(username string, status state.UserStatus) error {
	user, err := s.store.GetUser(username)
	if err != nil {
		return err
	}
	if user.IsRoot {
		return streamerr.ErrCannotModifyRoot
	}
	user.Status = status
	return s.store.SaveUser(user)
}

// ChangePassword verifies the current password and stores the new hash.
func (s *System) ChangePassword(username, current, updated string) error {
	user, err := s.store.GetUser(username)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(current)) != nil {
		return streamerr.ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(updated), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	return s.store.SaveUser(user)
}

// CreateAccessToken mints a personal access token for a user and returns
// the raw token; only its hash is stored.
func (s *System) CreateAccessToken(userID uint32, name string, expiry time.Duration) (string, error) {
	if name == "" || len(name) > 255 {
		return "", streamerr.ErrInvalidName
	}
	existing, err := s.store.GetAccessTokens(userID)
	if err != nil {
		return "", err
	}
	for _, t := range existing {
		if t.Name == name {
			return "", streamerr.ErrTokenAlreadyExists
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)

	record := &state.AccessToken{
		Name:      name,
		UserID:    userID,
		TokenHash: hashToken(token),
		CreatedAt: time.Now(),
	}
	if expiry > 0 {
		record.ExpiresAt = time.Now().Add(expiry)
	}
	if err := s.store.SaveAccessToken(record); err != nil {
		return "", err
	}
	return token, nil
}

// DeleteAccessToken removes a user's token by name.
func (s *System) DeleteAccessToken(userID uint32, name string) error {
	return s.store.DeleteAccessToken(userID, name)
}

// UserByID resolves a user by numeric id.
func (s *System) UserByID(id uint32) (*state.User, error) { return s.userByID(id) }

func (s *System) userByID(id uint32) (*state.User, error) {
	users, err := s.store.GetUsers()
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, streamerr.ErrUserNotFound
}

// IsRoot reports whether the session's user is the root account.
func (s *System) IsRoot(session *Session) bool {
	user, err := s.userByID(session.UserID())
	return err == nil && user.IsRoot
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
