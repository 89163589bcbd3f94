package binaryproto

import (
	"encoding/binary"
	"time"

	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/pkg/wire"
	"github.com/streamhouse/streamhouse/streaming/state"
	"github.com/streamhouse/streamhouse/streaming/system"
)

func (d *Dispatcher) handlePing() ([]byte, error) {
	return binary.LittleEndian.AppendUint32(nil, wire.ProtocolVersion), nil
}

func (d *Dispatcher) handleGetStats() ([]byte, error) {
	stats := d.sys.GetStats()
	b := make([]byte, 0, 48)
	b = binary.LittleEndian.AppendUint32(b, uint32(stats.ProcessID))
	b = binary.LittleEndian.AppendUint64(b, uint64(stats.StartTime.UnixMicro()))
	b = binary.LittleEndian.AppendUint32(b, uint32(stats.StreamsCount))
	b = binary.LittleEndian.AppendUint32(b, uint32(stats.TopicsCount))
	b = binary.LittleEndian.AppendUint32(b, uint32(stats.PartitionsCount))
	b = binary.LittleEndian.AppendUint64(b, stats.MessagesCount)
	b = binary.LittleEndian.AppendUint64(b, stats.SizeBytes)
	b = binary.LittleEndian.AppendUint32(b, uint32(stats.ClientsCount))
	return b, nil
}

func appendSession(b []byte, s *system.Session) []byte {
	b = binary.LittleEndian.AppendUint32(b, s.ClientID)
	b = binary.LittleEndian.AppendUint32(b, s.UserID())
	b = append(b, byte(s.State()))
	b = appendString8(b, s.Transport)
	b = appendString8(b, s.RemoteAddr)
	return b
}

func (d *Dispatcher) handleGetMe(session *system.Session) ([]byte, error) {
	return appendSession(nil, session), nil
}

func (d *Dispatcher) handleGetClient(payload []byte) ([]byte, error) {
	r := newReader(payload)
	clientID := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	session, ok := d.sys.Clients().Get(clientID)
	if !ok {
		return nil, streamerr.ErrClientNotFound
	}
	return appendSession(nil, session), nil
}

func (d *Dispatcher) handleGetClients() ([]byte, error) {
	sessions := d.sys.Clients().All()
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(sessions)))
	for _, s := range sessions {
		b = appendSession(b, s)
	}
	return b, nil
}

func appendUser(b []byte, u *state.User) []byte {
	b = binary.LittleEndian.AppendUint32(b, u.ID)
	b = appendString8(b, u.Username)
	status := byte(0)
	if u.Status == state.UserActive {
		status = 1
	}
	b = append(b, status)
	root := byte(0)
	if u.IsRoot {
		root = 1
	}
	b = append(b, root)
	return b
}

func (d *Dispatcher) handleLoginUser(session *system.Session, payload []byte) ([]byte, error) {
	r := newReader(payload)
	username := r.string8()
	password := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	user, err := d.sys.Login(session, username, password)
	if err != nil && !streamerr.IsBenign(err) {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(nil, user.ID), err
}

func (d *Dispatcher) handleLoginWithToken(session *system.Session, payload []byte) ([]byte, error) {
	r := newReader(payload)
	token := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	user, err := d.sys.LoginWithAccessToken(session, token)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(nil, user.ID), nil
}

func (d *Dispatcher) handleLogout(session *system.Session) ([]byte, error) {
	d.sys.Logout(session)
	return nil, nil
}

func (d *Dispatcher) handleCreateUser(payload []byte) ([]byte, error) {
	r := newReader(payload)
	username := r.string8()
	password := r.string8()
	active := r.u8()
	if r.err != nil {
		return nil, r.err
	}
	status := state.UserInactive
	if active == 1 {
		status = state.UserActive
	}
	user, err := d.sys.CreateUser(username, password, status)
	if err != nil {
		return nil, err
	}
	return appendUser(nil, user), nil
}

func (d *Dispatcher) handleDeleteUser(payload []byte) ([]byte, error) {
	r := newReader(payload)
	username := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	return nil, d.sys.DeleteUser(username)
}

func (d *Dispatcher) handleUpdateUser(payload []byte) ([]byte, error) {
	r := newReader(payload)
	username := r.string8()
	active := r.u8()
	if r.err != nil {
		return nil, r.err
	}
	status := state.UserInactive
	if active == 1 {
		status = state.UserActive
	}
	return nil, d.sys.UpdateUserStatus(username, status)
}

func (d *Dispatcher) handleChangePassword(payload []byte) ([]byte, error) {
	r := newReader(payload)
	username := r.string8()
	current := r.string8()
	updated := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	return nil, d.sys.ChangePassword(username, current, updated)
}

func (d *Dispatcher) handleGetUsers() ([]byte, error) {
	users, err := d.sys.State().GetUsers()
	if err != nil {
		return nil, err
	}
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(users)))
	for _, u := range users {
		b = appendUser(b, u)
	}
	return b, nil
}

func (d *Dispatcher) handleCreateAccessToken(session *system.Session, payload []byte) ([]byte, error) {
	r := newReader(payload)
	name := r.string8()
	expiry := r.u64()
	if r.err != nil {
		return nil, r.err
	}
	token, err := d.sys.CreateAccessToken(session.UserID(), name, time.Duration(expiry)*time.Microsecond)
	if err != nil {
		return nil, err
	}
	return appendString8(nil, token), nil
}

func (d *Dispatcher) handleDeleteAccessToken(session *system.Session, payload []byte) ([]byte, error) {
	r := newReader(payload)
	name := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	return nil, d.sys.DeleteAccessToken(session.UserID(), name)
}

func (d *Dispatcher) handleGetAccessTokens(session *system.Session) ([]byte, error) {
	tokens, err := d.sys.State().GetAccessTokens(session.UserID())
	if err != nil {
		return nil, err
	}
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(tokens)))
	for _, t := range tokens {
		b = appendString8(b, t.Name)
		b = binary.LittleEndian.AppendUint64(b, uint64(t.ExpiresAt.UnixMicro()))
	}
	return b, nil
}
