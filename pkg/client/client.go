// Package client is a minimal binary-protocol client used by the admin CLI
// and by integration tests. One request in flight per connection.
package client

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/pkg/wire"
)

// Config controls dialing and the reconnect policy.
type Config struct {
	Addr              string
	DialTimeout       time.Duration
	ReconnectAttempts int
	ReconnectInterval time.Duration
	MaxFrameSize      uint32
}

func (c *Config) applyDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = 3
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = time.Second
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = wire.DefaultMaxFrameSize
	}
}

// Client is a TCP client of the binary protocol.
type Client struct {
	cfg  Config
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects, retrying per the reconnect policy. After the configured
// attempts the NotConnected error surfaces.
func Dial(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	c := &Client{cfg: cfg}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.ReconnectAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(c.cfg.ReconnectInterval)
		}
		conn, err := net.DialTimeout("tcp", c.cfg.Addr, c.cfg.DialTimeout)
		if err == nil {
			c.conn = conn
			return nil
		}
		lastErr = err
	}
	return streamerr.Wrap(streamerr.ErrNotConnected, "dial %s (%v)", c.cfg.Addr, lastErr)
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// roundTrip sends one request frame and reads the response payload.
func (c *Client) roundTrip(command uint32, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, streamerr.ErrNotConnected
	}
	if err := wire.WriteRequest(c.conn, command, payload); err != nil {
		return nil, err
	}
	return wire.ReadResponse(c.conn, c.cfg.MaxFrameSize)
}

// Ping checks liveness and returns the server's protocol version.
func (c *Client) Ping() (uint32, error) {
	resp, err := c.roundTrip(wire.CommandPing, nil)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, streamerr.ErrEmptyResponse
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// Login authenticates with username and password.
func (c *Client) Login(username, password string) error {
	payload := appendString8(nil, username)
	payload = appendString8(payload, password)
	_, err := c.roundTrip(wire.CommandLoginUser, payload)
	if err != nil && streamerr.IsBenign(err) {
		return nil
	}
	return err
}

// LoginWithAccessToken authenticates with a personal access token.
func (c *Client) LoginWithAccessToken(token string) error {
	_, err := c.roundTrip(wire.CommandLoginWithAccessToken, appendString8(nil, token))
	return err
}

// CreateStream creates a stream; id 0 lets the server choose.
func (c *Client) CreateStream(id uint32, name string) error {
	payload := binary.LittleEndian.AppendUint32(nil, id)
	payload = appendString8(payload, name)
	_, err := c.roundTrip(wire.CommandCreateStream, payload)
	return err
}

// DeleteStream removes a stream.
func (c *Client) DeleteStream(id identifier.Identifier) error {
	_, err := c.roundTrip(wire.CommandDeleteStream, id.AppendBinary(nil))
	return err
}

// CreateTopic creates a topic in a stream; topicID 0 lets the server
// choose.
func (c *Client) CreateTopic(streamID identifier.Identifier, topicID, partitions uint32, name string) error {
	payload := streamID.AppendBinary(nil)
	payload = binary.LittleEndian.AppendUint32(payload, topicID)
	payload = binary.LittleEndian.AppendUint32(payload, partitions)
	payload = append(payload, 1)                           // compression: none
	payload = append(payload, 1)                           // expiry: server default
	payload = binary.LittleEndian.AppendUint64(payload, 0) // expiry duration
	payload = append(payload, 1)                           // max size: server default
	payload = binary.LittleEndian.AppendUint64(payload, 0) // max size bytes
	payload = append(payload, 0)                           // replication factor
	payload = appendString8(payload, name)
	_, err := c.roundTrip(wire.CommandCreateTopic, payload)
	return err
}

// DeleteTopic removes a topic.
func (c *Client) DeleteTopic(streamID, topicID identifier.Identifier) error {
	payload := streamID.AppendBinary(nil)
	payload = topicID.AppendBinary(payload)
	_, err := c.roundTrip(wire.CommandDeleteTopic, payload)
	return err
}

// SendMessages publishes messages and returns the partition that took them.
func (c *Client) SendMessages(streamID, topicID identifier.Identifier,
	partitioning messages.Partitioning, msgs []*messages.Message,
) (uint32, error) {
	payload := streamID.AppendBinary(nil)
	payload = topicID.AppendBinary(payload)
	payload = partitioning.AppendBinary(payload)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(msgs)))
	for _, m := range msgs {
		payload = m.AppendBinary(payload)
	}
	resp, err := c.roundTrip(wire.CommandSendMessages, payload)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, streamerr.ErrEmptyResponse
	}
	return binary.LittleEndian.Uint32(resp), nil
}

// PollMessages reads messages and returns the serving partition.
func (c *Client) PollMessages(consumer messages.Consumer, streamID, topicID identifier.Identifier,
	partitionID uint32, strategy messages.PollingStrategy, count uint32, autoCommit bool,
) (uint32, []*messages.Message, error) {
	payload := consumer.AppendBinary(nil)
	payload = streamID.AppendBinary(payload)
	payload = topicID.AppendBinary(payload)
	payload = binary.LittleEndian.AppendUint32(payload, partitionID)
	payload = strategy.AppendBinary(payload)
	payload = binary.LittleEndian.AppendUint32(payload, count)
	commit := byte(0)
	if autoCommit {
		commit = 1
	}
	payload = append(payload, commit)

	resp, err := c.roundTrip(wire.CommandPollMessages, payload)
	if err != nil {
		return 0, nil, err
	}
	if len(resp) < 8 {
		return 0, nil, streamerr.ErrEmptyResponse
	}
	partition := binary.LittleEndian.Uint32(resp[0:4])
	n := binary.LittleEndian.Uint32(resp[4:8])
	rest := resp[8:]
	msgs := make([]*messages.Message, 0, n)
	for i := uint32(0); i < n; i++ {
		m, remaining, err := messages.DecodeMessage(rest)
		if err != nil {
			return 0, nil, err
		}
		msgs = append(msgs, m)
		rest = remaining
	}
	return partition, msgs, nil
}

// StoreConsumerOffset commits an offset.
func (c *Client) StoreConsumerOffset(consumer messages.Consumer, streamID, topicID identifier.Identifier,
	partitionID uint32, offset uint64,
) error {
	payload := consumer.AppendBinary(nil)
	payload = streamID.AppendBinary(payload)
	payload = topicID.AppendBinary(payload)
	payload = binary.LittleEndian.AppendUint32(payload, partitionID)
	payload = binary.LittleEndian.AppendUint64(payload, offset)
	_, err := c.roundTrip(wire.CommandStoreConsumerOffset, payload)
	return err
}

// GetConsumerOffset reads a stored offset; ok is false when none exists.
func (c *Client) GetConsumerOffset(consumer messages.Consumer, streamID, topicID identifier.Identifier,
	partitionID uint32,
) (uint64, bool, error) {
	payload := consumer.AppendBinary(nil)
	payload = streamID.AppendBinary(payload)
	payload = topicID.AppendBinary(payload)
	payload = binary.LittleEndian.AppendUint32(payload, partitionID)
	resp, err := c.roundTrip(wire.CommandGetConsumerOffset, payload)
	if err != nil {
		return 0, false, err
	}
	if len(resp) < 13 {
		return 0, false, streamerr.ErrEmptyResponse
	}
	return binary.LittleEndian.Uint64(resp[5:13]), resp[4] == 1, nil
}

// CreateConsumerGroup registers a group on a topic.
func (c *Client) CreateConsumerGroup(streamID, topicID identifier.Identifier, groupID uint32, name string) error {
	payload := streamID.AppendBinary(nil)
	payload = topicID.AppendBinary(payload)
	payload = binary.LittleEndian.AppendUint32(payload, groupID)
	payload = appendString8(payload, name)
	_, err := c.roundTrip(wire.CommandCreateConsumerGroup, payload)
	return err
}

// JoinConsumerGroup joins the calling session to a group.
func (c *Client) JoinConsumerGroup(streamID, topicID, groupID identifier.Identifier) error {
	payload := streamID.AppendBinary(nil)
	payload = topicID.AppendBinary(payload)
	payload = groupID.AppendBinary(payload)
	_, err := c.roundTrip(wire.CommandJoinConsumerGroup, payload)
	return err
}

// LeaveConsumerGroup removes the calling session from a group.
func (c *Client) LeaveConsumerGroup(streamID, topicID, groupID identifier.Identifier) error {
	payload := streamID.AppendBinary(nil)
	payload = topicID.AppendBinary(payload)
	payload = groupID.AppendBinary(payload)
	_, err := c.roundTrip(wire.CommandLeaveConsumerGroup, payload)
	return err
}

// GetStats returns the raw stats payload formatted as a string.
func (c *Client) GetStats() (string, error) {
	resp, err := c.roundTrip(wire.CommandGetStats, nil)
	if err != nil {
		return "", err
	}
	if len(resp) < 44 {
		return "", streamerr.ErrEmptyResponse
	}
	return fmt.Sprintf("pid=%d streams=%d topics=%d partitions=%d messages=%d size=%d clients=%d",
		binary.LittleEndian.Uint32(resp[0:4]),
		binary.LittleEndian.Uint32(resp[12:16]),
		binary.LittleEndian.Uint32(resp[16:20]),
		binary.LittleEndian.Uint32(resp[20:24]),
		binary.LittleEndian.Uint64(resp[24:32]),
		binary.LittleEndian.Uint64(resp[32:40]),
		binary.LittleEndian.Uint32(resp[40:44]),
	), nil
}

func appendString8(b []byte, s string) []byte {
	b = append(b, byte(len(s)))
	return append(b, s...)
}
