package binaryproto

import (
	"context"
	"encoding/binary"

	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/system"
	"github.com/streamhouse/streamhouse/streaming/topics"
)

// handleSendMessages: stream ident, topic ident, partitioning, count u32,
// then count encoded messages. Server-assigned fields (offset, timestamp,
// checksum) are overwritten on append; a zero id requests assignment.
func (d *Dispatcher) handleSendMessages(ctx context.Context, payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	partitioning := r.partitioning()
	count := r.u32()
	if r.err != nil {
		return nil, r.err
	}

	rest := r.remaining()
	msgs := make([]*messages.Message, 0, count)
	for i := uint32(0); i < count; i++ {
		m, remaining, err := messages.DecodeMessage(rest)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
		rest = remaining
	}
	if len(rest) != 0 {
		return nil, streamerr.ErrInvalidFormat
	}
	if len(msgs) == 0 {
		return nil, streamerr.ErrInvalidMessagePayload
	}

	partitionID, err := d.sys.SendMessages(ctx, streamID, topicID, partitioning, msgs)
	if err != nil {
		return nil, err
	}
	return binary.LittleEndian.AppendUint32(nil, partitionID), nil
}

// handlePollMessages: consumer, stream ident, topic ident, partition u32,
// strategy, count u32, auto-commit u8. The response is partition id,
// message count and the encoded messages.
func (d *Dispatcher) handlePollMessages(ctx context.Context, session *system.Session, payload []byte) ([]byte, error) {
	r := newReader(payload)
	consumer := r.consumer()
	streamID := r.ident()
	topicID := r.ident()
	partitionID := r.u32()
	strategy := r.strategy()
	count := r.u32()
	autoCommit := r.u8() == 1
	if r.err != nil {
		return nil, r.err
	}

	polled, err := d.sys.PollMessages(ctx, session, streamID, topicID, consumer, partitionID, strategy, count, autoCommit)
	if err != nil {
		return nil, err
	}

	b := binary.LittleEndian.AppendUint32(nil, polled.PartitionID)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(polled.Messages)))
	for _, m := range polled.Messages {
		b = m.AppendBinary(b)
	}
	return b, nil
}

// handleStoreConsumerOffset: consumer, stream ident, topic ident,
// partition u32, offset u64.
func (d *Dispatcher) handleStoreConsumerOffset(payload []byte) ([]byte, error) {
	r := newReader(payload)
	consumer := r.consumer()
	streamID := r.ident()
	topicID := r.ident()
	partitionID := r.u32()
	offset := r.u64()
	if r.err != nil {
		return nil, r.err
	}
	return nil, d.sys.StoreConsumerOffset(streamID, topicID, consumer, partitionID, offset)
}

// handleGetConsumerOffset returns partition id, a presence flag and the
// stored offset.
func (d *Dispatcher) handleGetConsumerOffset(payload []byte) ([]byte, error) {
	r := newReader(payload)
	consumer := r.consumer()
	streamID := r.ident()
	topicID := r.ident()
	partitionID := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	offset, ok, err := d.sys.GetConsumerOffset(streamID, topicID, consumer, partitionID)
	if err != nil {
		return nil, err
	}
	b := binary.LittleEndian.AppendUint32(nil, partitionID)
	present := byte(0)
	if ok {
		present = 1
	}
	b = append(b, present)
	b = binary.LittleEndian.AppendUint64(b, offset)
	return b, nil
}

func appendGroup(b []byte, g *topics.ConsumerGroup) []byte {
	members := g.Members()
	b = binary.LittleEndian.AppendUint32(b, g.ID)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(members)))
	for _, m := range members {
		b = binary.LittleEndian.AppendUint32(b, m)
	}
	assignment := g.Assignment()
	b = binary.LittleEndian.AppendUint32(b, uint32(len(assignment)))
	for partition, member := range assignment {
		b = binary.LittleEndian.AppendUint32(b, partition)
		b = binary.LittleEndian.AppendUint32(b, member)
	}
	b = appendString8(b, g.Name)
	return b
}

func (d *Dispatcher) handleCreateConsumerGroup(payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	groupID := r.u32()
	name := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	topic, err := d.sys.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	group, err := topic.CreateConsumerGroup(groupID, name)
	if err != nil {
		return nil, err
	}
	return appendGroup(nil, group), nil
}

func (d *Dispatcher) handleGetConsumerGroup(payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	groupID := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	topic, err := d.sys.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	group, err := topic.ConsumerGroup(groupID)
	if err != nil {
		return nil, err
	}
	return appendGroup(nil, group), nil
}

func (d *Dispatcher) handleGetConsumerGroups(payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	topic, err := d.sys.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	groups := topic.ConsumerGroups()
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(groups)))
	for _, g := range groups {
		b = appendGroup(b, g)
	}
	return b, nil
}

func (d *Dispatcher) handleDeleteConsumerGroup(payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	groupID := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	topic, err := d.sys.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	_, err = topic.DeleteConsumerGroup(groupID)
	return nil, err
}

func (d *Dispatcher) handleJoinConsumerGroup(session *system.Session, payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	groupID := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	topic, err := d.sys.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return nil, topic.JoinConsumerGroup(groupID, session.ClientID)
}

func (d *Dispatcher) handleLeaveConsumerGroup(session *system.Session, payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	groupID := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	topic, err := d.sys.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return nil, topic.LeaveConsumerGroup(groupID, session.ClientID)
}
