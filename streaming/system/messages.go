package system

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/partitions"
)

var (
	metricSentMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "sent_messages_total",
		Help:      "Messages accepted by send requests.",
	})
	metricPolledMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "streamhouse",
		Name:      "polled_messages_total",
		Help:      "Messages returned by poll requests.",
	})
)

// PolledMessages is the result of one poll: the partition that served it
// and the messages in offset order.
type PolledMessages struct {
	PartitionID uint32
	Messages    []*messages.Message
}

// SendMessages routes a batch to a partition of the topic and appends it.
func (s *System) SendMessages(ctx context.Context, streamID, topicID identifier.Identifier,
	partitioning messages.Partitioning, msgs []*messages.Message,
) (uint32, error) {
	topic, err := s.Topic(streamID, topicID)
	if err != nil {
		return 0, err
	}
	partitionID, err := topic.AppendMessages(ctx, partitioning, msgs)
	if err != nil {
		return 0, err
	}
	metricSentMessages.Add(float64(len(msgs)))
	return partitionID, nil
}

// PollMessages reads messages for a consumer or a consumer-group member.
// For group consumers the member's assignment selects the partition;
// standalone consumers address the partition directly. With autoCommit the
// consumer offset advances to the last polled message.
func (s *System) PollMessages(ctx context.Context, session *Session,
	streamID, topicID identifier.Identifier, consumer messages.Consumer,
	partitionID uint32, strategy messages.PollingStrategy, count uint32, autoCommit bool,
) (*PolledMessages, error) {
	topic, err := s.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	consumerID, err := resolveConsumerID(consumer.ID)
	if err != nil {
		return nil, err
	}

	var candidates []uint32
	switch consumer.Kind {
	case messages.ConsumerSingle:
		if partitionID == 0 {
			return nil, streamerr.ErrPartitionNotFound
		}
		candidates = []uint32{partitionID}
	case messages.ConsumerGroup:
		group, err := topic.ConsumerGroup(consumer.ID)
		if err != nil {
			return nil, err
		}
		consumerID = group.ID
		assigned, err := group.PartitionsFor(session.ClientID)
		if err != nil {
			return nil, err
		}
		if partitionID != 0 {
			owned := false
			for _, p := range assigned {
				if p == partitionID {
					owned = true
					break
				}
			}
			if !owned {
				return nil, streamerr.ErrNoAssignment
			}
			candidates = []uint32{partitionID}
		} else {
			candidates = assigned
		}
	default:
		return nil, streamerr.ErrInvalidFormat
	}

	for _, pid := range candidates {
		partition, err := topic.Partition(pid)
		if err != nil {
			return nil, err
		}
		msgs, err := pollPartition(partition, consumer.Kind, consumerID, strategy, count)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}
		if autoCommit {
			last := msgs[len(msgs)-1].Offset
			if err := partition.StoreOffset(consumer.Kind, consumerID, last); err != nil {
				return nil, err
			}
		}
		metricPolledMessages.Add(float64(len(msgs)))
		return &PolledMessages{PartitionID: pid, Messages: msgs}, nil
	}
	if len(candidates) > 0 {
		return &PolledMessages{PartitionID: candidates[0]}, nil
	}
	return &PolledMessages{}, nil
}

func pollPartition(p *partitions.Partition, kind messages.ConsumerKind, consumerID uint32,
	strategy messages.PollingStrategy, count uint32,
) ([]*messages.Message, error) {
	switch strategy.Kind {
	case messages.PollOffset:
		return p.GetMessagesByOffset(strategy.Value, count)
	case messages.PollTimestamp:
		return p.GetMessagesByTimestamp(strategy.Value, count)
	case messages.PollFirst:
		return p.GetFirstMessages(count)
	case messages.PollLast:
		return p.GetLastMessages(count)
	case messages.PollNext:
		return p.GetNextMessages(kind, consumerID, count)
	}
	return nil, streamerr.ErrInvalidPollingKind
}

// StoreConsumerOffset durably records an offset for a consumer or group.
func (s *System) StoreConsumerOffset(streamID, topicID identifier.Identifier,
	consumer messages.Consumer, partitionID uint32, offset uint64,
) error {
	partition, err := s.Partition(streamID, topicID, partitionID)
	if err != nil {
		return err
	}
	consumerID, err := resolveConsumerID(consumer.ID)
	if err != nil {
		return err
	}
	return partition.StoreOffset(consumer.Kind, consumerID, offset)
}

// GetConsumerOffset reads the stored offset for a consumer or group.
func (s *System) GetConsumerOffset(streamID, topicID identifier.Identifier,
	consumer messages.Consumer, partitionID uint32,
) (uint64, bool, error) {
	partition, err := s.Partition(streamID, topicID, partitionID)
	if err != nil {
		return 0, false, err
	}
	consumerID, err := resolveConsumerID(consumer.ID)
	if err != nil {
		return 0, false, err
	}
	offset, ok := partition.GetOffset(consumer.Kind, consumerID)
	return offset, ok, nil
}

// resolveConsumerID maps an identifier to the numeric consumer id used in
// offset files: numeric ids pass through, names hash down to a stable u32.
func resolveConsumerID(id identifier.Identifier) (uint32, error) {
	switch id.Kind {
	case identifier.Numeric:
		return id.ID()
	case identifier.Named:
		name, err := id.Name()
		if err != nil {
			return 0, err
		}
		return uint32(xxhash.Sum64String(name)), nil
	}
	return 0, streamerr.ErrInvalidIdentifier
}
