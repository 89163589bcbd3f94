package binaryproto

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/streamhouse/streamhouse/streaming/streams"
	"github.com/streamhouse/streamhouse/streaming/topics"
)

func appendStream(b []byte, s *streams.Stream) []byte {
	b = binary.LittleEndian.AppendUint32(b, s.ID)
	b = binary.LittleEndian.AppendUint64(b, uint64(s.CreatedAt().UnixMicro()))
	b = binary.LittleEndian.AppendUint32(b, uint32(s.TopicCount()))
	b = binary.LittleEndian.AppendUint64(b, s.SizeBytes())
	b = binary.LittleEndian.AppendUint64(b, s.MessageCount())
	b = appendString8(b, s.Name)
	return b
}

func appendTopic(b []byte, t *topics.Topic) []byte {
	b = binary.LittleEndian.AppendUint32(b, t.ID)
	b = binary.LittleEndian.AppendUint64(b, uint64(t.CreatedAt().UnixMicro()))
	b = binary.LittleEndian.AppendUint32(b, t.PartitionCount())
	b = append(b, byte(t.Compression))
	b = append(b, byte(t.MessageExpiry.Kind))
	b = binary.LittleEndian.AppendUint64(b, uint64(t.MessageExpiry.Duration))
	b = append(b, byte(t.MaxSize.Kind))
	b = binary.LittleEndian.AppendUint64(b, t.MaxSize.Bytes)
	b = append(b, t.ReplicationFactor)
	b = binary.LittleEndian.AppendUint64(b, t.SizeBytes())
	b = binary.LittleEndian.AppendUint64(b, t.MessageCount())
	b = appendString8(b, t.Name)
	return b
}

func (d *Dispatcher) handleCreateStream(payload []byte) ([]byte, error) {
	r := newReader(payload)
	id := r.u32()
	name := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	stream, err := d.sys.CreateStream(id, name)
	if err != nil {
		return nil, err
	}
	return appendStream(nil, stream), nil
}

func (d *Dispatcher) handleGetStream(payload []byte) ([]byte, error) {
	r := newReader(payload)
	id := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	stream, err := d.sys.Stream(id)
	if err != nil {
		return nil, err
	}
	return appendStream(nil, stream), nil
}

func (d *Dispatcher) handleGetStreams() ([]byte, error) {
	all := d.sys.Streams()
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(all)))
	for _, s := range all {
		b = appendStream(b, s)
	}
	return b, nil
}

func (d *Dispatcher) handleUpdateStream(payload []byte) ([]byte, error) {
	r := newReader(payload)
	id := r.ident()
	name := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	stream, err := d.sys.UpdateStream(id, name)
	if err != nil {
		return nil, err
	}
	return appendStream(nil, stream), nil
}

func (d *Dispatcher) handleDeleteStream(ctx context.Context, payload []byte) ([]byte, error) {
	r := newReader(payload)
	id := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	_, err := d.sys.DeleteStream(ctx, id)
	return nil, err
}

func (d *Dispatcher) handlePurgeStream(ctx context.Context, payload []byte) ([]byte, error) {
	r := newReader(payload)
	id := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	return nil, d.sys.PurgeStream(ctx, id)
}

// decodeTopicSettings reads the shared settings block of create/update
// topic requests.
func decodeTopicSettings(r *reader) (topics.CompressionAlgorithm, topics.ExpiryPolicy, topics.SizePolicy, uint8) {
	compression := topics.CompressionAlgorithm(r.u8())
	expiry := topics.ExpiryPolicy{Kind: topics.ExpiryKind(r.u8()), Duration: time.Duration(r.u64())}
	maxSize := topics.SizePolicy{Kind: topics.SizeKind(r.u8()), Bytes: r.u64()}
	replication := r.u8()
	return compression, expiry, maxSize, replication
}

func (d *Dispatcher) handleCreateTopic(payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.u32()
	partitionsCount := r.u32()
	compression, expiry, maxSize, replication := decodeTopicSettings(r)
	name := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	stream, err := d.sys.Stream(streamID)
	if err != nil {
		return nil, err
	}
	topic, err := stream.CreateTopic(topicID, name, partitionsCount, compression, expiry, maxSize, replication)
	if err != nil {
		return nil, err
	}
	return appendTopic(nil, topic), nil
}

func (d *Dispatcher) handleGetTopic(payload []byte) ([]byte, error) {
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
	return appendTopic(nil, topic), nil
}

func (d *Dispatcher) handleGetTopics(payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	stream, err := d.sys.Stream(streamID)
	if err != nil {
		return nil, err
	}
	all := stream.Topics()
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(all)))
	for _, t := range all {
		b = appendTopic(b, t)
	}
	return b, nil
}

func (d *Dispatcher) handleUpdateTopic(payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	compression, expiry, maxSize, replication := decodeTopicSettings(r)
	name := r.string8()
	if r.err != nil {
		return nil, r.err
	}
	stream, err := d.sys.Stream(streamID)
	if err != nil {
		return nil, err
	}
	topic, err := stream.UpdateTopic(topicID, name, compression, expiry, maxSize, replication)
	if err != nil {
		return nil, err
	}
	return appendTopic(nil, topic), nil
}

func (d *Dispatcher) handleDeleteTopic(ctx context.Context, payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	if r.err != nil {
		return nil, r.err
	}
	stream, err := d.sys.Stream(streamID)
	if err != nil {
		return nil, err
	}
	_, err = stream.DeleteTopic(ctx, topicID)
	return nil, err
}

func (d *Dispatcher) handlePurgeTopic(ctx context.Context, payload []byte) ([]byte, error) {
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
	return nil, topic.Purge(ctx)
}

func (d *Dispatcher) handleCreatePartitions(payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	count := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	topic, err := d.sys.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return nil, topic.AddPartitions(count)
}

func (d *Dispatcher) handleDeletePartitions(ctx context.Context, payload []byte) ([]byte, error) {
	r := newReader(payload)
	streamID := r.ident()
	topicID := r.ident()
	count := r.u32()
	if r.err != nil {
		return nil, r.err
	}
	topic, err := d.sys.Topic(streamID, topicID)
	if err != nil {
		return nil, err
	}
	return nil, topic.RemovePartitions(ctx, count)
}
