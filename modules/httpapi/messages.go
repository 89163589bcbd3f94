package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/streamhouse/streamhouse/pkg/messages"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/system"
	"github.com/streamhouse/streamhouse/streaming/topics"
)

func (s *Server) handleGetTopics(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	streamID, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	stream, err := s.sys.Stream(streamID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	all := stream.Topics()
	out := make([]topicView, 0, len(all))
	for _, t := range all {
		out = append(out, viewTopic(t))
	}
	s.writeJSON(w, out)
}

func (s *Server) handleCreateTopic(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	streamID, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ID              uint32 `json:"id"`
		Name            string `json:"name"`
		PartitionsCount uint32 `json:"partitions_count"`
		Compression     string `json:"compression"`
		MessageExpiry   string `json:"message_expiry"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, streamerr.ErrInvalidFormat)
		return
	}
	compression, err := topics.CompressionFromString(req.Compression)
	if err != nil {
		s.writeError(w, err)
		return
	}
	expiry := topics.ServerDefaultExpiry()
	if req.MessageExpiry != "" {
		if req.MessageExpiry == "never" {
			expiry = topics.NeverExpire()
		} else {
			d, err := time.ParseDuration(req.MessageExpiry)
			if err != nil {
				s.writeError(w, streamerr.ErrInvalidExpiry)
				return
			}
			expiry = topics.ExpireAfter(d)
		}
	}

	stream, err := s.sys.Stream(streamID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	topic, err := stream.CreateTopic(req.ID, req.Name, req.PartitionsCount,
		compression, expiry, topics.ServerDefaultSize(), 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, viewTopic(topic))
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	topic, err := s.topicFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, viewTopic(topic))
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	streamID, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topicID, err := pathIdent(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	stream, err := s.sys.Stream(streamID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := stream.DeleteTopic(r.Context(), topicID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, nil)
}

func (s *Server) topicFromPath(r *http.Request) (*topics.Topic, error) {
	streamID, err := pathIdent(r, "stream")
	if err != nil {
		return nil, err
	}
	topicID, err := pathIdent(r, "topic")
	if err != nil {
		return nil, err
	}
	return s.sys.Topic(streamID, topicID)
}

type messageView struct {
	ID        string            `json:"id"`
	Offset    uint64            `json:"offset"`
	Timestamp uint64            `json:"timestamp"`
	Checksum  uint32            `json:"checksum"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   string            `json:"payload"`
}

func viewMessage(m *messages.Message) messageView {
	v := messageView{
		ID:        m.ID.String(),
		Offset:    m.Offset,
		Timestamp: m.Timestamp,
		Checksum:  m.Checksum,
		Payload:   base64.StdEncoding.EncodeToString(m.Payload),
	}
	if len(m.Headers) > 0 {
		v.Headers = make(map[string]string, len(m.Headers))
		for k, hv := range m.Headers {
			v.Headers[k] = hv.String()
		}
	}
	return v
}

func (s *Server) handleSendMessages(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	streamID, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topicID, err := pathIdent(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		PartitionID uint32 `json:"partition_id"`
		MessageKey  string `json:"message_key"`
		Messages    []struct {
			Payload string            `json:"payload"`
			Headers map[string]string `json:"headers"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
		s.writeError(w, streamerr.ErrInvalidMessagePayload)
		return
	}

	partitioning := messages.Balanced()
	if req.PartitionID != 0 {
		partitioning = messages.ByPartitionID(req.PartitionID)
	} else if req.MessageKey != "" {
		partitioning = messages.ByMessageKey([]byte(req.MessageKey))
	}

	msgs := make([]*messages.Message, 0, len(req.Messages))
	for _, in := range req.Messages {
		payload, err := base64.StdEncoding.DecodeString(in.Payload)
		if err != nil {
			s.writeError(w, streamerr.ErrInvalidMessagePayload)
			return
		}
		m := &messages.Message{Payload: payload}
		if len(in.Headers) > 0 {
			m.Headers = messages.Headers{}
			for k, v := range in.Headers {
				m.Headers[k] = messages.StringValue(v)
			}
		}
		msgs = append(msgs, m)
	}

	partitionID, err := s.sys.SendMessages(r.Context(), streamID, topicID, partitioning, msgs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]uint32{"partition_id": partitionID})
}

func (s *Server) handlePollMessages(w http.ResponseWriter, r *http.Request, session *system.Session) {
	streamID, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topicID, err := pathIdent(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}

	consumer := messages.NewConsumer(uint32(queryUint(r, "consumer_id", 1)))
	partitionID := uint32(queryUint(r, "partition_id", 1))
	count := uint32(queryUint(r, "count", 10))
	autoCommit := r.URL.Query().Get("auto_commit") == "true"

	strategy := messages.NextStrategy()
	switch r.URL.Query().Get("strategy") {
	case "", "next":
	case "first":
		strategy = messages.FirstStrategy()
	case "last":
		strategy = messages.LastStrategy()
	case "offset":
		strategy = messages.OffsetStrategy(queryUint(r, "value", 0))
	case "timestamp":
		strategy = messages.TimestampStrategy(queryUint(r, "value", 0))
	default:
		s.writeError(w, streamerr.ErrInvalidPollingKind)
		return
	}

	polled, err := s.sys.PollMessages(r.Context(), session, streamID, topicID,
		consumer, partitionID, strategy, count, autoCommit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]messageView, 0, len(polled.Messages))
	for _, m := range polled.Messages {
		out = append(out, viewMessage(m))
	}
	s.writeJSON(w, map[string]interface{}{"partition_id": polled.PartitionID, "messages": out})
}

func (s *Server) handleStoreOffset(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	streamID, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topicID, err := pathIdent(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ConsumerID  uint32 `json:"consumer_id"`
		PartitionID uint32 `json:"partition_id"`
		Offset      uint64 `json:"offset"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, streamerr.ErrInvalidFormat)
		return
	}
	err = s.sys.StoreConsumerOffset(streamID, topicID,
		messages.NewConsumer(req.ConsumerID), req.PartitionID, req.Offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, nil)
}

func (s *Server) handleGetOffset(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	streamID, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	topicID, err := pathIdent(r, "topic")
	if err != nil {
		s.writeError(w, err)
		return
	}
	consumer := messages.NewConsumer(uint32(queryUint(r, "consumer_id", 1)))
	partitionID := uint32(queryUint(r, "partition_id", 1))

	offset, ok, err := s.sys.GetConsumerOffset(streamID, topicID, consumer, partitionID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"partition_id": partitionID, "stored": ok, "offset": offset})
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	topic, err := s.topicFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ID   uint32 `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, streamerr.ErrInvalidFormat)
		return
	}
	group, err := topic.CreateConsumerGroup(req.ID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"id": group.ID, "name": group.Name})
}

func (s *Server) handleGetGroup(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	topic, err := s.topicFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	groupID, err := pathIdent(r, "group")
	if err != nil {
		s.writeError(w, err)
		return
	}
	group, err := topic.ConsumerGroup(groupID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"id":         group.ID,
		"name":       group.Name,
		"members":    group.Members(),
		"assignment": group.Assignment(),
	})
}

func (s *Server) handleDeleteGroup(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	topic, err := s.topicFromPath(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	groupID, err := pathIdent(r, "group")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := topic.DeleteConsumerGroup(groupID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, nil)
}
