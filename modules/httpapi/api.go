// Package httpapi is the REST facade: a thin translation layer from HTTP
// verbs to the same System operations the binary protocol drives. Logins
// return an opaque session token carried in the Authorization header.
package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamhouse/streamhouse/pkg/identifier"
	"github.com/streamhouse/streamhouse/pkg/streamerr"
	"github.com/streamhouse/streamhouse/streaming/system"
	"github.com/streamhouse/streamhouse/streaming/topics"
)

// Config configures the HTTP facade.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&c.Enabled, prefix+".enabled", true, "Serve the HTTP API.")
	f.StringVar(&c.ListenAddr, prefix+".listen-addr", "127.0.0.1:8080", "HTTP listen address.")
}

// Server is the HTTP facade, run as a dskit service.
type Server struct {
	services.Service

	cfg    Config
	sys    *system.System
	logger kitlog.Logger
	server *http.Server

	mu       sync.RWMutex
	sessions map[string]*system.Session
}

func New(cfg Config, sys *system.System, logger kitlog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sys:      sys,
		logger:   kitlog.With(logger, "component", "http-api"),
		sessions: make(map[string]*system.Session),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Server) starting(_ context.Context) error { return nil }

func (s *Server) running(ctx context.Context) error {
	router := mux.NewRouter()
	s.registerRoutes(router)

	s.server = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: gzhttp.GzipHandler(router),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()
	level.Info(s.logger).Log("msg", "listening", "addr", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) stopping(_ error) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ping", s.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/users/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/users/logout", s.auth(s.handleLogout)).Methods(http.MethodPost)
	r.HandleFunc("/stats", s.auth(s.handleStats)).Methods(http.MethodGet)

	r.HandleFunc("/streams", s.auth(s.handleGetStreams)).Methods(http.MethodGet)
	r.HandleFunc("/streams", s.auth(s.handleCreateStream)).Methods(http.MethodPost)
	r.HandleFunc("/streams/{stream}", s.auth(s.handleGetStream)).Methods(http.MethodGet)
	r.HandleFunc("/streams/{stream}", s.auth(s.handleDeleteStream)).Methods(http.MethodDelete)

	r.HandleFunc("/streams/{stream}/topics", s.auth(s.handleGetTopics)).Methods(http.MethodGet)
	r.HandleFunc("/streams/{stream}/topics", s.auth(s.handleCreateTopic)).Methods(http.MethodPost)
	r.HandleFunc("/streams/{stream}/topics/{topic}", s.auth(s.handleGetTopic)).Methods(http.MethodGet)
	r.HandleFunc("/streams/{stream}/topics/{topic}", s.auth(s.handleDeleteTopic)).Methods(http.MethodDelete)

	r.HandleFunc("/streams/{stream}/topics/{topic}/messages", s.auth(s.handleSendMessages)).Methods(http.MethodPost)
	r.HandleFunc("/streams/{stream}/topics/{topic}/messages", s.auth(s.handlePollMessages)).Methods(http.MethodGet)

	r.HandleFunc("/streams/{stream}/topics/{topic}/consumer-offsets", s.auth(s.handleStoreOffset)).Methods(http.MethodPut)
	r.HandleFunc("/streams/{stream}/topics/{topic}/consumer-offsets", s.auth(s.handleGetOffset)).Methods(http.MethodGet)

	r.HandleFunc("/streams/{stream}/topics/{topic}/consumer-groups", s.auth(s.handleCreateGroup)).Methods(http.MethodPost)
	r.HandleFunc("/streams/{stream}/topics/{topic}/consumer-groups/{group}", s.auth(s.handleGetGroup)).Methods(http.MethodGet)
	r.HandleFunc("/streams/{stream}/topics/{topic}/consumer-groups/{group}", s.auth(s.handleDeleteGroup)).Methods(http.MethodDelete)
}

type httpError struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch streamerr.CodeOf(err) {
	case streamerr.ErrNotAuthenticated.Code, streamerr.ErrInvalidCredentials.Code:
		status = http.StatusUnauthorized
	case streamerr.ErrUnauthorized.Code:
		status = http.StatusForbidden
	case streamerr.ErrStreamIDNotFound.Code, streamerr.ErrStreamNameNotFound.Code,
		streamerr.ErrTopicIDNotFound.Code, streamerr.ErrTopicNameNotFound.Code,
		streamerr.ErrPartitionNotFound.Code, streamerr.ErrGroupIDNotFound.Code,
		streamerr.ErrGroupNameNotFound.Code, streamerr.ErrUserNotFound.Code:
		status = http.StatusNotFound
	case streamerr.ErrStreamIDAlreadyExists.Code, streamerr.ErrStreamNameAlreadyExists.Code,
		streamerr.ErrTopicIDAlreadyExists.Code, streamerr.ErrTopicNameAlreadyExists.Code,
		streamerr.ErrGroupIDAlreadyExists.Code, streamerr.ErrGroupNameAlreadyExists.Code:
		status = http.StatusConflict
	case streamerr.ErrInternal.Code:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(httpError{Code: streamerr.CodeOf(err), Message: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if v == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Error(s.logger).Log("msg", "encoding response failed", "err", err)
	}
}

// auth resolves the bearer token to a live session.
func (s *Server) auth(next func(http.ResponseWriter, *http.Request, *system.Session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.RLock()
		session, ok := s.sessions[token]
		s.mu.RUnlock()
		if !ok || !session.IsAuthenticated() {
			s.writeError(w, streamerr.ErrNotAuthenticated)
			return
		}
		next(w, r, session)
	}
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, streamerr.ErrInvalidFormat)
		return
	}

	session := s.sys.Clients().Add(r.RemoteAddr, "http")
	user, err := s.sys.Login(session, req.Username, req.Password)
	if err != nil && !streamerr.IsBenign(err) {
		s.sys.DisconnectClient(session.ClientID)
		s.writeError(w, err)
		return
	}

	raw := make([]byte, 24)
	_, _ = rand.Read(raw)
	token := base64.RawURLEncoding.EncodeToString(raw)
	s.mu.Lock()
	s.sessions[token] = session
	s.mu.Unlock()

	s.writeJSON(w, map[string]interface{}{"token": token, "user_id": user.ID})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, session *system.Session) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	s.sys.DisconnectClient(session.ClientID)
	s.writeJSON(w, nil)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ *system.Session) {
	stats := s.sys.GetStats()
	s.writeJSON(w, map[string]interface{}{
		"process_id":       stats.ProcessID,
		"start_time":       stats.StartTime,
		"streams_count":    stats.StreamsCount,
		"topics_count":     stats.TopicsCount,
		"partitions_count": stats.PartitionsCount,
		"messages_count":   stats.MessagesCount,
		"size_bytes":       stats.SizeBytes,
		"clients_count":    stats.ClientsCount,
	})
}

func pathIdent(r *http.Request, name string) (identifier.Identifier, error) {
	return identifier.FromString(mux.Vars(r)[name])
}

func queryUint(r *http.Request, name string, def uint64) uint64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

type streamView struct {
	ID            uint32 `json:"id"`
	Name          string `json:"name"`
	TopicsCount   int    `json:"topics_count"`
	SizeBytes     uint64 `json:"size_bytes"`
	MessagesCount uint64 `json:"messages_count"`
}

type topicView struct {
	ID              uint32 `json:"id"`
	Name            string `json:"name"`
	PartitionsCount uint32 `json:"partitions_count"`
	Compression     string `json:"compression"`
	SizeBytes       uint64 `json:"size_bytes"`
	MessagesCount   uint64 `json:"messages_count"`
}

func viewTopic(t *topics.Topic) topicView {
	return topicView{
		ID:              t.ID,
		Name:            t.Name,
		PartitionsCount: t.PartitionCount(),
		Compression:     t.Compression.String(),
		SizeBytes:       t.SizeBytes(),
		MessagesCount:   t.MessageCount(),
	}
}

func (s *Server) handleGetStreams(w http.ResponseWriter, _ *http.Request, _ *system.Session) {
	all := s.sys.Streams()
	out := make([]streamView, 0, len(all))
	for _, st := range all {
		out = append(out, streamView{ID: st.ID, Name: st.Name, TopicsCount: st.TopicCount(),
			SizeBytes: st.SizeBytes(), MessagesCount: st.MessageCount()})
	}
	s.writeJSON(w, out)
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	var req struct {
		ID   uint32 `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, streamerr.ErrInvalidFormat)
		return
	}
	stream, err := s.sys.CreateStream(req.ID, req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, streamView{ID: stream.ID, Name: stream.Name})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	id, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	stream, err := s.sys.Stream(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, streamView{ID: stream.ID, Name: stream.Name, TopicsCount: stream.TopicCount(),
		SizeBytes: stream.SizeBytes(), MessagesCount: stream.MessageCount()})
}

func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request, _ *system.Session) {
	id, err := pathIdent(r, "stream")
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.sys.DeleteStream(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, nil)
}
