// Package tcpserver exposes the binary protocol over plain TCP. Each
// connection gets a session in the client registry; frames are decoded and
// handed to the shared dispatcher.
package tcpserver

import (
	"context"
	"errors"
	"flag"
	"io"
	"net"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/streamhouse/streamhouse/modules/binaryproto"
	"github.com/streamhouse/streamhouse/pkg/wire"
	"github.com/streamhouse/streamhouse/streaming/system"
)

var metricOpenConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "streamhouse",
	Name:      "open_connections",
	Help:      "Open client connections by transport.",
}, []string{"transport"})

// Config configures the TCP listener.
type Config struct {
	Enabled      bool   `yaml:"enabled"`
	ListenAddr   string `yaml:"listen_addr"`
	MaxFrameSize uint32 `yaml:"max_frame_size"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&c.Enabled, prefix+".enabled", true, "Serve the binary protocol over TCP.")
	f.StringVar(&c.ListenAddr, prefix+".listen-addr", "127.0.0.1:8090", "TCP listen address.")
	c.MaxFrameSize = wire.DefaultMaxFrameSize
}

// Server is the TCP front of the broker, run as a dskit service.
type Server struct {
	services.Service

	cfg        Config
	sys        *system.System
	dispatcher *binaryproto.Dispatcher
	logger     kitlog.Logger
	listener   net.Listener
}

func New(cfg Config, sys *system.System, dispatcher *binaryproto.Dispatcher, logger kitlog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		sys:        sys,
		dispatcher: dispatcher,
		logger:     kitlog.With(logger, "component", "tcp-server"),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Server) starting(_ context.Context) error {
	if s.cfg.MaxFrameSize == 0 {
		s.cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = listener
	level.Info(s.logger).Log("msg", "listening", "addr", listener.Addr())
	return nil
}

func (s *Server) running(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			level.Warn(s.logger).Log("msg", "accept failed", "err", err)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) stopping(_ error) error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Addr returns the bound listen address, for tests that bind port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	session := s.sys.Clients().Add(conn.RemoteAddr().String(), "tcp")
	metricOpenConnections.WithLabelValues("tcp").Inc()
	level.Debug(s.logger).Log("msg", "client connected", "client", session.ClientID, "addr", conn.RemoteAddr())

	defer func() {
		_ = conn.Close()
		s.sys.DisconnectClient(session.ClientID)
		metricOpenConnections.WithLabelValues("tcp").Dec()
		level.Debug(s.logger).Log("msg", "client disconnected", "client", session.ClientID)
	}()

	for {
		req, err := wire.ReadRequest(conn, s.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				level.Debug(s.logger).Log("msg", "reading request failed", "client", session.ClientID, "err", err)
			}
			return
		}

		// The handler runs to completion even if the client goes away; a
		// partial append stays durable.
		payload, herr := s.dispatcher.Handle(ctx, session, req)
		if err := wire.WriteResponse(conn, herr, payload); err != nil {
			level.Debug(s.logger).Log("msg", "writing response failed", "client", session.ClientID, "err", err)
			return
		}
	}
}
