// Package quicserver exposes the binary protocol over QUIC. One
// bidirectional stream carries one request/response exchange; the
// connection maps to a session exactly like a TCP connection does.
package quicserver

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"flag"
	"math/big"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/quic-go/quic-go"

	"github.com/streamhouse/streamhouse/modules/binaryproto"
	"github.com/streamhouse/streamhouse/pkg/wire"
	"github.com/streamhouse/streamhouse/streaming/system"
)

const alpnProtocol = "streamhouse"

// Config configures the QUIC listener.
type Config struct {
	Enabled      bool   `yaml:"enabled"`
	ListenAddr   string `yaml:"listen_addr"`
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	MaxFrameSize uint32 `yaml:"max_frame_size"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.BoolVar(&c.Enabled, prefix+".enabled", false, "Serve the binary protocol over QUIC.")
	f.StringVar(&c.ListenAddr, prefix+".listen-addr", "127.0.0.1:8091", "QUIC listen address.")
	f.StringVar(&c.CertFile, prefix+".cert-file", "", "TLS certificate; a self-signed one is generated when empty.")
	f.StringVar(&c.KeyFile, prefix+".key-file", "", "TLS key; a self-signed one is generated when empty.")
	c.MaxFrameSize = wire.DefaultMaxFrameSize
}

// Server is the QUIC front of the broker, run as a dskit service.
type Server struct {
	services.Service

	cfg        Config
	sys        *system.System
	dispatcher *binaryproto.Dispatcher
	logger     kitlog.Logger
	listener   *quic.Listener
}

func New(cfg Config, sys *system.System, dispatcher *binaryproto.Dispatcher, logger kitlog.Logger) *Server {
	s := &Server{
		cfg:        cfg,
		sys:        sys,
		dispatcher: dispatcher,
		logger:     kitlog.With(logger, "component", "quic-server"),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Server) starting(_ context.Context) error {
	if s.cfg.MaxFrameSize == 0 {
		s.cfg.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	tlsConf, err := s.tlsConfig()
	if err != nil {
		return err
	}
	listener, err := quic.ListenAddr(s.cfg.ListenAddr, tlsConf, nil)
	if err != nil {
		return err
	}
	s.listener = listener
	level.Info(s.logger).Log("msg", "listening", "addr", listener.Addr())
	return nil
}

func (s *Server) running(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
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

func (s *Server) handleConn(ctx context.Context, conn quic.Connection) {
	session := s.sys.Clients().Add(conn.RemoteAddr().String(), "quic")
	defer s.sys.DisconnectClient(session.ClientID)

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.handleStream(ctx, session, stream)
	}
}

func (s *Server) handleStream(ctx context.Context, session *system.Session, stream quic.Stream) {
	defer stream.Close()

	req, err := wire.ReadRequest(stream, s.cfg.MaxFrameSize)
	if err != nil {
		level.Debug(s.logger).Log("msg", "reading request failed", "client", session.ClientID, "err", err)
		return
	}
	payload, herr := s.dispatcher.Handle(ctx, session, req)
	if err := wire.WriteResponse(stream, herr, payload); err != nil {
		level.Debug(s.logger).Log("msg", "writing response failed", "client", session.ClientID, "err", err)
	}
}

func (s *Server) tlsConfig() (*tls.Config, error) {
	if s.cfg.CertFile != "" && s.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpnProtocol}}, nil
	}

	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpnProtocol}}, nil
}

// selfSignedCert generates a throwaway certificate so QUIC can start
// without any provisioning.
func selfSignedCert() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "streamhouse"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
