package app

import (
	"context"
	"fmt"
	"time"

	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"

	"github.com/streamhouse/streamhouse/modules/binaryproto"
	"github.com/streamhouse/streamhouse/modules/httpapi"
	"github.com/streamhouse/streamhouse/modules/quicserver"
	"github.com/streamhouse/streamhouse/modules/tcpserver"
	"github.com/streamhouse/streamhouse/pkg/util/log"
	"github.com/streamhouse/streamhouse/streaming/system"
)

// The modules that make up the broker.
const (
	System     string = "system"
	Retention  string = "retention"
	TCPServer  string = "tcp-server"
	QUICServer string = "quic-server"
	HTTPServer string = "http-server"

	All string = "all"
)

func (a *App) initSystem() (services.Service, error) {
	sys, err := system.New(a.cfg.System, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load system: %w", err)
	}
	a.System = sys
	a.dispatcher = binaryproto.NewDispatcher(sys, log.Logger)

	// the system itself is not a loop; wrap shutdown into an idle service
	// so its flush runs during the manager's stop sequence.
	timeout := 2 * a.cfg.System.Partition.Segment.Writer.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return services.NewIdleService(nil, func(_ error) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return a.System.Shutdown(ctx)
	}), nil
}

func (a *App) initRetention() (services.Service, error) {
	return a.System.NewRetentionService(), nil
}

func (a *App) initTCPServer() (services.Service, error) {
	if !a.cfg.TCP.Enabled {
		return nil, nil
	}
	a.tcpServer = tcpserver.New(a.cfg.TCP, a.System, a.dispatcher, log.Logger)
	return a.tcpServer, nil
}

func (a *App) initQUICServer() (services.Service, error) {
	if !a.cfg.QUIC.Enabled {
		return nil, nil
	}
	a.quicServer = quicserver.New(a.cfg.QUIC, a.System, a.dispatcher, log.Logger)
	return a.quicServer, nil
}

func (a *App) initHTTPServer() (services.Service, error) {
	if !a.cfg.HTTP.Enabled {
		return nil, nil
	}
	a.httpServer = httpapi.New(a.cfg.HTTP, a.System, log.Logger)
	return a.httpServer, nil
}

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(log.Logger)

	mm.RegisterModule(System, a.initSystem, modules.UserInvisibleModule)
	mm.RegisterModule(Retention, a.initRetention, modules.UserInvisibleModule)
	mm.RegisterModule(TCPServer, a.initTCPServer)
	mm.RegisterModule(QUICServer, a.initQUICServer)
	mm.RegisterModule(HTTPServer, a.initHTTPServer)
	mm.RegisterModule(All, nil)

	deps := map[string][]string{
		Retention:  {System},
		TCPServer:  {System},
		QUICServer: {System},
		HTTPServer: {System},
		All:        {Retention, TCPServer, QUICServer, HTTPServer},
	}
	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm
	return nil
}
