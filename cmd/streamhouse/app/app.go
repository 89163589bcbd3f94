package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"

	"github.com/streamhouse/streamhouse/modules/binaryproto"
	"github.com/streamhouse/streamhouse/modules/httpapi"
	"github.com/streamhouse/streamhouse/modules/quicserver"
	"github.com/streamhouse/streamhouse/modules/tcpserver"
	"github.com/streamhouse/streamhouse/pkg/util/log"
	"github.com/streamhouse/streamhouse/streaming/system"
)

// App is the root datastructure.
type App struct {
	cfg Config

	System     *system.System
	dispatcher *binaryproto.Dispatcher
	tcpServer  *tcpserver.Server
	quicServer *quicserver.Server
	httpServer *httpapi.Server

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
}

// New makes a new app.
func New(cfg Config) (*App, error) {
	a := &App{cfg: cfg}
	if err := a.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}
	return a, nil
}

// Run starts, and blocks until a signal is received.
func (a *App) Run() error {
	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	a.serviceMap = serviceMap

	servs := []services.Service(nil)
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to create service manager: %w", err)
	}

	healthy := func() { level.Info(log.Logger).Log("msg", "streamhouse started") }
	stopped := func() { level.Info(log.Logger).Log("msg", "streamhouse stopped") }
	serviceFailed := func(service services.Service) {
		// if any service fails, stop everything
		sm.StopAsync()
		for m, s := range serviceMap {
			if s == service {
				err := service.FailureCase()
				if errors.Is(err, modules.ErrStopProcess) {
					level.Info(log.Logger).Log("msg", "received stop signal via return error", "module", m, "err", err)
				} else if errors.Is(err, context.Canceled) {
					return
				} else if err != nil {
					level.Error(log.Logger).Log("msg", "module failed", "module", m, "err", err)
				}
				return
			}
		}
		level.Error(log.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	// stop the manager on SIGINT/SIGTERM, which stops all the services
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signalCh
		level.Info(log.Logger).Log("msg", "received signal, shutting down", "signal", sig)
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}
	return sm.AwaitStopped(context.Background())
}
