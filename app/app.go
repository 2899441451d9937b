package app

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/searchktools/hello-server/admin"
	"github.com/searchktools/hello-server/config"
	"github.com/searchktools/hello-server/core"
	"github.com/searchktools/hello-server/core/observability"
	"github.com/searchktools/hello-server/core/router"
	"github.com/searchktools/hello-server/core/stdhttp"
	"github.com/searchktools/hello-server/listener"
	"github.com/searchktools/hello-server/prefork"
)

// App wires the configuration to a supervisor or a single worker
type App struct {
	cfg    *config.Config
	router *router.Router
	sup    atomic.Pointer[prefork.Supervisor]

	// OnListen, if set, is called with the bound address before any worker
	// is spawned
	OnListen func(addr *net.TCPAddr)

	// Worker process command line for process mode; the default re-executes
	// the current binary's "worker" command
	WorkerPath string
	WorkerArgs []string
}

// New creates an application instance
func New(cfg *config.Config) *App {
	return &App{
		cfg:        cfg,
		router:     router.New(),
		WorkerArgs: []string{"worker"},
	}
}

// Config returns the resolved configuration
func (a *App) Config() *config.Config {
	return a.cfg
}

// Workers returns the running pool's worker records, nil before
// RunSupervisor has started it
func (a *App) Workers() []prefork.WorkerRecord {
	if sup := a.sup.Load(); sup != nil {
		return sup.Workers()
	}
	return nil
}

// RunSupervisor binds the listen socket once, writes the pid file and keeps
// the worker pool running until ctx is done. A bind failure returns a
// *listener.BindError before any worker is spawned.
func (a *App) RunSupervisor(ctx context.Context) error {
	cfg := a.cfg

	sock, err := listener.Listen(ctx, cfg.Host, cfg.Port)
	if err != nil {
		return err
	}
	defer sock.Close()

	if a.OnListen != nil {
		a.OnListen(sock.Addr())
	}

	pid := os.Getpid()
	if cfg.PIDFile != "" {
		if err := writePidFile(cfg.PIDFile, pid); err != nil {
			return err
		}
		defer removePidFile(cfg.PIDFile, pid)
	}

	log.Printf("Master %d is running on port %d", pid, sock.Port())
	log.Printf("🚀 %d %s workers, %s transport, listening on %s",
		cfg.EffectiveWorkers(), cfg.Mode, cfg.Transport, sock.Addr())

	metrics := observability.NewMetrics(observability.WithConstLabels(prometheus.Labels{
		"mode":      string(cfg.Mode),
		"transport": string(cfg.Transport),
	}))

	spawner, err := a.spawner(sock, metrics)
	if err != nil {
		return err
	}

	opts := prefork.OptionsFromConfig(cfg)
	opts.Recorder = metrics
	opts.Sampler = prefork.NewProcessSampler()
	sup := prefork.NewSupervisor(spawner, opts)
	a.sup.Store(sup)

	if cfg.AdminAddr != "" {
		srv, err := admin.Listen(cfg.AdminAddr, admin.NewRouter(pid, sup, metrics.Gatherer()))
		if err != nil {
			return err
		}
		adminCtx, cancel := context.WithCancel(ctx)
		adminDone := make(chan struct{})
		go func() {
			defer close(adminDone)
			if err := srv.Serve(adminCtx); err != nil {
				log.Printf("[admin] %v", err)
			}
		}()
		defer func() {
			cancel()
			<-adminDone
		}()
	}

	err = sup.Run(ctx)
	if err == nil {
		log.Printf("👋 Master %d stopped", pid)
	}
	return err
}

func (a *App) spawner(sock *listener.Socket, metrics *observability.Metrics) (prefork.Spawner, error) {
	cfg := a.cfg
	switch cfg.Mode {
	case config.ModeThread:
		return &prefork.ThreadSpawner{
			Socket:    sock,
			Transport: a.TransportFactory(metrics),
			GCPercent: cfg.GCPercent,
		}, nil

	case config.ModeProcess:
		encoded, err := cfg.Encode()
		if err != nil {
			return nil, err
		}
		return &prefork.ProcessSpawner{
			Socket: sock,
			Path:   a.WorkerPath,
			Args:   a.WorkerArgs,
			Env:    []string{config.EnvWorkerConfig + "=" + encoded},
		}, nil
	}
	return nil, fmt.Errorf("%w: mode %q", config.ErrInvalidConfig, cfg.Mode)
}

// TransportFactory builds the configured per-worker transport
func (a *App) TransportFactory(rec observability.Recorder) prefork.TransportFactory {
	cfg := a.cfg
	if cfg.Transport == config.TransportStd {
		return func(onBusy func(bool)) prefork.Transport {
			return stdhttp.NewServer(a.router, stdhttp.Config{
				H2C:             cfg.H2C,
				ReadTimeout:     cfg.ReadTimeout,
				WriteTimeout:    cfg.WriteTimeout,
				IdleTimeout:     cfg.IdleTimeout,
				MaxHeaderBytes:  cfg.MaxHeaderBytes,
				ShutdownTimeout: cfg.ShutdownTimeout,
				Recorder:        rec,
				OnBusy:          onBusy,
			})
		}
	}

	handler := core.NewConnHandler(a.router, cfg.MaxHeaderBytes, rec)
	return func(onBusy func(bool)) prefork.Transport {
		return core.NewEngine(handler, core.EngineConfig{
			MaxHeaderBytes: cfg.MaxHeaderBytes,
			ReadTimeout:    cfg.ReadTimeout,
			WriteTimeout:   cfg.WriteTimeout,
			IdleTimeout:    cfg.IdleTimeout,
			OnBusy:         onBusy,
		})
	}
}

// RunWorker is the body of a process-mode worker. The listening socket is
// inherited on fd 3 and status frames are written to fd 4.
func (a *App) RunWorker(ctx context.Context, slot int) error {
	status := os.NewFile(prefork.StatusFD, "status")
	if status != nil {
		defer status.Close()
	}

	w := prefork.NewWorker(prefork.WorkerOptions{
		Slot:      slot,
		Attach:    inheritSocket,
		Transport: a.TransportFactory(nil),
		GCPercent: a.cfg.GCPercent,
		Notify: func(m prefork.StatusMessage) {
			if status == nil {
				return
			}
			if err := prefork.WriteStatus(status, m); err != nil {
				log.Printf("[worker %d] status report: %v", slot, err)
			}
		},
	})
	return w.Run(ctx)
}

func inheritSocket() (int, error) {
	sock, err := listener.Inherit(listener.InheritedFD)
	if err != nil {
		return -1, err
	}
	defer sock.Close()
	return sock.Dup()
}

func writePidFile(path string, pid int) error {
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// removePidFile deletes path if it still names pid
func removePidFile(path string, pid int) {
	b, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(bytes.TrimSpace(b), []byte(strconv.Itoa(pid))) {
		return
	}
	if err := os.Remove(path); err != nil {
		log.Printf("remove pid file: %v", err)
	}
}
