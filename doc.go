/*
Package helloserver is a pre-forked HTTP server for measuring how a pool of
workers sharing one listening socket behaves under load.

The supervisor binds the TCP socket once, writes its pid file and starts N
workers. Every worker accepts from the same socket. A worker that dies is
replaced in the same slot unless the restart policy is no-restart.

Routes

  GET /                  200 Hello World!
  GET /greeting/<name>   200 Hello, <name>    (name is ASCII letters only)
  anything else          404 Not found

Quick Start

    hello-server -p 3000 -w 4                   # 4 worker processes
    hello-server --mode thread --transport std  # 1 goroutine per CPU, net/http
    hello-server bench --pid-file hello.pid     # load-test a running server

Embedding:

    cfg := config.Default()
    cfg.Mode = config.ModeThread

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
    defer stop()
    if err := app.New(&cfg).RunSupervisor(ctx); err != nil {
        log.Fatal(err)
    }

Modules

  - app: Supervisor and worker wiring
  - cmd/hello-server: Command line (serve, bench, version)
  - config: Configuration loading (flags, HELLO_SERVER_* env, config file)
  - listener: The shared listening socket
  - prefork: Supervisor, worker lifecycle, process and thread spawners
  - core: epoll/kqueue HTTP/1.1 event loop
  - core/http: HTTP/1.1 request parsing and response encoding
  - core/router: The two routes
  - core/stdhttp: net/http transport with optional h2c
  - core/pools: Buffer and connection pools, GC tuning
  - core/poller: I/O multiplexing (epoll/kqueue)
  - core/observability: Prometheus metrics
  - admin: /healthz, /workers and /metrics
  - bench: Load generator
*/
package helloserver
