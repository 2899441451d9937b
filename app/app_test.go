//go:build linux || darwin || freebsd

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/hello-server/config"
	"github.com/searchktools/hello-server/listener"
)

const helperEnv = "HELLO_SERVER_TEST_WORKER"

// TestMain doubles as the process-mode worker executable
func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		os.Exit(runHelperWorker())
	}
	os.Exit(m.Run())
}

func runHelperWorker() int {
	slot := 0
	for _, arg := range os.Args {
		if s, ok := strings.CutPrefix(arg, "--slot="); ok {
			slot, _ = strconv.Atoi(s)
		}
	}

	cfg, err := config.Decode(os.Getenv(config.EnvWorkerConfig))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()
	if err := New(cfg).RunWorker(ctx, slot); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func testConfig(t *testing.T, mode config.Mode, transport config.Transport) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Port = 0
	cfg.Workers = 2
	cfg.Mode = mode
	cfg.Transport = transport
	cfg.PIDFile = filepath.Join(t.TempDir(), "hello.pid")
	cfg.StatsInterval = 0
	cfg.ShutdownTimeout = 2 * time.Second
	require.NoError(t, cfg.Validate())
	return &cfg
}

type running struct {
	addr chan *net.TCPAddr
	done chan error
	stop context.CancelFunc
}

func start(t *testing.T, a *App) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		addr: make(chan *net.TCPAddr, 1),
		done: make(chan error, 1),
		stop: cancel,
	}
	a.OnListen = func(addr *net.TCPAddr) { r.addr <- addr }
	go func() { r.done <- a.RunSupervisor(ctx) }()
	t.Cleanup(cancel)
	return r
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	var (
		resp *http.Response
		err  error
	)
	// workers may still be attaching
	require.Eventually(t, func() bool {
		resp, err = http.Get(url)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRunSupervisorThreadMode(t *testing.T) {
	for _, transport := range []config.Transport{config.TransportEpoll, config.TransportStd} {
		t.Run(string(transport), func(t *testing.T) {
			cfg := testConfig(t, config.ModeThread, transport)
			r := start(t, New(cfg))

			var addr *net.TCPAddr
			select {
			case addr = <-r.addr:
			case err := <-r.done:
				t.Fatalf("supervisor exited early: %v", err)
			}
			base := "http://" + addr.String()

			code, body := get(t, base+"/")
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, "Hello World!", body)

			code, body = get(t, base+"/greeting/Thread")
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, "Hello, Thread", body)

			code, body = get(t, base+"/greeting/")
			assert.Equal(t, http.StatusNotFound, code)
			assert.Equal(t, "Not found", body)

			pid, err := os.ReadFile(cfg.PIDFile)
			require.NoError(t, err)
			assert.Equal(t, strconv.Itoa(os.Getpid()), string(pid))

			r.stop()
			select {
			case err := <-r.done:
				assert.NoError(t, err)
			case <-time.After(10 * time.Second):
				t.Fatal("supervisor did not stop")
			}

			_, err = os.Stat(cfg.PIDFile)
			assert.True(t, errors.Is(err, os.ErrNotExist))
		})
	}
}

func TestRunSupervisorProcessMode(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(helperEnv, "1")

	cfg := testConfig(t, config.ModeProcess, config.TransportEpoll)
	a := New(cfg)
	a.WorkerPath = exe
	a.WorkerArgs = nil
	r := start(t, a)

	var addr *net.TCPAddr
	select {
	case addr = <-r.addr:
	case err := <-r.done:
		t.Fatalf("supervisor exited early: %v", err)
	}

	code, body := get(t, "http://"+addr.String()+"/greeting/process")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Hello, process", body)

	r.stop()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestRunSupervisorProcessModeReplacesKilledWorker(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	t.Setenv(helperEnv, "1")

	cfg := testConfig(t, config.ModeProcess, config.TransportEpoll)
	a := New(cfg)
	a.WorkerPath = exe
	a.WorkerArgs = nil
	r := start(t, a)

	var addr *net.TCPAddr
	select {
	case addr = <-r.addr:
	case err := <-r.done:
		t.Fatalf("supervisor exited early: %v", err)
	}
	url := "http://" + addr.String() + "/greeting/process"

	require.Eventually(t, func() bool {
		records := a.Workers()
		if len(records) != 2 {
			return false
		}
		for _, w := range records {
			if !w.Alive || w.PID <= 0 {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)

	victim := a.Workers()[0]
	require.Equal(t, 1, victim.Generation)
	require.NoError(t, syscall.Kill(victim.PID, syscall.SIGKILL))

	// fresh connections so none is pinned to the dead worker
	client := &http.Client{
		Transport: &http.Transport{DisableKeepAlives: true},
		Timeout:   2 * time.Second,
	}
	ok := func() bool {
		resp, err := client.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK && string(body) == "Hello, process"
	}
	assert.Eventually(t, ok, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		w := a.Workers()[0]
		return w.Alive && w.Generation == 2
	}, 10*time.Second, 20*time.Millisecond)

	replaced := a.Workers()[0]
	assert.NotEqual(t, victim.PID, replaced.PID)
	assert.Equal(t, 1, replaced.Restarts)
	assert.Equal(t, "signal: killed", replaced.LastExit)
	assert.Equal(t, 1, a.Workers()[1].Generation, "sibling untouched")

	for i := 0; i < 20; i++ {
		assert.True(t, ok(), "request %d after restart", i)
	}

	r.stop()
	select {
	case err := <-r.done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestRunSupervisorBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig(t, config.ModeThread, config.TransportEpoll)
	cfg.Port = taken.Addr().(*net.TCPAddr).Port

	err = New(cfg).RunSupervisor(context.Background())
	require.Error(t, err)

	var bindErr *listener.BindError
	assert.True(t, errors.As(err, &bindErr))

	_, err = os.Stat(cfg.PIDFile)
	assert.True(t, errors.Is(err, os.ErrNotExist), "pid file must not be written")
}

func TestRemovePidFileKeepsForeignPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hello.pid")
	require.NoError(t, os.WriteFile(path, []byte("1"), 0o644))

	removePidFile(path, os.Getpid())
	_, err := os.Stat(path)
	assert.NoError(t, err)

	require.NoError(t, writePidFile(path, os.Getpid()))
	removePidFile(path, os.Getpid())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
