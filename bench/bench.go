// Package bench drives a fixed number of requests against the server and
// reports throughput and latency quartiles.
package bench

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ErrPidTimeout is returned when the pid file never appears
var ErrPidTimeout = errors.New("bench: pid file did not appear")

// Options configures a run. Zero values take the defaults below.
type Options struct {
	// URLs are benchmarked one after another
	URLs        []string
	Requests    int           // per URL, default 50000
	Concurrency int           // default 256
	Timeout     time.Duration // per request, default 10s
	// Warmup runs each URL once, unrecorded, before measuring
	Warmup bool

	// PidFile, when set, is waited for before the first request
	PidFile      string
	WaitAttempts int           // default 30
	WaitInterval time.Duration // default 1s
}

func (o *Options) defaults() {
	if o.Requests <= 0 {
		o.Requests = 50000
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 256
	}
	if o.Concurrency > o.Requests {
		o.Concurrency = o.Requests
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.WaitAttempts <= 0 {
		o.WaitAttempts = 30
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = time.Second
	}
}

// DefaultURLs are the two routes of a server on addr (host:port)
func DefaultURLs(addr string) []string {
	return []string{
		"http://" + addr + "/",
		"http://" + addr + "/greeting/hello",
	}
}

// Latency summarizes successful request durations
type Latency struct {
	Min time.Duration `json:"min"`
	P25 time.Duration `json:"p25"`
	P50 time.Duration `json:"p50"`
	P75 time.Duration `json:"p75"`
	P90 time.Duration `json:"p90"`
	P99 time.Duration `json:"p99"`
	Max time.Duration `json:"max"`
}

// TargetResult is the outcome for one URL
type TargetResult struct {
	URL      string        `json:"url"`
	Requests int           `json:"requests"`
	Errors   int           `json:"errors"`
	Statuses map[int]int   `json:"statuses"`
	Elapsed  time.Duration `json:"elapsed"`
	RPS      float64       `json:"rps"`
	Latency  Latency       `json:"latency"`
}

// Result is the outcome of a run
type Result struct {
	PID     int            `json:"pid,omitempty"`
	Targets []TargetResult `json:"targets"`
}

// Run benchmarks every URL in order
func Run(ctx context.Context, opts Options) (Result, error) {
	opts.defaults()
	if len(opts.URLs) == 0 {
		return Result{}, errors.New("bench: no URLs")
	}

	var res Result
	if opts.PidFile != "" {
		pid, err := WaitForPidFile(ctx, opts.PidFile, opts.WaitAttempts, opts.WaitInterval)
		if err != nil {
			return res, err
		}
		res.PID = pid
	}

	client := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        opts.Concurrency,
			MaxIdleConnsPerHost: opts.Concurrency,
			DisableCompression:  true,
		},
	}
	defer client.CloseIdleConnections()

	for _, url := range opts.URLs {
		if opts.Warmup {
			if _, err := runTarget(ctx, client, url, opts); err != nil {
				return res, err
			}
		}
		tr, err := runTarget(ctx, client, url, opts)
		if err != nil {
			return res, err
		}
		res.Targets = append(res.Targets, tr)
	}
	return res, nil
}

func runTarget(ctx context.Context, client *http.Client, url string, opts Options) (TargetResult, error) {
	jobs := make(chan struct{}, opts.Requests)
	for i := 0; i < opts.Requests; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	type sample struct {
		status int
		d      time.Duration
		err    error
	}

	var mu sync.Mutex
	samples := make([]sample, 0, opts.Requests)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]sample, 0, opts.Requests/opts.Concurrency+1)
			for range jobs {
				if ctx.Err() != nil {
					break
				}
				status, d, err := once(ctx, client, url)
				local = append(local, sample{status, d, err})
			}
			mu.Lock()
			samples = append(samples, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err := ctx.Err(); err != nil {
		return TargetResult{}, err
	}

	tr := TargetResult{
		URL:      url,
		Requests: len(samples),
		Statuses: make(map[int]int),
		Elapsed:  elapsed,
	}
	durations := make([]time.Duration, 0, len(samples))
	for _, s := range samples {
		if s.err != nil {
			tr.Errors++
			continue
		}
		tr.Statuses[s.status]++
		durations = append(durations, s.d)
	}
	if elapsed > 0 {
		tr.RPS = float64(len(samples)) / elapsed.Seconds()
	}
	tr.Latency = summarize(durations)
	return tr, nil
}

func once(ctx context.Context, client *http.Client, url string) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, 0, err
	}
	_, err = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode, time.Since(start), err
}

func summarize(d []time.Duration) Latency {
	if len(d) == 0 {
		return Latency{}
	}
	sort.Slice(d, func(i, j int) bool { return d[i] < d[j] })
	return Latency{
		Min: d[0],
		P25: percentile(d, 25),
		P50: percentile(d, 50),
		P75: percentile(d, 75),
		P90: percentile(d, 90),
		P99: percentile(d, 99),
		Max: d[len(d)-1],
	}
}

// percentile uses the nearest-rank method on sorted d
func percentile(d []time.Duration, p int) time.Duration {
	rank := (p*len(d) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return d[rank-1]
}

// WaitForPidFile polls path until it holds the pid of a live process
func WaitForPidFile(ctx context.Context, path string, attempts int, interval time.Duration) (int, error) {
	for i := 0; i < attempts; i++ {
		if pid, err := readPid(path); err == nil {
			if ok, _ := process.PidExistsWithContext(ctx, int32(pid)); ok {
				return pid, nil
			}
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(interval):
		}
	}
	return 0, fmt.Errorf("%w: %s after %d attempts", ErrPidTimeout, path, attempts)
}

func readPid(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("bench: bad pid file %s", path)
	}
	return pid, nil
}

// Print writes a short human-readable report
func (r Result) Print(w io.Writer) {
	for _, t := range r.Targets {
		fmt.Fprintf(w, "%s\n", t.URL)
		fmt.Fprintf(w, "  requests: %d  errors: %d  elapsed: %s\n", t.Requests, t.Errors, t.Elapsed.Round(time.Millisecond))
		fmt.Fprintf(w, "  requests/sec: %.1f\n", t.RPS)

		codes := make([]int, 0, len(t.Statuses))
		for c := range t.Statuses {
			codes = append(codes, c)
		}
		sort.Ints(codes)
		for _, c := range codes {
			fmt.Fprintf(w, "  [%d] %d responses\n", c, t.Statuses[c])
		}

		l := t.Latency
		fmt.Fprintf(w, "  latency: min %s  p25 %s  p50 %s  p75 %s  p90 %s  p99 %s  max %s\n",
			l.Min, l.P25, l.P50, l.P75, l.P90, l.P99, l.Max)
	}
}
