package prefork

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/searchktools/hello-server/config"
	"github.com/searchktools/hello-server/core/observability"
)

var (
	// ErrPoolExhausted is returned when every worker exited under no-restart
	ErrPoolExhausted = errors.New("all workers exited")
	// ErrStartup is wrapped when the initial pool cannot be brought up
	ErrStartup = errors.New("worker pool startup failed")
)

const (
	defaultStartupTimeout = 10 * time.Second
	// killGrace bounds the wait after Kill for workers that ignore it
	killGrace = 2 * time.Second
)

// Options configures a Supervisor
type Options struct {
	Workers int
	Restart config.RestartPolicy

	RestartBackoff  time.Duration
	MaxBackoff      time.Duration
	MinUptime       time.Duration
	ShutdownTimeout time.Duration
	StartupTimeout  time.Duration

	// StatsInterval enables resource sampling when > 0 and Sampler is set
	StatsInterval time.Duration
	Sampler       Sampler
	Recorder      observability.LifecycleRecorder
}

// OptionsFromConfig maps the supervisor settings of c
func OptionsFromConfig(c *config.Config) Options {
	return Options{
		Workers:         c.EffectiveWorkers(),
		Restart:         c.Restart,
		RestartBackoff:  c.RestartBackoff,
		MaxBackoff:      c.MaxBackoff,
		MinUptime:       c.MinUptime,
		ShutdownTimeout: c.ShutdownTimeout,
		StatsInterval:   c.StatsInterval,
	}
}

// WorkerRecord is a snapshot of one pool slot
type WorkerRecord struct {
	Slot       int        `json:"slot"`
	Generation int        `json:"generation"`
	ID         string     `json:"id"`
	PID        int        `json:"pid"`
	SpawnedAt  time.Time  `json:"spawned_at"`
	State      State      `json:"state"`
	Alive      bool       `json:"alive"`
	Restarts   int        `json:"restarts"`
	LastExit   string     `json:"last_exit,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	ExitedAt   *time.Time `json:"exited_at,omitempty"`
}

type slot struct {
	record  WorkerRecord
	handle  Handle
	backoff time.Duration
}

type exitEvent struct {
	slot       int
	generation int
	status     ExitStatus
}

// Supervisor keeps Workers workers running on one shared socket. It never
// accepts connections itself.
type Supervisor struct {
	spawner Spawner
	opts    Options

	mu    sync.Mutex
	slots []*slot

	exits    chan exitEvent
	restarts chan int
	stop     chan struct{}
}

// NewSupervisor creates a supervisor
func NewSupervisor(spawner Spawner, opts Options) *Supervisor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Restart == "" {
		opts.Restart = config.Restart
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = defaultStartupTimeout
	}
	if opts.MaxBackoff < opts.RestartBackoff {
		opts.MaxBackoff = opts.RestartBackoff
	}
	if opts.Recorder == nil {
		opts.Recorder = observability.Nop{}
	}

	return &Supervisor{
		spawner:  spawner,
		opts:     opts,
		exits:    make(chan exitEvent, opts.Workers),
		restarts: make(chan int),
		stop:     make(chan struct{}),
	}
}

// Run spawns the pool and supervises it until ctx is done (returns nil after
// stopping every worker), the pool cannot start (ErrStartup) or, under
// no-restart, the last worker exits (ErrPoolExhausted). Run must be called
// once.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.stop)

	if err := s.start(ctx); err != nil {
		s.shutdown()
		return err
	}
	if ctx.Err() != nil {
		s.shutdown()
		return nil
	}

	log.Printf("👷 %d workers ready (restart policy: %s)", s.opts.Workers, s.opts.Restart)

	var statsC <-chan time.Time
	if s.opts.StatsInterval > 0 && s.opts.Sampler != nil {
		ticker := time.NewTicker(s.opts.StatsInterval)
		defer ticker.Stop()
		statsC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil

		case ev := <-s.exits:
			if !s.reap(ev) {
				continue
			}
			if s.opts.Restart == config.NoRestart {
				if s.alive() == 0 {
					return ErrPoolExhausted
				}
				continue
			}
			s.scheduleRestart(ctx, ev.slot)

		case i := <-s.restarts:
			if err := s.spawn(ctx, i); err != nil {
				log.Printf("[supervisor] respawn slot %d: %v", i, err)
				s.mu.Lock()
				s.slots[i].backoff = s.nextBackoff(s.slots[i].backoff)
				s.mu.Unlock()
				s.scheduleRestart(ctx, i)
			}

		case <-statsC:
			s.sample()
		}
	}
}

// start brings up the whole pool or nothing
func (s *Supervisor) start(ctx context.Context) error {
	s.mu.Lock()
	s.slots = make([]*slot, s.opts.Workers)
	for i := range s.slots {
		s.slots[i] = &slot{record: WorkerRecord{Slot: i}}
	}
	s.mu.Unlock()

	for i := 0; i < s.opts.Workers; i++ {
		if err := s.spawn(ctx, i); err != nil {
			return fmt.Errorf("%w: %v", ErrStartup, err)
		}
	}

	timeout := time.NewTimer(s.opts.StartupTimeout)
	defer timeout.Stop()

	for i := 0; i < s.opts.Workers; i++ {
		h := s.handle(i)
		select {
		case <-h.Ready():
		case <-h.Done():
			return fmt.Errorf("%w: worker %s exited during startup (%s)", ErrStartup, h.ID(), h.Status())
		case <-timeout.C:
			return fmt.Errorf("%w: worker %s not ready after %s", ErrStartup, h.ID(), s.opts.StartupTimeout)
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// spawn starts a worker in slot i and watches it
func (s *Supervisor) spawn(ctx context.Context, i int) error {
	h, err := s.spawner.Spawn(ctx, i)
	if err != nil {
		return err
	}

	s.mu.Lock()
	sl := s.slots[i]
	if sl.record.Generation > 0 {
		sl.record.Restarts++
		s.opts.Recorder.WorkerRestarted()
	}
	sl.record.Generation++
	sl.record.ID = h.ID()
	sl.record.PID = h.PID()
	sl.record.SpawnedAt = time.Now()
	sl.record.Alive = true
	sl.record.Usage = nil
	sl.record.ExitedAt = nil
	sl.handle = h
	gen := sl.record.Generation
	s.mu.Unlock()

	s.opts.Recorder.WorkerStarted()

	go func() {
		<-h.Done()
		select {
		case s.exits <- exitEvent{slot: i, generation: gen, status: h.Status()}:
		case <-s.stop:
		}
	}()
	return nil
}

// reap records an exit; it reports false for stale events
func (s *Supervisor) reap(ev exitEvent) bool {
	s.mu.Lock()
	sl := s.slots[ev.slot]
	if sl.record.Generation != ev.generation || !sl.record.Alive {
		s.mu.Unlock()
		return false
	}

	now := time.Now()
	sl.record.Alive = false
	sl.record.State = StateTerminating
	sl.record.LastExit = ev.status.String()
	sl.record.ExitedAt = &now
	id, pid, uptime := sl.record.ID, sl.record.PID, now.Sub(sl.record.SpawnedAt)

	// crash loop: back off exponentially while workers die young
	if uptime < s.opts.MinUptime {
		sl.backoff = s.nextBackoff(sl.backoff)
	} else {
		sl.backoff = 0
	}
	s.mu.Unlock()

	verb := "died"
	if ev.status.Clean() {
		verb = "terminated"
	}
	log.Printf("Worker %s %s (%s)", id, verb, ev.status)

	s.opts.Recorder.WorkerExited(ev.status.Cause())
	s.forget(pid)
	return true
}

// nextBackoff doubles cur from RestartBackoff up to MaxBackoff
func (s *Supervisor) nextBackoff(cur time.Duration) time.Duration {
	if cur == 0 {
		return s.opts.RestartBackoff
	}
	return min(cur*2, s.opts.MaxBackoff)
}

func (s *Supervisor) scheduleRestart(ctx context.Context, i int) {
	s.mu.Lock()
	delay := s.slots[i].backoff
	s.mu.Unlock()

	if delay > 0 {
		log.Printf("[supervisor] slot %d restarting in %s", i, delay)
	}

	go func() {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
		select {
		case s.restarts <- i:
		case <-ctx.Done():
		case <-s.stop:
		}
	}()
}

// shutdown terminates every live worker, kills stragglers after
// ShutdownTimeout and waits for them to exit
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	var live []*slot
	for _, sl := range s.slots {
		if sl.handle != nil && sl.record.Alive {
			live = append(live, sl)
		}
	}
	s.mu.Unlock()

	if len(live) == 0 {
		return
	}
	log.Printf("🛑 Stopping %d workers", len(live))

	for _, sl := range live {
		if err := sl.handle.Terminate(); err != nil {
			log.Printf("[supervisor] terminate %s: %v", sl.handle.ID(), err)
		}
	}

	deadline := time.NewTimer(s.opts.ShutdownTimeout)
	defer deadline.Stop()

	killed := false
	for _, sl := range live {
		h := sl.handle
		select {
		case <-h.Done():
			s.reap(exitEvent{slot: sl.record.Slot, generation: s.generation(sl), status: h.Status()})
			continue
		case <-deadline.C:
			killed = true
		}
		if killed {
			break
		}
	}

	if !killed {
		return
	}

	for _, sl := range live {
		select {
		case <-sl.handle.Done():
		default:
			log.Printf("[supervisor] killing worker %s", sl.handle.ID())
			sl.handle.Kill()
		}
	}

	grace := time.NewTimer(killGrace)
	defer grace.Stop()
	for _, sl := range live {
		h := sl.handle
		select {
		case <-h.Done():
			s.reap(exitEvent{slot: sl.record.Slot, generation: s.generation(sl), status: h.Status()})
		case <-grace.C:
			log.Printf("[supervisor] worker %s did not exit", h.ID())
			return
		}
	}
}

// sample records resource usage for every live worker pid
func (s *Supervisor) sample() {
	s.mu.Lock()
	pids := make(map[int][]int)
	for i, sl := range s.slots {
		if sl.record.Alive && sl.record.PID > 0 {
			pids[sl.record.PID] = append(pids[sl.record.PID], i)
		}
	}
	s.mu.Unlock()

	usage := make(map[int]Usage, len(pids))
	for pid := range pids {
		u, err := s.opts.Sampler.Sample(pid)
		if err != nil {
			log.Printf("[supervisor] %v", err)
			continue
		}
		usage[pid] = u
		log.Printf("📊 worker pid %d: %s", pid, u)
	}

	s.mu.Lock()
	for pid, u := range usage {
		for _, i := range pids[pid] {
			if s.slots[i].record.PID == pid {
				u := u
				s.slots[i].record.Usage = &u
			}
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) forget(pid int) {
	if s.opts.Sampler == nil {
		return
	}
	if s.alivePID(pid) {
		return
	}
	s.opts.Sampler.Forget(pid)
}

func (s *Supervisor) alivePID(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if sl.record.Alive && sl.record.PID == pid {
			return true
		}
	}
	return false
}

func (s *Supervisor) handle(i int) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[i].handle
}

func (s *Supervisor) generation(sl *slot) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sl.record.Generation
}

func (s *Supervisor) alive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sl := range s.slots {
		if sl.record.Alive {
			n++
		}
	}
	return n
}

// Workers returns a copy of every slot's record, ordered by slot
func (s *Supervisor) Workers() []WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerRecord, 0, len(s.slots))
	for _, sl := range s.slots {
		r := sl.record
		if r.Alive && sl.handle != nil {
			r.State = sl.handle.State()
		}
		if r.Usage != nil {
			u := *r.Usage
			r.Usage = &u
		}
		if r.ExitedAt != nil {
			t := *r.ExitedAt
			r.ExitedAt = &t
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
