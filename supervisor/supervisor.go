// Package supervisor implements Supervisor (spec §4.H): a
// pre-forking process pool with signal-driven shutdown/reload and a
// sliding-window restart policy.
//
// Grounded on origin/supervisor.go's run-loop shape (a master select
// over child-error/signal channels, per-worker bookkeeping) and
// origin/backoffhandler.go's retry-counter idiom, generalized here
// from BackoffHandler into RestartWindow (restart.go). cloudflared
// itself never pre-forks OS processes — it is a single long-running
// edge agent — so the fork/exec/signal-fan-out plumbing below is new
// code following spec §4.H's contract directly: the master re-execs
// this same binary with QP_WORKER_ID set in each child's environment,
// the standard Go idiom for process-level isolation since the
// language has no bare fork() without cgo.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// workerProc is the master's bookkeeping for one live child.
type workerProc struct {
	id            int
	correlationID uuid.UUID
	cmd           *exec.Cmd
	exiting       bool // intentional exit (HUP reload or shutdown), not a crash
	exitErr       chan error
	startedAt     time.Time
	restartCount  int
	lastRestartAt time.Time
}

// WorkerRecord is the read-only snapshot of one worker spec's data
// model names: {pid, worker_id, started_at, restart_count,
// last_restart_at, is_exiting}, plus a correlation_id tying a worker's
// own log lines (and the QUIC sessions it serves) back to this
// record across restarts.
type WorkerRecord struct {
	PID           int
	WorkerID      int
	CorrelationID string
	StartedAt     time.Time
	RestartCount  int
	LastRestartAt time.Time
	IsExiting     bool
}

// Supervisor is the master-process pre-forking pool controller.
type Supervisor struct {
	opts    Options
	log     *zerolog.Logger
	restart *RestartWindow

	mu      sync.Mutex
	workers map[int]*workerProc

	reloadC   chan struct{}
	shutdownC chan struct{}
	sigC      chan os.Signal
}

// New builds a Supervisor; it does not fork until Run is called.
func New(opts Options, log *zerolog.Logger) *Supervisor {
	return &Supervisor{
		opts:      opts,
		log:       log,
		restart:   NewRestartWindow(opts.RestartPolicy.MaxRestarts, time.Duration(opts.RestartPolicy.IntervalS)*time.Second),
		workers:   make(map[int]*workerProc),
		reloadC:   make(chan struct{}, 1),
		shutdownC: make(chan struct{}),
		sigC:      make(chan os.Signal, 8),
	}
}

// Run is the entry point for both roles named in spec §4.H. If
// QP_WORKER_ID is set in the environment, this process IS a worker:
// it applies its scheduling/affinity/rlimit/cgroup/privilege policy
// and invokes opts.WorkerEntry directly, returning when the entry
// returns. Otherwise this process is the master: it writes the PID
// file, installs signal handlers, forks workers_n children, and runs
// the supervision loop until a shutdown signal.
func (s *Supervisor) Run() error {
	if id, ok := WorkerID(); ok {
		if err := applyWorkerPolicy(id, s.opts); err != nil {
			return errtax.Wrap(errtax.WorkerSpawnFailed, err, fmt.Sprintf("worker %d policy", id))
		}
		if s.opts.OnStart != nil {
			s.opts.OnStart(id)
		}
		return s.opts.WorkerEntry(id)
	}
	return s.runMaster()
}

func (s *Supervisor) runMaster() error {
	if s.opts.PidFile != "" {
		if err := writePidFile(s.opts.PidFile); err != nil {
			return errtax.Wrap(errtax.WorkerSpawnFailed, err, "pid file")
		}
		defer os.Remove(s.opts.PidFile)
	}

	signal.Notify(s.sigC, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGCHLD)
	defer signal.Stop(s.sigC)

	for i := 0; i < s.opts.WorkersN; i++ {
		if err := s.spawn(i); err != nil {
			s.log.Err(err).Int("worker", i).Msg("initial spawn failed")
		}
	}

	for {
		select {
		case sig := <-s.sigC:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				s.shutdown()
				return nil
			case syscall.SIGHUP:
				s.reload()
			case syscall.SIGCHLD:
				s.reap()
			}
		case <-s.reloadC:
			s.reload()
		case <-s.shutdownC:
			return nil
		}
	}
}

// spawn re-execs the current binary with QP_WORKER_ID=id set.
func (s *Supervisor) spawn(id int) error {
	correlationID := uuid.New()
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(),
		WorkerIDEnv+"="+strconv.Itoa(id),
		WorkerCorrelationIDEnv+"="+correlationID.String(),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		captureCrash(err)
		return err
	}

	wp := &workerProc{id: id, correlationID: correlationID, cmd: cmd, exitErr: make(chan error, 1), startedAt: timeNow()}

	s.mu.Lock()
	if prev, ok := s.workers[id]; ok {
		wp.restartCount = prev.restartCount + 1
		wp.lastRestartAt = timeNow()
	}
	s.workers[id] = wp
	s.mu.Unlock()

	go func() { wp.exitErr <- cmd.Wait() }()

	go s.watch(wp)
	return nil
}

// watch waits for one worker's exit and applies the restart policy
// on an unexpected exit (spec §4.H supervision loop, §8 invariant 8).
func (s *Supervisor) watch(wp *workerProc) {
	err := <-wp.exitErr

	s.mu.Lock()
	intentional := wp.exiting
	delete(s.workers, wp.id)
	s.mu.Unlock()

	if s.opts.OnExit != nil {
		s.opts.OnExit(wp.id, err)
	}
	if intentional {
		return
	}

	if err != nil {
		captureCrash(err)
	}
	if !s.restart.Allow(wp.id) {
		s.log.Error().Int("worker", wp.id).Msg("worker exceeded restart policy; leaving slot dead")
		return
	}
	if err := s.spawn(wp.id); err != nil {
		s.log.Err(err).Int("worker", wp.id).Msg("restart spawn failed")
	}
}

// reap waits-no-hang for any zombie children spec §4.H's SIGCHLD
// handler names; exec.Cmd.Wait (invoked in watch's goroutine) already
// reaps each child it started, so this only guards against a
// double-delivery of SIGCHLD racing the Wait call.
func (s *Supervisor) reap() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}

// reload performs a graceful HUP reload: mark all workers as
// intentionally exiting, TERM them, and spawn fresh replacements.
// Intentionally-exiting workers are not counted as crashes (spec
// §4.H).
func (s *Supervisor) reload() {
	s.mu.Lock()
	ids := make([]int, 0, len(s.workers))
	for id, wp := range s.workers {
		wp.exiting = true
		ids = append(ids, id)
	}
	procs := make(map[int]*workerProc, len(s.workers))
	for id, wp := range s.workers {
		procs[id] = wp
	}
	s.mu.Unlock()

	for _, wp := range procs {
		wp.cmd.Process.Signal(syscall.SIGTERM)
	}
	for _, id := range ids {
		if wp, ok := procs[id]; ok {
			select {
			case <-wp.exitErr:
			case <-time.After(time.Duration(s.opts.gracefulTimeout()) * time.Second):
				wp.cmd.Process.Kill()
			}
		}
		if err := s.spawn(id); err != nil {
			s.log.Err(err).Int("worker", id).Msg("reload respawn failed")
		}
	}
}

// shutdown TERMs all children, waits up to graceful_timeout_s, then
// KILLs stragglers (spec §4.H).
func (s *Supervisor) shutdown() {
	s.mu.Lock()
	procs := make([]*workerProc, 0, len(s.workers))
	for _, wp := range s.workers {
		wp.exiting = true
		procs = append(procs, wp)
	}
	s.mu.Unlock()

	for _, wp := range procs {
		wp.cmd.Process.Signal(syscall.SIGTERM)
	}
	waitOrKill(procs, time.Duration(s.opts.gracefulTimeout())*time.Second)
	close(s.shutdownC)
}

// waitOrKill waits for each worker to exit, concurrently, up to
// timeout, then KILLs any stragglers. A shared time.After channel
// would deliver its single value to only the first waiter to reach
// it; waiting concurrently, each worker with its own timer toward the
// one shared deadline, avoids that.
func waitOrKill(procs []*workerProc, timeout time.Duration) {
	deadline := timeNow().Add(timeout)
	var wg sync.WaitGroup
	wg.Add(len(procs))
	for _, wp := range procs {
		go func(wp *workerProc) {
			defer wg.Done()
			select {
			case <-wp.exitErr:
			case <-time.After(time.Until(deadline)):
				wp.cmd.Process.Kill()
			}
		}(wp)
	}
	wg.Wait()
}

// Stats returns a snapshot of every live worker, for the admin API's
// worker-statistics-aggregation surface (spec §6).
func (s *Supervisor) Stats() []WorkerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerRecord, 0, len(s.workers))
	for _, wp := range s.workers {
		out = append(out, WorkerRecord{
			PID:           wp.cmd.Process.Pid,
			WorkerID:      wp.id,
			CorrelationID: wp.correlationID.String(),
			StartedAt:     wp.startedAt,
			RestartCount:  wp.restartCount,
			LastRestartAt: wp.lastRestartAt,
			IsExiting:     wp.exiting,
		})
	}
	return out
}

// TriggerReload requests a HUP-equivalent reload asynchronously, for
// the admin API's live-reload surface (spec §6). Non-blocking: a
// reload already pending is not duplicated.
func (s *Supervisor) TriggerReload() {
	select {
	case s.reloadC <- struct{}{}:
	default:
	}
}

// Drain marks every worker as intentionally exiting and TERMs them
// without respawning, for the admin API's draining surface (spec §6).
// Unlike shutdown, it does not close shutdownC: the master keeps
// running and spawn may be called again later to refill the pool.
func (s *Supervisor) Drain() {
	s.mu.Lock()
	procs := make([]*workerProc, 0, len(s.workers))
	for _, wp := range s.workers {
		wp.exiting = true
		procs = append(procs, wp)
	}
	s.mu.Unlock()

	for _, wp := range procs {
		wp.cmd.Process.Signal(syscall.SIGTERM)
	}
	waitOrKill(procs, time.Duration(s.opts.gracefulTimeout())*time.Second)
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// captureCrash reports an unexpected worker exit to Sentry, grounded
// on cmd/cloudflared/main.go's global sentry hub usage.
func captureCrash(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}
