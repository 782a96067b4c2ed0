package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

// WorkerIDEnv is the environment variable the master sets in each
// forked child (spec §6 process surface).
const WorkerIDEnv = "QP_WORKER_ID"

// WorkerCorrelationIDEnv carries the uuid the master assigned this
// worker at spawn time (see Supervisor.spawn), so the worker's own
// log lines and the QUIC sessions it serves can be tied back to the
// same WorkerRecord the admin API reports.
const WorkerCorrelationIDEnv = "QP_WORKER_CORRELATION_ID"

// WorkerID reports this process's worker id if QP_WORKER_ID is set
// (i.e. this process is a forked worker, not the master).
func WorkerID() (int, bool) {
	v, ok := os.LookupEnv(WorkerIDEnv)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return id, true
}

// WorkerCorrelationID reports this process's assigned correlation id,
// if QP_WORKER_CORRELATION_ID is set.
func WorkerCorrelationID() (string, bool) {
	v, ok := os.LookupEnv(WorkerCorrelationIDEnv)
	return v, ok
}

// applyWorkerPolicy applies scheduling policy, niceness, CPU
// affinity, rlimits, cgroup membership and privilege drop to the
// current process, in the order spec §4.H lists them, before
// invoking the user entry. Grounded on the "each of which applies..."
// sentence's own ordering; the individual syscalls are stdlib
// (syscall.Setpriority/Setuid/Setgid) plus golang.org/x/sys/unix for
// the calls stdlib doesn't expose (Sched_setscheduler, SchedSetaffinity,
// Setrlimit), matching how the rest of the pack reaches for x/sys when
// stdlib's syscall package is incomplete on Linux.
func applyWorkerPolicy(id int, opts Options) error {
	if opts.SchedulerPolicy != "" {
		if err := setSchedulerPolicy(opts.SchedulerPolicy); err != nil {
			return fmt.Errorf("scheduler policy: %w", err)
		}
	}
	if opts.Niceness != 0 {
		if err := syscall.Setpriority(syscall.PRIO_PROCESS, 0, opts.Niceness); err != nil {
			return fmt.Errorf("niceness: %w", err)
		}
	}
	if opts.CPUAffinity {
		if err := setCPUAffinity(id); err != nil {
			return fmt.Errorf("cpu affinity: %w", err)
		}
	}
	for name, limit := range opts.Rlimits {
		if err := setRlimit(name, limit); err != nil {
			return fmt.Errorf("rlimit %s: %w", name, err)
		}
	}
	if opts.CgroupPath != "" {
		if err := joinCgroup(opts.CgroupPath); err != nil {
			return fmt.Errorf("cgroup: %w", err)
		}
	}
	if opts.GID != 0 {
		if err := syscall.Setgid(opts.GID); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}
	if opts.UID != 0 {
		if err := syscall.Setuid(opts.UID); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}
	return nil
}

// setCPUAffinity pins the worker to a single online CPU chosen
// round-robin by worker id modulo the online CPU count (spec §4.H).
func setCPUAffinity(id int) error {
	n := runtime.NumCPU()
	if n == 0 {
		return nil
	}
	cpu := id % n
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// schedPolicies maps the worker_options.scheduler_policy strings spec
// §4.H names to the SCHED_* constants unix.Sched_setscheduler expects.
var schedPolicies = map[string]int{
	"other": unix.SCHED_OTHER,
	"fifo":  unix.SCHED_FIFO,
	"rr":    unix.SCHED_RR,
}

// setSchedulerPolicy applies the worker's scheduling class to the
// calling process (pid 0) via unix.Sched_setscheduler, the same
// x/sys/unix entry point setCPUAffinity and setRlimit use for syscalls
// stdlib doesn't expose. SCHED_FIFO/SCHED_RR require a priority in
// [1,99]; SCHED_OTHER requires priority 0.
func setSchedulerPolicy(policy string) error {
	sp, ok := schedPolicies[policy]
	if !ok {
		return fmt.Errorf("unknown scheduler policy %q", policy)
	}
	prio := 0
	if sp == unix.SCHED_FIFO || sp == unix.SCHED_RR {
		prio = 1
	}
	return unix.Sched_setscheduler(0, sp, &unix.SchedParam{Priority: int32(prio)})
}

func setRlimit(name string, value uint64) error {
	resource, ok := rlimitResources[name]
	if !ok {
		return fmt.Errorf("unknown rlimit %q", name)
	}
	return unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value})
}

var rlimitResources = map[string]int{
	"nofile": unix.RLIMIT_NOFILE,
	"nproc":  unix.RLIMIT_NPROC,
	"as":     unix.RLIMIT_AS,
	"cpu":    unix.RLIMIT_CPU,
	"core":   unix.RLIMIT_CORE,
}

// joinCgroup writes this process's pid into path's cgroup.procs file.
func joinCgroup(path string) error {
	f, err := os.OpenFile(filepath.Join(path, "cgroup.procs"), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(strconv.Itoa(os.Getpid()))
	return err
}
