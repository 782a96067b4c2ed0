package supervisor

import "github.com/Intelligent-Intern/quicpro-async-sub000/config"

// Options is the tagged options structure spec §4.H names:
// {workers_n, worker_entry, on_start?, on_exit?, pid_file?,
// restart_policy, graceful_timeout_s, scheduler_policy, niceness,
// cpu_affinity, uid/gid, cgroup_path, rlimits}.
type Options struct {
	WorkersN         int
	WorkerEntry      func(workerID int) error
	OnStart          func(workerID int)
	OnExit           func(workerID int, err error)
	PidFile          string
	RestartPolicy    config.RestartPolicy
	GracefulTimeoutS int

	SchedulerPolicy string // "other" | "fifo" | "rr"
	Niceness        int
	CPUAffinity     bool // round-robin by worker id modulo online CPUs
	UID             int
	GID             int
	CgroupPath      string
	Rlimits         map[string]uint64 // e.g. "nofile" -> 65536
}

func (o Options) gracefulTimeout() int {
	if o.GracefulTimeoutS <= 0 {
		return 10
	}
	return o.GracefulTimeoutS
}
