// Package process supervises the external runner process of a task.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Environment variables passed to every runner process.
const (
	EnvTaskID       = "DRYDOCK_TASK_ID"
	EnvEntryPoint   = "DRYDOCK_ENTRY_POINT"
	EnvDBURI        = "DRYDOCK_DB_URI"
	EnvRunnerConfig = "DRYDOCK_RUNNER_CONFIG"
	EnvAnsibleCfg   = "ANSIBLE_CONFIG"
)

// maxOutput bounds the captured stdout and stderr of one run.
const maxOutput = 1 << 20

// Spec describes one run.
type Spec struct {
	TaskID     string
	EntryPoint string
	// Env is appended to the runner environment.
	Env []string
	// ShouldStop is polled while the process runs. Returning true requests a
	// graceful stop.
	ShouldStop func(ctx context.Context) bool
	// OnStart is called with the pid once the process is running.
	OnStart func(pid int)
}

// Result is the outcome of a run.
type Result struct {
	PID      int
	ExitCode int
	Stdout   string
	Stderr   string
	// Canceled is set when the run was stopped on request rather than
	// exiting on its own.
	Canceled bool
	// Killed is set when the process outlived the grace period.
	Killed   bool
	Duration time.Duration
}

// Success reports whether the process exited 0 on its own.
func (r *Result) Success() bool {
	return !r.Canceled && r.ExitCode == 0
}

// Executor runs a task's external process to completion.
type Executor interface {
	Run(ctx context.Context, spec Spec) (*Result, error)
}

// Config configures the supervisor.
type Config struct {
	Command    string
	Args       []string
	ConfigPath string
	DBURI      string
	WorkDir    string
	// GracePeriod is how long a stopped process may take to exit after the
	// terminate signal before it is killed.
	GracePeriod  time.Duration
	PollInterval time.Duration
}

// Supervisor is the Executor that spawns real processes.
type Supervisor struct {
	cfg Config
	log *zap.Logger
}

var _ Executor = (*Supervisor)(nil)

// NewSupervisor creates a Supervisor.
func NewSupervisor(cfg Config, log *zap.Logger) *Supervisor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Supervisor{cfg: cfg, log: log}
}

// Run starts the runner and waits for it. The process is stopped
// gracefully when ctx is done or spec.ShouldStop reports true. A non-zero
// exit is reported in the Result, not as an error; errors mean the process
// could not be supervised at all.
func (s *Supervisor) Run(ctx context.Context, spec Spec) (*Result, error) {
	if s.cfg.Command == "" {
		return nil, errors.New("runner command is not configured")
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.WorkDir
	cmd.Env = append(os.Environ(), s.environ(spec)...)

	stdout := &cappedBuffer{limit: maxOutput}
	stderr := &cappedBuffer{limit: maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Bounds Wait when a descendant keeps the output pipes open.
	cmd.WaitDelay = s.cfg.GracePeriod
	configureProc(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start runner: %w", err)
	}
	pid := cmd.Process.Pid
	log := s.log.With(zap.String("task_id", spec.TaskID), zap.Int("pid", pid))
	log.Info("Runner started", zap.String("entry_point", spec.EntryPoint))
	if spec.OnStart != nil {
		spec.OnStart(pid)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	res := &Result{PID: pid}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var waitErr error
loop:
	for {
		select {
		case waitErr = <-done:
			break loop
		case <-ctx.Done():
			log.Info("Stopping runner", zap.Error(ctx.Err()))
			waitErr = s.stop(cmd, done, res, log)
			break loop
		case <-ticker.C:
			if spec.ShouldStop != nil && spec.ShouldStop(ctx) {
				log.Info("Stop requested for runner")
				waitErr = s.stop(cmd, done, res, log)
				break loop
			}
		}
	}

	res.Duration = time.Since(started)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.ExitCode = 0
	case errors.Is(waitErr, exec.ErrWaitDelay):
		log.Warn("Runner exited but its output pipes stayed open")
		res.ExitCode = 0
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("wait runner: %w", waitErr)
	}

	log.Info("Runner finished",
		zap.Int("exit_code", res.ExitCode),
		zap.Bool("canceled", res.Canceled),
		zap.Bool("killed", res.Killed),
		zap.Duration("duration", res.Duration))
	return res, nil
}

// stop sends the terminate signal, waits for the grace period and kills the
// process group if it is still alive.
func (s *Supervisor) stop(cmd *exec.Cmd, done <-chan error, res *Result, log *zap.Logger) error {
	res.Canceled = true
	if err := terminate(cmd.Process); err != nil {
		log.Warn("Failed to signal runner", zap.Error(err))
	}

	grace := time.NewTimer(s.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case err := <-done:
		return err
	case <-grace.C:
	}

	log.Warn("Runner outlived grace period, killing", zap.Duration("grace_period", s.cfg.GracePeriod))
	res.Killed = true
	if err := kill(cmd.Process); err != nil {
		log.Error("Failed to kill runner", zap.Error(err))
	}
	return <-done
}

func (s *Supervisor) environ(spec Spec) []string {
	env := []string{
		EnvTaskID + "=" + spec.TaskID,
		EnvEntryPoint + "=" + spec.EntryPoint,
	}
	if s.cfg.DBURI != "" {
		env = append(env, EnvDBURI+"="+s.cfg.DBURI)
	}
	if s.cfg.ConfigPath != "" {
		env = append(env, EnvRunnerConfig+"="+s.cfg.ConfigPath, EnvAnsibleCfg+"="+s.cfg.ConfigPath)
	}
	return append(env, spec.Env...)
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room < len(p) {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}
