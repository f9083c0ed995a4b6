// Package supervisor runs the Procfile processes as one unit: shared
// env, prefixed output, and all-for-one teardown when any process
// exits.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signment/internal/procfile"
)

const killGrace = 5 * time.Second

// Options configure a supervisor run.
type Options struct {
	// EnvFile is loaded into the child environment when present.
	// Typically ".env".
	EnvFile string

	// Watch restarts all processes when the Procfile or the env file
	// changes.
	Watch bool

	// Output receives the prefixed process output. Defaults to stdout.
	Output io.Writer
}

// Supervisor owns one generation of child processes.
type Supervisor struct {
	procfilePath string
	opts         Options
	log          *zap.Logger

	outMu sync.Mutex
}

// New builds a supervisor for the given Procfile.
func New(procfilePath string, opts Options, log *zap.Logger) *Supervisor {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return &Supervisor{procfilePath: procfilePath, opts: opts, log: log}
}

// Run supervises until ctx is cancelled or a process exits. In watch
// mode file changes restart the whole set instead of stopping it.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		restart, err := s.runOnce(ctx)
		if !restart {
			return err
		}
		s.log.Info("configuration changed, restarting processes")
	}
}

// runOnce starts every declared process and waits. The returned bool
// asks the caller to start a fresh generation.
func (s *Supervisor) runOnce(ctx context.Context) (bool, error) {
	entries, err := procfile.Load(s.procfilePath)
	if err != nil {
		return false, err
	}

	env, err := s.childEnv()
	if err != nil {
		return false, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var restart atomic.Bool
	if s.opts.Watch {
		watcher, werr := fsnotify.NewWatcher()
		if werr != nil {
			return false, fmt.Errorf("create watcher: %w", werr)
		}
		defer watcher.Close()
		watcher.Add(s.procfilePath)
		if s.opts.EnvFile != "" {
			watcher.Add(s.opts.EnvFile)
		}
		go func() {
			for {
				select {
				case ev, ok := <-watcher.Events:
					if !ok {
						return
					}
					if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
						restart.Store(true)
						cancel()
						return
					}
				case <-runCtx.Done():
					return
				}
			}
		}()
	}

	g := new(errgroup.Group)
	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			err := s.runProcess(runCtx, entry, env)
			// Any exit tears down the rest of the generation.
			cancel()
			return err
		})
	}

	err = g.Wait()
	if restart.Load() {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, err
}

// childEnv merges the process env with the optional env file. Real
// environment variables win, matching dotenv semantics.
func (s *Supervisor) childEnv() ([]string, error) {
	env := os.Environ()
	if s.opts.EnvFile == "" {
		return env, nil
	}
	fileVars, err := godotenv.Read(s.opts.EnvFile)
	if os.IsNotExist(err) {
		return env, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read env file %s: %w", s.opts.EnvFile, err)
	}
	for k, v := range fileVars {
		if _, ok := os.LookupEnv(k); !ok {
			env = append(env, k+"="+v)
		}
	}
	return env, nil
}

// runProcess starts one command in its own process group and waits for
// it, forwarding cancellation as SIGTERM with a kill grace period.
func (s *Supervisor) runProcess(ctx context.Context, entry procfile.Entry, env []string) error {
	cmd := exec.Command("/bin/sh", "-c", entry.Command)
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: stdout pipe: %w", entry.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%s: stderr pipe: %w", entry.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%s: start: %w", entry.Name, err)
	}
	s.log.Info("process started",
		zap.String("name", entry.Name),
		zap.Int("pid", cmd.Process.Pid))

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		s.prefixLines(entry.Name, stdout)
	}()
	go func() {
		defer pipes.Done()
		s.prefixLines(entry.Name, stderr)
	}()

	done := make(chan error, 1)
	go func() {
		pipes.Wait()
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		s.log.Info("process exited",
			zap.String("name", entry.Name),
			zap.Error(err))
		return err
	case <-ctx.Done():
		s.terminate(entry.Name, cmd)
		<-done
		return ctx.Err()
	}
}

// terminate signals the whole process group, escalating to SIGKILL
// after the grace period.
func (s *Supervisor) terminate(name string, cmd *exec.Cmd) {
	pgid := -cmd.Process.Pid
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
		return
	}
	timer := time.AfterFunc(killGrace, func() {
		s.log.Warn("process did not stop, killing", zap.String("name", name))
		syscall.Kill(pgid, syscall.SIGKILL)
	})
	defer timer.Stop()

	// Wait for the group leader to go away.
	for i := 0; i < int(killGrace/(50*time.Millisecond)); i++ {
		if err := syscall.Kill(pgid, 0); err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// prefixLines copies process output line by line with the process name
// prefix.
func (s *Supervisor) prefixLines(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.outMu.Lock()
		fmt.Fprintf(s.opts.Output, "%-7s | %s\n", name, scanner.Text())
		s.outMu.Unlock()
	}
}
