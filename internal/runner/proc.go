package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"toolq/internal/tool"
)

// Launcher spawns a tool process for one invocation. Swappable so tests
// can run the pipeline against an in-memory fake.
type Launcher interface {
	Launch(ctx context.Context, def tool.Definition) (Handle, error)
}

// Handle is one live tool process.
type Handle interface {
	// Send writes a request line to the tool's stdin.
	Send(req Request) error
	// Recv blocks until the response matching req arrives on stdout.
	Recv(wantID string) (Response, error)
	// Stop terminates the process: SIGTERM, then SIGKILL after grace.
	Stop(grace time.Duration)
	// Wait blocks until the process exits and reports its exit code.
	// Returns -1 if the exit code is unknown.
	Wait() int
	// Stderr returns the tail of the process's stderr output.
	Stderr() string
}

// OSLauncher runs tools as real child processes.
type OSLauncher struct{}

func (OSLauncher) Launch(_ context.Context, def tool.Definition) (Handle, error) {
	cmd := exec.Command(def.Command, def.Args...)
	cmd.Env = append(os.Environ(), def.Env...)
	cmd.Dir = def.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	h := &procHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &h.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", def.Command, err)
	}

	go func() {
		defer close(h.done)
		err := cmd.Wait()
		h.mu.Lock()
		defer h.mu.Unlock()
		h.exited = true
		h.exitCode = exitCodeOf(cmd, err)
	}()
	return h, nil
}

type procHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr tailBuffer
	done   chan struct{}

	mu       sync.Mutex
	exited   bool
	exitCode int
}

func (h *procHandle) Send(req Request) error {
	return WriteRequest(h.stdin, req)
}

func (h *procHandle) Recv(wantID string) (Response, error) {
	return ReadResponse(h.stdout, wantID)
}

func (h *procHandle) Stop(grace time.Duration) {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited || h.cmd.Process == nil {
		return
	}

	_ = h.stdin.Close()
	_ = h.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-h.done:
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
		<-h.done
	}
}

func (h *procHandle) Wait() int {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode
}

func (h *procHandle) Stderr() string {
	return h.stderr.String()
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// tailBuffer keeps the last chunk of stderr for diagnostics without
// letting a chatty tool grow memory unbounded.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const stderrTailCap = 4096

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > stderrTailCap {
		b.buf = b.buf[len(b.buf)-stderrTailCap:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
