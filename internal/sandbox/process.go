package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/danshapiro/analyst/internal/procutil"
)

// WorkerCommand is the hidden CLI subcommand that serves one job.
const WorkerCommand = "sandbox-worker"

// replyOverhead is stdout room beyond the payload cap for printed output and
// mappings.
const replyOverhead = 256 << 10

// ProcessWorker runs each job in a fresh child process in its own process
// group. On cancellation the whole group is killed.
type ProcessWorker struct {
	// Path is the binary to execute; empty means the running executable.
	Path string
	// Args defaults to []string{WorkerCommand}.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// WaitDelay bounds how long Wait waits for I/O after the kill.
	WaitDelay time.Duration
	// Started, when set, observes the child's pid (the process group id).
	Started func(pid int)
	Logger  *slog.Logger
}

func (w *ProcessWorker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *ProcessWorker) Run(ctx context.Context, job Job) ([]byte, error) {
	path := w.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
		path = exe
	}
	args := w.Args
	if len(args) == 0 {
		args = []string{WorkerCommand}
	}
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = append(os.Environ(), w.Env...)
	cmd.Stdin = bytes.NewReader(body)
	// Run in its own process group so we can kill the entire tree on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return procutil.KillGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = w.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	stdout := &cappedBuffer{limit: max(job.MaxOutputBytes, DefaultMaxOutputBytes) + replyOverhead}
	stderr := &cappedBuffer{limit: 16 << 10}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start sandbox worker: %w", err)
	}
	pgid := cmd.Process.Pid
	if w.Started != nil {
		w.Started(pgid)
	}
	err = cmd.Wait()
	if procutil.GroupAlive(pgid) {
		w.logger().Warn("sandbox worker left processes behind; killing group", "pgid", pgid)
		_ = procutil.KillGroup(pgid)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if stdout.overflow {
		return nil, fmt.Errorf("sandbox worker reply exceeds limit of %d bytes (output size)", stdout.limit)
	}
	if err != nil && stdout.Len() == 0 {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = "no output"
		}
		return nil, fmt.Errorf("sandbox worker exited: %w: %s", err, causeLine(msg))
	}
	return stdout.Bytes(), nil
}

// causeLine picks the line of worker stderr that names the failure. The Go
// runtime prints "fatal error: runtime: out of memory" before its traces.
func causeLine(s string) string {
	lines := strings.Split(s, "\n")
	for _, l := range lines {
		if strings.Contains(l, "fatal error") {
			return strings.TrimSpace(l)
		}
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// ServeWorker is the child side of ProcessWorker: it reads one Job from r,
// applies the memory ceiling, runs it and writes the Reply to w.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer) error {
	var job Job
	dec := json.NewDecoder(r)
	if err := dec.Decode(&job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}
	if job.MemoryBytes > 0 {
		debug.SetMemoryLimit(job.MemoryBytes)
	}
	reply := RunJob(ctx, job)
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return nil
}

// cappedBuffer keeps at most limit bytes and remembers whether more arrived.
// It deliberately has no ReadFrom so io.Copy goes through Write.
type cappedBuffer struct {
	buf      bytes.Buffer
	limit    int
	overflow bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if len(p) > room {
		b.overflow = true
		if room > 0 {
			b.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) Len() int       { return b.buf.Len() }
func (b *cappedBuffer) Bytes() []byte  { return b.buf.Bytes() }
func (b *cappedBuffer) String() string { return b.buf.String() }
