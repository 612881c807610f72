package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// stopGrace is how long the server process gets between stdin closing
// and SIGKILL.
const stopGrace = 5 * time.Second

// stdoutQueue bounds how many server lines buffer between exchanges.
// Past that the pipe itself applies backpressure.
const stdoutQueue = 16

// StdioConfig configures a subprocess MCP transport.
type StdioConfig struct {
	// Command is the server executable.
	Command string

	// Args are passed to the executable verbatim.
	Args []string

	// Env entries ("KEY=VALUE") are appended to the inherited
	// environment.
	Env []string

	// Logger receives transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport speaks newline-delimited JSON-RPC with an MCP server
// subprocess. The process launches on first use and stays up across
// calls; only Close or a wire failure brings it down.
type StdioTransport struct {
	cfg    StdioConfig
	logger *slog.Logger

	// slot admits one exchange at a time. A channel instead of a mutex
	// so waiters drop out when their context ends.
	slot chan struct{}

	proc *serverProc
}

// serverProc is one running server subprocess. A pump goroutine feeds
// its stdout lines into out; closing gone tells the pump the transport
// abandoned this process.
type serverProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   chan stdoutLine
	gone  chan struct{}
}

type stdoutLine struct {
	data []byte
	err  error
}

// NewStdioTransport prepares the transport; the subprocess starts
// lazily on the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		cfg:    cfg,
		logger: logger,
		slot:   make(chan struct{}, 1),
	}
}

// lock claims the exchange slot, giving up when ctx ends. A context
// already dead when the slot frees must not keep it.
func (t *StdioTransport) lock(ctx context.Context) error {
	select {
	case t.slot <- struct{}{}:
		if ctx.Err() != nil {
			t.unlock()
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *StdioTransport) unlock() { <-t.slot }

// ensureProc launches the subprocess if none is running. Caller holds
// the slot.
func (t *StdioTransport) ensureProc() (*serverProc, error) {
	if t.proc != nil && t.proc.cmd.ProcessState == nil {
		return t.proc, nil
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), t.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", t.cfg.Command, err)
	}

	p := &serverProc{
		cmd:   cmd,
		stdin: stdin,
		out:   make(chan stdoutLine, stdoutQueue),
		gone:  make(chan struct{}),
	}
	go p.pumpStdout(stdout)
	go t.logStderr(stderr)

	t.proc = p
	t.logger.Info("mcp server process started",
		"command", t.cfg.Command, "pid", cmd.Process.Pid)
	return p, nil
}

// pumpStdout moves stdout lines onto out until the pipe closes, then
// delivers the terminal error. It exits early if the transport has
// abandoned the process, so a killed server never strands the pump.
func (p *serverProc) pumpStdout(r io.Reader) {
	br := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			select {
			case p.out <- stdoutLine{err: err}:
			case <-p.gone:
			}
			return
		}
		select {
		case p.out <- stdoutLine{data: line}:
		case <-p.gone:
			return
		}
	}
}

// logStderr forwards server stderr lines to the debug log; they are
// not part of the protocol.
func (t *StdioTransport) logStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		t.logger.Debug("mcp server stderr", "line", sc.Text())
	}
}

// Send writes one request and consumes stdout lines until the answer
// with the matching ID shows up. Cancelling ctx kills the subprocess;
// that is the only way to abandon a hung read.
func (t *StdioTransport) Send(ctx context.Context, req *request) (*response, error) {
	if err := t.lock(ctx); err != nil {
		return nil, err
	}
	defer t.unlock()

	p, err := t.ensureProc()
	if err != nil {
		return nil, err
	}
	if err := t.write(p, req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			t.teardown()
			return nil, ctx.Err()
		case ln := <-p.out:
			if ln.err != nil {
				t.teardown()
				return nil, fmt.Errorf("server stdout: %w", ln.err)
			}
			var resp response
			if err := json.Unmarshal(ln.data, &resp); err != nil {
				t.logger.Debug("ignoring undecodable server line", "line", string(ln.data))
				continue
			}
			if resp.ID != req.ID {
				// Server notifications decode with a zero ID.
				t.logger.Debug("ignoring unmatched server message", "id", resp.ID)
				continue
			}
			return &resp, nil
		}
	}
}

// Notify writes one notification; nothing is read back.
func (t *StdioTransport) Notify(ctx context.Context, n *notification) error {
	if err := t.lock(ctx); err != nil {
		return err
	}
	defer t.unlock()

	p, err := t.ensureProc()
	if err != nil {
		return err
	}
	return t.write(p, n)
}

// write frames msg as one JSON line on the server's stdin. A write
// failure tears the process down so the next call relaunches.
func (t *StdioTransport) write(p *serverProc, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		t.teardown()
		return fmt.Errorf("server stdin: %w", err)
	}
	return nil
}

// Close waits for any exchange in flight, then shuts the subprocess
// down.
func (t *StdioTransport) Close() error {
	t.slot <- struct{}{}
	defer t.unlock()
	return t.shutdown()
}

// shutdown closes stdin and gives the process stopGrace to exit before
// killing it. Caller holds the slot.
func (t *StdioTransport) shutdown() error {
	p := t.proc
	if p == nil || p.cmd.Process == nil {
		return nil
	}
	t.proc = nil
	close(p.gone)

	t.logger.Info("stopping mcp server process", "pid", p.cmd.Process.Pid)
	p.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()

	select {
	case err := <-exited:
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("mcp server ignored stdin close, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-exited
		return nil
	}
}

// teardown hard-kills the subprocess after a wire failure; the next
// call starts a fresh one. Caller holds the slot.
func (t *StdioTransport) teardown() {
	p := t.proc
	if p == nil {
		return
	}
	t.proc = nil
	close(p.gone)
	p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
}
