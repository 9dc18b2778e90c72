// Package backend owns the single shared automation backend process and the
// relay's one bidirectional byte channel to it.
package backend

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/muxtun/muxtun/internal/config"
)

// Process is a spawned backend reachable over stdio. Exactly one goroutine
// (the write serializer) may call Write; exactly one (the routing loop) may
// consume Output.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output chan []byte
	done   chan struct{}
	logger *slog.Logger

	wg      sync.WaitGroup
	waitErr error
}

// Spawn starts the backend process and begins scanning its stdout for
// line-delimited messages. The capability token and optional bind address
// are handed to the process through its environment.
func Spawn(cfg config.BackendConfig, logger *slog.Logger) (*Process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if cfg.CapabilityToken != "" {
		cmd.Env = append(cmd.Env, "CAPABILITY_TOKEN="+cfg.CapabilityToken)
	}
	if cfg.BindAddr != "" {
		cmd.Env = append(cmd.Env, "BIND_ADDR="+cfg.BindAddr)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start backend: %w", err)
	}

	maxLine := cfg.MaxLineBytes
	if maxLine <= 0 {
		maxLine = 4 * 1024 * 1024
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		output: make(chan []byte, 64),
		done:   make(chan struct{}),
		logger: logger.With("component", "backend"),
	}

	p.wg.Add(1)
	go p.readStdout(stdout, maxLine)
	go p.readStderr(stderr)

	// Close the output channel once the reader is done.
	go func() {
		p.wg.Wait()
		close(p.output)
	}()

	// Wait for process exit in background.
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	p.logger.Info("backend started", "command", cfg.Command, "pid", cmd.Process.Pid)
	return p, nil
}

// Write sends one complete payload to the backend's stdin, appending the
// line terminator if the caller did not.
func (p *Process) Write(payload []byte) (int, error) {
	if len(payload) > 0 && payload[len(payload)-1] != '\n' {
		payload = append(payload, '\n')
	}
	return p.stdin.Write(payload)
}

// Output yields complete backend messages, one per stdout line. The channel
// closes when the backend's stdout is exhausted.
func (p *Process) Output() <-chan []byte {
	return p.output
}

// Done is closed when the backend process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit error.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Close shuts the backend down: stdin is closed, then the process is killed
// if it has not already exited.
func (p *Process) Close() error {
	_ = p.stdin.Close()
	select {
	case <-p.done:
	default:
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		<-p.done
	}
	return nil
}

func (p *Process) readStdout(r io.Reader, maxLine int) {
	defer p.wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; copy before handing off.
		msg := make([]byte, len(line))
		copy(msg, line)
		// Once the process has exited nobody may be draining the channel
		// anymore; don't block forever on a full buffer.
		select {
		case p.output <- msg:
		case <-p.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("backend stdout read failed", "error", err)
	}
}

func (p *Process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.logger.Debug("backend stderr", "line", scanner.Text())
	}
}
