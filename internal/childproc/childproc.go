// Package childproc implements the Child Driver: it spawns the runner
// subprocess for one plugin instance, owns its three standard streams,
// drains standard error, and parses standard output into typed
// protocol.Message values delivered over a bounded channel.
//
// Grounded on exec.Run (os/exec with context and piped
// streams) generalized from one-shot command capture to a long-lived
// process with a persistent stdin writer and a streaming stdout reader.
package childproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nullboard/pluginsup/internal/protocol"
	"github.com/nullboard/pluginsup/internal/runner"
)

// messageBacklog is the bounded capacity of the per-instance parsed-message
// channel, providing back-pressure against a child that produces faster
// than the supervisor consumes.
const messageBacklog = 128

// Child is a running runner subprocess for one plugin instance. It
// satisfies registry.ChildHandle.
type Child struct {
	cmd       *exec.Cmd
	stdin     *bufio.Writer
	stdinPipe io.WriteCloser
	messages  chan protocol.Message

	spawnID string // uuid, used only in log fields

	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}
}

// SpawnParams carries the optional per-instance inputs forwarded to the
// runner alongside the plugin source path: params is written to a JSON
// scratch file under tempDir, and the runner exposes both to the Lua
// plugin as globals. Either field may be left zero-valued.
type SpawnParams struct {
	Params  map[string]any
	TempDir string
}

// Spawn launches a runner subprocess for sourcePath under instanceID,
// re-executing the supervisor's own binary with the hidden runner flag
// rather than shelling out to an installed interpreter (see
// internal/runner for the rationale). It starts the stderr drain and stdout
// parser goroutines before returning.
func Spawn(ctx context.Context, sourcePath string, instanceID uint64, logger *slog.Logger, sp SpawnParams) (*Child, error) {
	if logger == nil {
		logger = slog.Default()
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("childproc: resolve supervisor binary: %w", err)
	}

	spawnID := uuid.NewString()

	args := []string{
		runner.FlagName,
		"--plugin-path", sourcePath,
		"--instance-id", strconv.FormatUint(instanceID, 10),
	}

	if sp.TempDir != "" {
		args = append(args, "--temp-dir", sp.TempDir)
	}
	if len(sp.Params) > 0 {
		paramsPath, err := writeParamsFile(sp.TempDir, instanceID, sp.Params)
		if err != nil {
			return nil, fmt.Errorf("childproc: write params file: %w", err)
		}
		args = append(args, "--params-file", paramsPath)
	}

	cmd := exec.Command(self, args...)
	cmd.Env = os.Environ()

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("childproc: stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("childproc: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("childproc: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("childproc: spawn runner: %w", err)
	}

	c := &Child{
		cmd:       cmd,
		stdin:     bufio.NewWriter(stdinPipe),
		stdinPipe: stdinPipe,
		messages:  make(chan protocol.Message, messageBacklog),
		spawnID:   spawnID,
		waitDone:  make(chan struct{}),
	}

	go c.drainStderr(stderrPipe, logger, instanceID)
	go c.parseStdout(stdoutPipe, logger, instanceID)
	go c.reap(logger, instanceID)

	logger.Debug("runner spawned", "instance_id", instanceID, "spawn_id", spawnID, "source_path", sourcePath)
	return c, nil
}

// drainStderr logs every line the child writes to standard error. It never
// feeds the correlator; its sole purpose is preventing pipe-fill deadlock
// here.
func (c *Child) drainStderr(r io.Reader, logger *slog.Logger, instanceID uint64) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		logger.Error("runner stderr", "instance_id", instanceID, "line", scanner.Text())
	}
}

// parseStdout reads the child's standard output line by line, forwarding
// successfully parsed messages to the bounded channel and logging/dropping
// everything else. It closes the channel when the stream ends.
func (c *Child) parseStdout(r io.Reader, logger *slog.Logger, instanceID uint64) {
	defer close(c.messages)
	_ = protocol.ScanMessages(r, func(msg protocol.Message) {
		if msg.InstanceID != instanceID {
			logger.Debug("runner message for mismatched instance discarded", "expected", instanceID, "got", msg.InstanceID)
			return
		}
		c.messages <- msg
	}, func(line string, err error) {
		logger.Debug("runner stdout line discarded", "instance_id", instanceID, "error", err)
	})
}

func (c *Child) reap(logger *slog.Logger, instanceID uint64) {
	err := c.cmd.Wait()
	c.waitErr = err
	close(c.waitDone)
	if err != nil {
		logger.Debug("runner exited", "instance_id", instanceID, "error", err)
	} else {
		logger.Debug("runner exited", "instance_id", instanceID)
	}
}

// Messages returns the receive side of the bounded channel of parsed
// protocol messages for this instance.
func (c *Child) Messages() <-chan protocol.Message {
	return c.messages
}

// Send writes a request line to the child's standard input and flushes it.
func (c *Child) Send(req protocol.Request) error {
	return protocol.WriteRequest(c.stdin, req)
}

// CloseStdin closes the child's standard input, the cooperative-exit signal
// a runner observes as EOF on its request-reading loop.
func (c *Child) CloseStdin() error {
	return c.stdinPipe.Close()
}

// Kill forcibly terminates the child process.
func (c *Child) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Wait returns immediately and, once the child process has been reaped,
// sends the outcome on doneCh. It applies no deadline of its own; callers
// bound the wait themselves. It is safe to call concurrently with Kill.
func (c *Child) Wait(doneCh chan<- error) {
	go func() {
		<-c.waitDone
		doneCh <- c.waitErr
	}()
}

// WaitTimeout blocks for up to d for the child to be reaped, returning
// false if the deadline elapses first. It is the synchronous counterpart to
// Wait used by the supervisor's fixed-deadline stop sequence.
func (c *Child) WaitTimeout(d time.Duration) (exited bool, err error) {
	select {
	case <-c.waitDone:
		return true, c.waitErr
	case <-time.After(d):
		return false, nil
	}
}

// writeParamsFile serializes params to a scratch JSON file under dir (the
// OS temp directory when dir is empty) so the runner subprocess, which has
// no other channel for arbitrary structured input, can load it at boot.
func writeParamsFile(dir string, instanceID uint64, params map[string]any) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("pluginsup-params-%d.json", instanceID))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
