// Package mixnet wraps the external vmni/vmn/vmnc/vmnv verificatum
// binaries (spec.md §4.5), the same way test/contract/neoexpress.go
// wraps the neoxp CLI: a cwd-pinned exec.CommandContext, merged
// stdout+stderr streamed to an output filter, a wall-clock timeout,
// and an exit-code assertion.
package mixnet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// fatalSubstrings mirrors the original's kill-on-sight stderr patterns
// (vmn hangs waiting on network input after certain failures instead
// of exiting, so the driver has to kill it itself).
var fatalSubstrings = []string{
	"Unable to download signature!",
	"ERROR: Invalid socket address!",
	"Failed to parse info files!",
	"Exception in thread \"main\"",
}

// OutputFilter inspects one line of merged stdout+stderr as it
// streams. Returning true tells the driver to kill the subprocess
// immediately instead of waiting for it to exit on its own.
type OutputFilter func(line string) (kill bool)

// Config configures where the vfork binaries live and how to invoke
// them.
type Config struct {
	// BinDir holds vmni/vmn/vmnc/vmnv, or "" to resolve from PATH.
	BinDir string
	// KillAllBeforeStart, when true, kills any lingering processes
	// named "vmn" before launching a new one, mirroring
	// EO_KILL_VFORK_BEFORE_START / kill_process_by_name("vmn").
	KillAllBeforeStart bool
	// DefaultTimeout bounds every invocation; a deadline on the
	// caller's context can only shorten it. Zero means 4 hours.
	DefaultTimeout time.Duration
}

// Driver runs mixnet subprocess commands with a fixed working
// directory and an optional output filter applied to every
// invocation.
type Driver struct {
	cfg    Config
	filter OutputFilter
}

// New returns a Driver. filter may be nil, in which case only the
// built-in fatalSubstrings check applies.
func New(cfg Config, filter OutputFilter) *Driver {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 4 * time.Hour
	}
	return &Driver{cfg: cfg, filter: filter}
}

// Result carries a completed invocation's merged output and exit
// status.
type Result struct {
	Output   string
	ExitCode int
	Killed   bool
}

func (d *Driver) bin(name string) string {
	if d.cfg.BinDir == "" {
		return name
	}
	return d.cfg.BinDir + string(os.PathSeparator) + name
}

// run executes binary with args inside cwd, streaming merged output
// through the filter chain, killing the process on a fatal line or on
// context deadline, and returning once the process exits or is
// killed.
func (d *Driver) run(ctx context.Context, cwd, binary string, args ...string) (*Result, error) {
	if d.cfg.KillAllBeforeStart {
		killProcessesByName("vmn")
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.DefaultTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.bin(binary), args...)
	cmd.Dir = cwd

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var buf strings.Builder
	var mu sync.Mutex
	killed := false

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mixnet: start %s: %w", binary, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			buf.WriteString(line)
			buf.WriteByte('\n')
			mu.Unlock()

			if isFatalLine(line) || (d.filter != nil && d.filter(line)) {
				mu.Lock()
				killed = true
				mu.Unlock()
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			}
		}
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-done

	mu.Lock()
	out := buf.String()
	wasKilled := killed
	mu.Unlock()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() == context.DeadlineExceeded {
			return &Result{Output: out, ExitCode: -1, Killed: true}, fmt.Errorf("mixnet: %s timed out: %w", binary, ctx.Err())
		} else if !wasKilled {
			return &Result{Output: out, ExitCode: -1}, fmt.Errorf("mixnet: run %s: %w", binary, waitErr)
		}
	}

	if wasKilled {
		return &Result{Output: out, ExitCode: exitCode, Killed: true}, fmt.Errorf("mixnet: %s killed after fatal output", binary)
	}
	if exitCode != 0 {
		return &Result{Output: out, ExitCode: exitCode}, fmt.Errorf("mixnet: %s exited %d: %s", binary, exitCode, lastLines(out, 5))
	}
	return &Result{Output: out, ExitCode: exitCode}, nil
}

func isFatalLine(line string) bool {
	for _, s := range fatalSubstrings {
		if strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
