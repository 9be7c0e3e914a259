package mixnet

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// writeScript creates an executable shell script named binary under
// dir whose body is body.
func writeScript(t *testing.T, dir, binary, body string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes are posix-only")
	}
	path := filepath.Join(dir, binary)
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
}

func TestRunSucceedsAndCapturesOutput(t *testing.T) {
	bin := t.TempDir()
	writeScript(t, bin, "vmni", `echo "generated protInfo"`)

	d := New(Config{BinDir: bin}, nil)
	res, err := d.GenProtocolInfo(context.Background(), t.TempDir(), "-arg")
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if res.Output == "" {
		t.Fatalf("expected captured output")
	}
}

func TestRunReturnsErrorOnNonZeroExit(t *testing.T) {
	bin := t.TempDir()
	writeScript(t, bin, "vmn", `echo "bad args" 1>&2; exit 3`)

	d := New(Config{BinDir: bin}, nil)
	res, err := d.Mix(context.Background(), t.TempDir())
	if err == nil {
		t.Fatalf("expected error on nonzero exit")
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", res.ExitCode)
	}
}

func TestRunKillsOnFatalOutputLine(t *testing.T) {
	bin := t.TempDir()
	writeScript(t, bin, "vmn", `echo "Unable to download signature!"; sleep 5; echo "should not print"`)

	d := New(Config{BinDir: bin, DefaultTimeout: 2 * time.Second}, nil)
	start := time.Now()
	res, err := d.GenPublicKey(context.Background(), t.TempDir())
	if err == nil {
		t.Fatalf("expected error when a fatal line is seen")
	}
	if !res.Killed {
		t.Fatalf("expected Killed to be true")
	}
	if time.Since(start) >= 2*time.Second {
		t.Fatalf("expected the process to be killed well before the timeout")
	}
}

func TestRunKillsViaCustomFilter(t *testing.T) {
	bin := t.TempDir()
	writeScript(t, bin, "vmn", `echo "custom fatal marker"; sleep 5`)

	filterCalled := false
	filter := func(line string) bool {
		filterCalled = true
		return line == "custom fatal marker"
	}

	d := New(Config{BinDir: bin, DefaultTimeout: 2 * time.Second}, filter)
	res, err := d.Mix(context.Background(), t.TempDir())
	if err == nil {
		t.Fatalf("expected error when custom filter triggers a kill")
	}
	if !filterCalled {
		t.Fatalf("expected filter to be invoked")
	}
	if !res.Killed {
		t.Fatalf("expected Killed to be true")
	}
}

func TestRunRespectsWorkingDirectory(t *testing.T) {
	bin := t.TempDir()
	writeScript(t, bin, "vmnv", `pwd`)

	cwd := t.TempDir()
	d := New(Config{BinDir: bin}, nil)
	res, err := d.Verify(context.Background(), cwd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resolvedCwd, _ := filepath.EvalSymlinks(cwd)
	resolvedOut, _ := filepath.EvalSymlinks(trimNewline(res.Output))
	if resolvedOut != resolvedCwd {
		t.Fatalf("expected pwd %q, got %q", resolvedCwd, resolvedOut)
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
