package mixnet

import (
	"os/exec"
	"runtime"
)

// killProcessesByName best-effort kills lingering processes matching
// name, mirroring EO_KILL_VFORK_BEFORE_START's
// kill_process_by_name("vmn") guard against a stuck prior run
// blocking the next one. Errors are ignored: absence of any matching
// process is the common case, not a failure.
func killProcessesByName(name string) {
	if runtime.GOOS == "windows" {
		_ = exec.Command("taskkill", "/F", "/IM", name+".exe").Run()
		return
	}
	_ = exec.Command("pkill", "-f", name).Run()
}
