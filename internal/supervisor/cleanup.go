package supervisor

import (
	"bufio"
	"bytes"
	"errors"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"alpha_supervisor/internal/lock"

	"golang.org/x/sys/unix"
)

// OSCleaner frees the worker's resources using the host's process tools.
// Every step is best-effort; failures are logged and the next step runs.
type OSCleaner struct {
	Ports          []int
	RivalMarker    string
	WorkerLockFile string
	Grace          time.Duration

	// run executes an external command and returns its stdout.
	run        func(name string, args ...string) ([]byte, error)
	kill       func(pid int, sig unix.Signal) error
	pidAlive   func(int) bool
	groupAlive func(pgid int) bool
}

func NewOSCleaner(ports []int, rivalMarker, workerLockFile string, grace time.Duration) *OSCleaner {
	return &OSCleaner{
		Ports:          ports,
		RivalMarker:    rivalMarker,
		WorkerLockFile: workerLockFile,
		Grace:          grace,
		run:            runCommand,
		kill:           unix.Kill,
		pidAlive:       lock.PIDAlive,
		groupAlive:     processGroupAlive,
	}
}

// processGroupAlive reports whether any process is left in group pgid.
func processGroupAlive(pgid int) bool {
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// Cleanup kills the tracked child, any holder of a reserved port and any
// rival supervisor, then drops a stale worker lock file.
func (c *OSCleaner) Cleanup(trackedPID int) {
	self, parent := os.Getpid(), os.Getppid()
	skip := map[int]bool{self: true, parent: true}

	if trackedPID > 0 && !skip[trackedPID] {
		c.terminate(trackedPID, "previous worker", true)
		skip[trackedPID] = true
	}

	for _, port := range c.Ports {
		for _, pid := range c.portHolders(port) {
			if skip[pid] {
				continue
			}
			c.terminate(pid, "port "+strconv.Itoa(port)+" holder", false)
			skip[pid] = true
		}
	}

	if c.RivalMarker != "" {
		out, err := c.run("ps", "-eo", "pid=,args=")
		if err != nil {
			log.Printf("Warning: process scan failed: %v", err)
		} else {
			for _, pid := range parseRivals(out, c.RivalMarker, skip) {
				c.terminate(pid, "rival supervisor", false)
				skip[pid] = true
			}
		}
	}

	if c.WorkerLockFile != "" {
		removed, err := lock.RemoveStale(c.WorkerLockFile)
		if err != nil {
			log.Printf("Warning: stale worker lock removal failed: %v", err)
		} else if removed {
			log.Printf("🧹 Removed stale worker lock %s", c.WorkerLockFile)
		}
	}
}

func (c *OSCleaner) portHolders(port int) []int {
	out, err := c.run("lsof", "-ti", "tcp:"+strconv.Itoa(port), "-sTCP:LISTEN")
	if err != nil {
		// lsof exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil
		}
		log.Printf("Warning: port scan for %d failed: %v", port, err)
		return nil
	}
	return parsePIDs(out)
}

// terminate sends SIGTERM, waits up to Grace, then SIGKILL. With group set
// and pid leading a live process group, the whole group is signalled, which
// also catches helpers that outlived the worker.
func (c *OSCleaner) terminate(pid int, what string, group bool) {
	target, alive := pid, func() bool { return c.pidAlive(pid) }
	if group && c.groupAlive(pid) {
		target, alive = -pid, func() bool { return c.groupAlive(pid) }
	}
	if !alive() {
		return
	}
	log.Printf("🔪 Terminating %s (pid %d)", what, pid)
	if err := c.kill(target, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return
		}
		log.Printf("Warning: SIGTERM pid %d: %v", target, err)
	}

	deadline := time.Now().Add(c.Grace)
	for time.Now().Before(deadline) {
		if !alive() {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !alive() {
		return
	}

	log.Printf("Warning: pid %d ignored SIGTERM, sending SIGKILL", target)
	if err := c.kill(target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Printf("Warning: SIGKILL pid %d: %v", target, err)
	}
}

// parsePIDs reads one PID per line, ignoring anything non-numeric.
func parsePIDs(out []byte) []int {
	var pids []int
	seen := map[int]bool{}
	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}

// parseRivals scans "pid args..." lines and returns PIDs whose command line
// contains marker, minus the excluded ones.
func parseRivals(out []byte, marker string, exclude map[int]bool) []int {
	var pids []int
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		pidStr, args, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil || exclude[pid] {
			continue
		}
		if strings.Contains(args, marker) {
			pids = append(pids, pid)
		}
	}
	return pids
}
