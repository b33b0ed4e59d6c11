package supervisor

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"golang.org/x/sys/unix"
)

func TestParsePIDs(t *testing.T) {
	got := parsePIDs([]byte("123\n456\n\n123\nnot-a-pid\n0\n"))
	if !reflect.DeepEqual(got, []int{123, 456}) {
		t.Errorf("parsePIDs = %v", got)
	}
	if got := parsePIDs(nil); got != nil {
		t.Errorf("Expected nil for empty output, got %v", got)
	}
}

func TestParseRivals(t *testing.T) {
	out := []byte(strings.Join([]string{
		"    1 /sbin/init",
		"  200 /usr/local/bin/alpha_supervisor",
		"  300 /usr/local/bin/alpha_supervisor --test",
		"  400 node dist/index.js",
		"  500 /usr/local/bin/alpha_supervisor",
		"garbage",
	}, "\n"))

	got := parseRivals(out, "alpha_supervisor", map[int]bool{500: true})
	if !reflect.DeepEqual(got, []int{200, 300}) {
		t.Errorf("parseRivals = %v", got)
	}
}

type killCall struct {
	pid int
	sig unix.Signal
}

func TestCleanup_KillsPortHoldersAndRivals(t *testing.T) {
	self := os.Getpid()
	lockPath := filepath.Join(t.TempDir(), "worker.lock")
	os.WriteFile(lockPath, []byte(`{"pid":999999999,"timestamp":1}`), 0o644)

	alive := map[int]bool{11: true, 22: true, 33: true, self: true}
	var kills []killCall

	c := NewOSCleaner([]int{3000}, "alpha_supervisor", lockPath, 0)
	c.run = func(name string, args ...string) ([]byte, error) {
		switch name {
		case "lsof":
			if args[1] != "tcp:3000" {
				t.Errorf("Unexpected lsof args %v", args)
			}
			return []byte("22\n" + strconv.Itoa(self) + "\n"), nil
		case "ps":
			return []byte("   33 alpha_supervisor\n   " + strconv.Itoa(self) + " alpha_supervisor\n   44 bash\n"), nil
		}
		t.Fatalf("Unexpected command %s", name)
		return nil, nil
	}
	c.kill = func(pid int, sig unix.Signal) error {
		kills = append(kills, killCall{pid, sig})
		if pid < 0 {
			pid = -pid
		}
		if sig == unix.SIGTERM && pid != 33 {
			alive[pid] = false
		}
		if sig == unix.SIGKILL {
			alive[pid] = false
		}
		return nil
	}
	c.pidAlive = func(pid int) bool { return alive[pid] }
	c.groupAlive = func(pgid int) bool { return pgid == 11 && alive[11] }

	c.Cleanup(11)

	want := []killCall{
		{-11, unix.SIGTERM}, // the previous worker's whole group
		{22, unix.SIGTERM},
		{33, unix.SIGTERM},
		{33, unix.SIGKILL}, // ignores SIGTERM, zero grace
	}
	if !reflect.DeepEqual(kills, want) {
		t.Errorf("kills = %v, want %v", kills, want)
	}
	if _, err := os.Stat(lockPath); !os.IsNotExist(err) {
		t.Errorf("Expected stale worker lock removed")
	}

	// Second run on a clean machine does nothing.
	kills = nil
	c.run = func(name string, args ...string) ([]byte, error) { return nil, nil }
	c.Cleanup(0)
	if len(kills) != 0 {
		t.Errorf("Expected idempotent cleanup, got kills %v", kills)
	}
}

func TestCleanup_SignalsGroupOfDeadWorker(t *testing.T) {
	// The worker itself is gone, but a helper it spawned still runs in its group.
	groupLeft := true
	var kills []killCall

	c := NewOSCleaner(nil, "", "", 0)
	c.run = func(name string, args ...string) ([]byte, error) { return nil, nil }
	c.pidAlive = func(int) bool { return false }
	c.groupAlive = func(pgid int) bool { return pgid == 77 && groupLeft }
	c.kill = func(pid int, sig unix.Signal) error {
		kills = append(kills, killCall{pid, sig})
		if pid == -77 && sig == unix.SIGTERM {
			groupLeft = false
		}
		return nil
	}

	c.Cleanup(77)

	want := []killCall{{-77, unix.SIGTERM}}
	if !reflect.DeepEqual(kills, want) {
		t.Errorf("kills = %v, want %v", kills, want)
	}
}
