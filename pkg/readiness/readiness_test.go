package readiness

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/TeleVPS/pkg/engine/enginetest"
	"github.com/jxucoder/TeleVPS/pkg/procrun"
)

const marker = "SSH: ssh abc@nyc1.tmate.io\nWeb: https://tmate.io/t/abc"

func TestWaitReady_MarkerPresent(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_1_aaaaa"})
	eng.WriteFile(c.ID, DefaultMarkerPath, "\n  "+marker+"\n\n")

	var argvs [][]string
	var mu sync.Mutex
	eng.ExecHook = func(_ *enginetest.Container, argv []string) (procrun.Result, bool) {
		mu.Lock()
		argvs = append(argvs, argv)
		mu.Unlock()
		return procrun.Result{}, false
	}

	p := New(eng, WithInterval(10*time.Millisecond), WithEnsureSession(true, ""))
	for i := 0; i < 2; i++ {
		res := p.WaitReady(context.Background(), c.ID, time.Second)
		if !res.Ready {
			t.Fatalf("wait %d: expected ready, reason %q", i, res.Reason)
		}
		if res.Token != marker {
			t.Fatalf("wait %d: token = %q, want trimmed marker", i, res.Token)
		}
		if res.Attempts != 1 {
			t.Fatalf("wait %d: attempts = %d, want 1", i, res.Attempts)
		}
	}

	for _, argv := range argvs {
		if argv[0] != "cat" {
			t.Fatalf("session setup must not run when the marker is already present, saw %v", argv)
		}
	}
}

func TestWaitReady_AppearsLater(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_1_bbbbb"})

	var n int
	eng.ExecHook = func(ct *enginetest.Container, argv []string) (procrun.Result, bool) {
		n++
		if n == 3 {
			ct.Files[DefaultMarkerPath] = marker
		}
		return procrun.Result{}, false
	}

	res := New(eng, WithInterval(5*time.Millisecond)).WaitReady(context.Background(), c.ID, 2*time.Second)
	if !res.Ready || res.Token != marker {
		t.Fatalf("expected ready with marker, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
}

func TestWaitReady_Timeout(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_1_ccccc"})
	eng.WriteFile(c.ID, DefaultMarkerPath, "   \n")

	start := time.Now()
	res := New(eng, WithInterval(10*time.Millisecond)).WaitReady(context.Background(), c.ID, 80*time.Millisecond)
	elapsed := time.Since(start)

	if res.Ready || res.Token != "" {
		t.Fatalf("whitespace-only marker must not count as ready: %+v", res)
	}
	if res.Reason != ReasonTimeout {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonTimeout)
	}
	if res.Attempts < 2 {
		t.Fatalf("expected repeated probes, got %d", res.Attempts)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("wait overran its timeout: %s", elapsed)
	}
}

func TestWaitReady_TimeoutKeepsProbeDiagnostic(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_1_ddddd"})

	res := New(eng, WithInterval(10*time.Millisecond)).WaitReady(context.Background(), c.ID, 50*time.Millisecond)
	if res.Ready {
		t.Fatal("expected not ready")
	}
	if !strings.HasPrefix(res.Reason, ReasonTimeout+": ") || !strings.Contains(res.Reason, "No such file") {
		t.Fatalf("reason = %q, want timeout with probe diagnostic", res.Reason)
	}
}

func TestWaitReady_Canceled(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_1_eeeee"})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	res := New(eng, WithInterval(10*time.Millisecond)).WaitReady(ctx, c.ID, time.Minute)
	if res.Ready {
		t.Fatal("expected not ready")
	}
	if res.Reason != ReasonCanceled {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonCanceled)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not stop the wait promptly")
	}
}

func TestProbe(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_1_fffff"})
	p := New(eng, WithMarkerPath("/run/link.txt"))

	if token, reason := p.Probe(context.Background(), c.ID); token != "" || reason == "" {
		t.Fatalf("missing marker: token=%q reason=%q", token, reason)
	}

	eng.WriteFile(c.ID, "/run/link.txt", marker+"\n")
	token, reason := p.Probe(context.Background(), c.ID)
	if token != marker || reason != "" {
		t.Fatalf("token=%q reason=%q", token, reason)
	}
}

// tmateStub simulates a container image without tmate preinstalled.
type tmateStub struct {
	mu        sync.Mutex
	installed bool
	started   bool
	scripts   []string
	installs  int
	sessions  int
}

func (s *tmateStub) hook(c *enginetest.Container, argv []string) (procrun.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case argv[0] == "sh" && argv[2] == "command -v tmate":
		s.scripts = append(s.scripts, argv[2])
		if !s.installed {
			return procrun.Result{ExitCode: 1}, true
		}
		return procrun.Result{Stdout: "/usr/bin/tmate\n"}, true
	case argv[0] == "sh" && argv[2] == DefaultInstallCmd:
		s.installs++
		s.installed = true
		return procrun.Result{}, true
	case argv[0] == "sh" && len(argv) == 6:
		c.Files[argv[5]] = argv[4] + "\n"
		return procrun.Result{}, true
	case argv[0] == "tmate":
		switch argv[3] {
		case "new-session":
			s.sessions++
			s.started = true
		case "display":
			if argv[5] == "#{tmate_ssh}" {
				return procrun.Result{Stdout: "ssh abc@nyc1.tmate.io\n"}, true
			}
			return procrun.Result{Stdout: "https://tmate.io/t/abc\n"}, true
		}
		return procrun.Result{}, true
	}
	return procrun.Result{}, false
}

func TestWaitReady_EnsureSession(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_1_11111"})
	stub := &tmateStub{}
	eng.ExecHook = stub.hook

	p := New(eng, WithInterval(10*time.Millisecond), WithEnsureSession(true, ""))
	res := p.WaitReady(context.Background(), c.ID, 2*time.Second)
	if !res.Ready {
		t.Fatalf("expected ready, reason %q", res.Reason)
	}
	if res.Token != marker {
		t.Fatalf("token = %q, want %q", res.Token, marker)
	}
	if stub.installs != 1 || stub.sessions != 1 {
		t.Fatalf("installs=%d sessions=%d, want 1 each", stub.installs, stub.sessions)
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (initial read + read after setup)", res.Attempts)
	}
}

func TestWaitReady_EnsureSessionRunsOnce(t *testing.T) {
	eng := enginetest.NewFake()
	c := eng.Add(enginetest.Container{Name: "vps_1_22222"})

	var mu sync.Mutex
	installs := 0
	eng.ExecHook = func(_ *enginetest.Container, argv []string) (procrun.Result, bool) {
		if argv[0] == "cat" {
			return procrun.Result{}, false
		}
		mu.Lock()
		defer mu.Unlock()
		if argv[0] == "sh" && argv[2] == "command -v tmate" {
			return procrun.Result{ExitCode: 1}, true
		}
		if argv[0] == "sh" {
			installs++
			return procrun.Result{ExitCode: 100, Stderr: "E: Unable to locate package tmate"}, true
		}
		return procrun.Result{}, true
	}

	p := New(eng, WithInterval(5*time.Millisecond), WithEnsureSession(true, "apk add tmate"))
	res := p.WaitReady(context.Background(), c.ID, 60*time.Millisecond)
	if res.Ready {
		t.Fatal("expected not ready")
	}
	if installs != 1 {
		t.Fatalf("install attempted %d times, want 1", installs)
	}
	if !strings.Contains(res.Reason, "Unable to locate package tmate") {
		t.Fatalf("reason = %q, want install diagnostic", res.Reason)
	}
}
