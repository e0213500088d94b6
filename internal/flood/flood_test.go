package flood

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestCheckAllowsWithinBurst(t *testing.T) {
	cfg := Config{}
	cfg.Rules[KindChat] = Rule{PerConnRate: rate.Every(time.Minute), PerConnBurst: 2}
	l := New(cfg)

	if a := l.Check(1, 1, KindChat, ""); a != ActionAllow {
		t.Fatalf("expected first message allowed, got %v", a)
	}
	if a := l.Check(1, 1, KindChat, ""); a != ActionAllow {
		t.Fatalf("expected second message (within burst) allowed, got %v", a)
	}
}

func TestCheckReportsOverPerConnLimit(t *testing.T) {
	cfg := Config{}
	cfg.Rules[KindChat] = Rule{PerConnRate: rate.Every(time.Hour), PerConnBurst: 1, OverAction: ActionReport}
	l := New(cfg)

	if a := l.Check(1, 1, KindChat, ""); a != ActionAllow {
		t.Fatalf("expected first message allowed, got %v", a)
	}
	if a := l.Check(1, 1, KindChat, ""); a != ActionReport {
		t.Fatalf("expected second message reported, got %v", a)
	}
}

func TestCheckExemptsHighClass(t *testing.T) {
	cfg := Config{}
	cfg.Rules[KindChat] = Rule{PerConnRate: rate.Every(time.Hour), PerConnBurst: 1, MaxClassExempt: 3}
	l := New(cfg)

	l.Check(1, 3, KindChat, "")
	if a := l.Check(1, 3, KindChat, ""); a != ActionAllow {
		t.Fatalf("expected class 3 to bypass the per-conn limit, got %v", a)
	}
}

func TestCheckGlobalLimitSkipsBeforePerConn(t *testing.T) {
	cfg := Config{}
	cfg.Rules[KindChat] = Rule{
		PerConnRate: rate.Every(time.Millisecond), PerConnBurst: 100,
		GlobalRate: rate.Every(time.Hour), GlobalBurst: 1,
	}
	l := New(cfg)

	if a := l.Check(1, 1, KindChat, ""); a != ActionAllow {
		t.Fatalf("expected first message allowed, got %v", a)
	}
	if a := l.Check(2, 1, KindChat, ""); a != ActionSkip {
		t.Fatalf("expected second connection's message skipped by the global bucket, got %v", a)
	}
}

func TestSameBodyFloodTriggersBan(t *testing.T) {
	cfg := Config{MaxFloodCounterPM: 3}
	cfg.Rules[KindPM] = Rule{PerConnRate: rate.Every(time.Nanosecond), PerConnBurst: 1000}
	l := New(cfg)

	var last Action
	for i := 0; i < 3; i++ {
		last = l.Check(1, 1, KindPM, "same message")
	}
	if last != ActionBan {
		t.Fatalf("expected repeated identical body to trigger a ban, got %v", last)
	}
}

func TestDifferentBodyDoesNotAccumulate(t *testing.T) {
	cfg := Config{MaxFloodCounterPM: 2}
	cfg.Rules[KindPM] = Rule{PerConnRate: rate.Every(time.Nanosecond), PerConnBurst: 1000}
	l := New(cfg)

	l.Check(1, 1, KindPM, "a")
	a := l.Check(1, 1, KindPM, "b")
	if a == ActionBan {
		t.Fatalf("different bodies should not accumulate toward the same-body floor")
	}
}

func TestForgetClearsConnectionState(t *testing.T) {
	cfg := Config{}
	cfg.Rules[KindChat] = Rule{PerConnRate: rate.Every(time.Hour), PerConnBurst: 1}
	l := New(cfg)

	l.Check(1, 1, KindChat, "")
	l.Forget(1)
	if a := l.Check(1, 1, KindChat, ""); a != ActionAllow {
		t.Fatalf("expected fresh limiter state after Forget, got %v", a)
	}
}
