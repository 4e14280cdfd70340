package rpcmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/wirefold/wsrouter/observability"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.CleanupInterval == 0 {
		// Keep the background loop quiet; tests drive Sweep directly.
		cfg.CleanupInterval = time.Hour
	}
	m := New(cfg)
	t.Cleanup(m.Close)
	return m
}

func admit(t *testing.T, m *Manager, client, corr string) {
	t.Helper()
	res, ctx := m.Admit(client, corr, time.Now(), time.Now().Add(time.Minute))
	if res != AdmitOK || ctx == nil {
		t.Fatalf("admit %s/%s: %v", client, corr, res)
	}
}

func TestOneShotClaim(t *testing.T) {
	m := newTestManager(t, Config{})
	admit(t, m, "a", "c1")

	if m.IsTerminal("a", "c1") {
		t.Fatal("pending record reported terminal")
	}
	if !m.ClaimTerminal("a", "c1", observability.RPCResultReply) {
		t.Fatal("first claim lost")
	}
	if m.ClaimTerminal("a", "c1", observability.RPCResultReply) {
		t.Fatal("second claim won")
	}
	if !m.IsTerminal("a", "c1") {
		t.Fatal("claimed record not terminal")
	}
	// Absent records are terminal (fail closed).
	if !m.IsTerminal("a", "never-admitted") {
		t.Fatal("absent record not treated as terminal")
	}
}

func TestExistsTracksRecordLifetime(t *testing.T) {
	m := newTestManager(t, Config{DedupWindow: 50 * time.Millisecond})
	if m.Exists("a", "c1") {
		t.Fatal("record exists before admission")
	}
	admit(t, m, "a", "c1")
	if !m.Exists("a", "c1") {
		t.Fatal("pending record not found")
	}
	m.ClaimTerminal("a", "c1", observability.RPCResultReply)
	// Terminal records stay visible inside the dedup window.
	if !m.Exists("a", "c1") {
		t.Fatal("terminal record dropped before dedup window")
	}
	m.Sweep(time.Now().Add(200 * time.Millisecond))
	if m.Exists("a", "c1") {
		t.Fatal("record survived the sweep")
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	m := newTestManager(t, Config{})
	admit(t, m, "a", "c1")

	const n = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ClaimTerminal("a", "c1", observability.RPCResultReply) {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	if len(wins) != 1 {
		t.Fatalf("want exactly one winner, got %d", len(wins))
	}
}

func TestInflightCap(t *testing.T) {
	m := newTestManager(t, Config{MaxInflightPerClient: 2})
	admit(t, m, "a", "c1")
	admit(t, m, "a", "c2")

	res, _ := m.Admit("a", "c3", time.Now(), time.Time{})
	if res != AdmitLimitExceeded {
		t.Fatalf("over-cap admit: %v", res)
	}
	// Another client is unaffected.
	res, _ = m.Admit("b", "c1", time.Now(), time.Time{})
	if res != AdmitOK {
		t.Fatalf("other client admit: %v", res)
	}
	// Terminal frees a slot.
	m.ClaimTerminal("a", "c1", observability.RPCResultReply)
	res, _ = m.Admit("a", "c3", time.Now(), time.Time{})
	if res != AdmitOK {
		t.Fatalf("post-terminal admit: %v", res)
	}
	if got := m.PendingCount("a"); got != 2 {
		t.Fatalf("pending count: %d", got)
	}
}

func TestDuplicateCorrelationSuppressed(t *testing.T) {
	m := newTestManager(t, Config{})
	admit(t, m, "a", "c1")
	if res, _ := m.Admit("a", "c1", time.Now(), time.Time{}); res != AdmitDuplicate {
		t.Fatalf("duplicate while pending: %v", res)
	}
	m.ClaimTerminal("a", "c1", observability.RPCResultReply)
	// Still duplicate inside the dedup window.
	if res, _ := m.Admit("a", "c1", time.Now(), time.Time{}); res != AdmitDuplicate {
		t.Fatalf("duplicate after terminal: %v", res)
	}
}

func TestAbortFiresCancelsInOrderAndSignals(t *testing.T) {
	m := newTestManager(t, Config{})
	res, ctx := m.Admit("a", "c1", time.Now(), time.Time{})
	if res != AdmitOK {
		t.Fatal(res)
	}

	var order []int
	m.RegisterCancel("a", "c1", func(r CancelReason) {
		if r != ReasonClientAbort {
			t.Errorf("reason: %v", r)
		}
		order = append(order, 1)
	})
	m.RegisterCancel("a", "c1", func(CancelReason) { panic("observer boom") })
	m.RegisterCancel("a", "c1", func(CancelReason) { order = append(order, 3) })
	removed := 0
	unreg := m.RegisterCancel("a", "c1", func(CancelReason) { removed++ })
	unreg()

	if !m.Abort("a", "c1", ReasonClientAbort) {
		t.Fatal("abort did not cancel")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("abort context did not fire")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("cancel order: %v", order)
	}
	if removed != 0 {
		t.Fatal("unregistered callback ran")
	}
	// Second abort is a no-op; callbacks already ran exactly once.
	if m.Abort("a", "c1", ReasonClientAbort) {
		t.Fatal("abort repeated")
	}
	// A reply after abort is suppressed.
	if m.ClaimTerminal("a", "c1", observability.RPCResultReply) {
		t.Fatal("claim after abort won")
	}
}

func TestDisconnectCancelsAllPending(t *testing.T) {
	m := newTestManager(t, Config{})
	fired := make(map[string]int)
	for _, corr := range []string{"c1", "c2", "c3"} {
		corr := corr
		admit(t, m, "a", corr)
		m.RegisterCancel("a", corr, func(r CancelReason) {
			if r != ReasonDisconnect {
				t.Errorf("reason: %v", r)
			}
			fired[corr]++
		})
	}
	admit(t, m, "b", "c1")

	m.Disconnect("a")

	for _, corr := range []string{"c1", "c2", "c3"} {
		if fired[corr] != 1 {
			t.Fatalf("callback for %s ran %d times", corr, fired[corr])
		}
		if !m.IsTerminal("a", corr) {
			t.Fatalf("%s not terminal after disconnect", corr)
		}
	}
	if m.PendingCount("a") != 0 {
		t.Fatal("pending records survived disconnect")
	}
	if m.IsTerminal("b", "c1") {
		t.Fatal("other client affected")
	}
}

func TestSweepIdleAndDedup(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: 50 * time.Millisecond, DedupWindow: 50 * time.Millisecond})
	admit(t, m, "a", "idle")
	idleCancelled := make(chan CancelReason, 1)
	m.RegisterCancel("a", "idle", func(r CancelReason) { idleCancelled <- r })

	admit(t, m, "a", "done")
	m.ClaimTerminal("a", "done", observability.RPCResultReply)

	m.Sweep(time.Now().Add(200 * time.Millisecond))

	select {
	case r := <-idleCancelled:
		if r != ReasonIdle {
			t.Fatalf("reason: %v", r)
		}
	default:
		t.Fatal("idle record not cancelled")
	}
	// The dedup window has passed: the terminal record is gone and the
	// correlation id is admittable again.
	if res, _ := m.Admit("a", "done", time.Now(), time.Time{}); res != AdmitOK {
		t.Fatalf("re-admit after dedup window: %v", res)
	}
}

func TestSweepDeadlineExpiry(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: time.Hour})
	now := time.Now()
	res, ctx := m.Admit("a", "c1", now, now.Add(10*time.Millisecond))
	if res != AdmitOK {
		t.Fatal(res)
	}
	reason := make(chan CancelReason, 1)
	m.RegisterCancel("a", "c1", func(r CancelReason) { reason <- r })

	m.Sweep(now.Add(time.Second))

	select {
	case r := <-reason:
		if r != ReasonDeadline {
			t.Fatalf("reason: %v", r)
		}
	default:
		t.Fatal("deadline record not cancelled")
	}
	select {
	case <-ctx.Done():
	default:
		t.Fatal("abort context did not fire on deadline expiry")
	}
}

func TestTouchProgressDefersIdleExpiry(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: 100 * time.Millisecond})
	start := time.Now()
	admit(t, m, "a", "c1")

	// Progress refreshes the idle clock, so a sweep shortly after the
	// original admission must not expire the record.
	time.Sleep(20 * time.Millisecond)
	m.TouchProgress("a", "c1")
	m.Sweep(start.Add(110 * time.Millisecond))
	if m.IsTerminal("a", "c1") {
		t.Fatal("touched record expired")
	}
}
