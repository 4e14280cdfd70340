// Package rpcmgr owns the per-connection RPC in-flight table: admission
// against the inflight cap, the one-shot terminal guard, cancel callback
// plumbing, abort contexts, and the idle/dedup sweep.
package rpcmgr

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/wirefold/wsrouter/observability"
)

// CancelReason explains why a pending RPC was cancelled.
type CancelReason string

const (
	ReasonClientAbort CancelReason = "client_abort"
	ReasonDisconnect  CancelReason = "disconnect"
	ReasonIdle        CancelReason = "idle"
	ReasonDeadline    CancelReason = "deadline"
)

// AdmitResult is the outcome of an admission attempt.
type AdmitResult int

const (
	AdmitOK AdmitResult = iota
	// AdmitDuplicate means a record (pending, or terminal within the dedup
	// window) already exists for the correlation id. The frame is suppressed.
	AdmitDuplicate
	// AdmitLimitExceeded means the per-connection inflight cap was hit.
	AdmitLimitExceeded
)

// Config tunes the manager. Zero values fall back to the defaults below.
type Config struct {
	MaxInflightPerClient int
	IdleTimeout          time.Duration
	// DedupWindow keeps terminal records around to suppress late duplicates.
	// Zero means IdleTimeout.
	DedupWindow     time.Duration
	CleanupInterval time.Duration

	Log      *slog.Logger
	Observer observability.RouterObserver
}

const (
	DefaultMaxInflightPerClient = 1000
	DefaultIdleTimeout          = 40 * time.Second
	DefaultCleanupInterval      = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.MaxInflightPerClient <= 0 {
		c.MaxInflightPerClient = DefaultMaxInflightPerClient
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = c.IdleTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Log == nil {
		c.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.Observer == nil {
		c.Observer = observability.NoopRouterObserver
	}
	return c
}

const shardCount = 32

type recordKey struct {
	clientID      string
	correlationID string
}

type state uint8

const (
	statePending state = iota
	stateTerminal
)

type cancelEntry struct {
	fn func(CancelReason)
}

type record struct {
	state          state
	createdAt      time.Time
	deadline       time.Time
	lastActivityAt time.Time
	terminalAt     time.Time
	cancels        []*cancelEntry

	ctx    context.Context
	cancel context.CancelFunc
}

// A shard holds every record for the clients hashed onto it, so disconnect
// and inflight accounting stay under one lock.
type shard struct {
	mu      sync.Mutex
	records map[recordKey]*record
	pending map[string]int
}

// Manager is the RPC in-flight table. Safe for concurrent use.
type Manager struct {
	cfg Config

	shards [shardCount]*shard

	pendingTotal atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Manager and starts its background sweep loop. Call Close to
// stop it.
func New(cfg Config) *Manager {
	m := &Manager{cfg: cfg.withDefaults(), stopCh: make(chan struct{})}
	for i := range m.shards {
		m.shards[i] = &shard{
			records: make(map[recordKey]*record),
			pending: make(map[string]int),
		}
	}
	go m.sweepLoop()
	return m
}

// Close stops the background sweep. Pending records are left to the owning
// router's disconnect path.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) shardFor(clientID string) *shard {
	return m.shards[xxhash.Sum64String(clientID)%shardCount]
}

// Admit creates a PENDING record for (clientID, correlationID) and returns
// its abort context. The context is cancelled on client abort, disconnect,
// idle expiry, or deadline expiry.
func (m *Manager) Admit(clientID, correlationID string, now, deadline time.Time) (AdmitResult, context.Context) {
	key := recordKey{clientID: clientID, correlationID: correlationID}
	sh := m.shardFor(clientID)

	sh.mu.Lock()
	if _, exists := sh.records[key]; exists {
		sh.mu.Unlock()
		return AdmitDuplicate, nil
	}
	if sh.pending[clientID] >= m.cfg.MaxInflightPerClient {
		sh.mu.Unlock()
		return AdmitLimitExceeded, nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	sh.records[key] = &record{
		state:          statePending,
		createdAt:      now,
		deadline:       deadline,
		lastActivityAt: now,
		ctx:            ctx,
		cancel:         cancel,
	}
	sh.pending[clientID]++
	sh.mu.Unlock()

	n := m.pendingTotal.Add(1)
	m.cfg.Observer.RPCStarted()
	m.cfg.Observer.RPCInflight(int(n))
	return AdmitOK, ctx
}

// Exists reports whether any record, pending or terminal within the dedup
// window, is held for the pair. Pre-admission error paths consult it so a
// reused correlation id cannot elicit a second correlated frame.
func (m *Manager) Exists(clientID, correlationID string) bool {
	sh := m.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.records[recordKey{clientID: clientID, correlationID: correlationID}]
	return ok
}

// IsTerminal reports whether the record is TERMINAL or absent. Absent records
// are treated as terminal so that every send path fails closed.
func (m *Manager) IsTerminal(clientID, correlationID string) bool {
	sh := m.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[recordKey{clientID: clientID, correlationID: correlationID}]
	return !ok || rec.state == stateTerminal
}

// ClaimTerminal atomically transitions PENDING -> TERMINAL and reports
// whether this caller won the transition. Every outbound terminal send must
// hold a successful claim; later claims return false and the send is
// suppressed.
func (m *Manager) ClaimTerminal(clientID, correlationID string, result observability.RPCResult) bool {
	sh := m.shardFor(clientID)
	key := recordKey{clientID: clientID, correlationID: correlationID}

	sh.mu.Lock()
	rec, ok := sh.records[key]
	if !ok || rec.state == stateTerminal {
		sh.mu.Unlock()
		return false
	}
	now := time.Now()
	rec.state = stateTerminal
	rec.terminalAt = now
	rec.cancels = nil
	m.decPendingLocked(sh, clientID)
	created := rec.createdAt
	sh.mu.Unlock()

	n := m.pendingTotal.Add(-1)
	m.cfg.Observer.RPCFinished(result, now.Sub(created))
	m.cfg.Observer.RPCInflight(int(n))
	return true
}

// TouchProgress refreshes the idle clock of a pending record.
func (m *Manager) TouchProgress(clientID, correlationID string) {
	sh := m.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[recordKey{clientID: clientID, correlationID: correlationID}]
	if ok && rec.state == statePending {
		rec.lastActivityAt = time.Now()
	}
}

// RegisterCancel appends cb to the record's cancel list and returns a
// remover. Registration on a terminal or absent record is a no-op.
func (m *Manager) RegisterCancel(clientID, correlationID string, cb func(CancelReason)) (unregister func()) {
	if cb == nil {
		return func() {}
	}
	sh := m.shardFor(clientID)
	key := recordKey{clientID: clientID, correlationID: correlationID}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok := sh.records[key]
	if !ok || rec.state != statePending {
		return func() {}
	}
	entry := &cancelEntry{fn: cb}
	rec.cancels = append(rec.cancels, entry)
	return func() {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		rec, ok := sh.records[key]
		if !ok {
			return
		}
		for i, e := range rec.cancels {
			if e == entry {
				rec.cancels = append(rec.cancels[:i], rec.cancels[i+1:]...)
				return
			}
		}
	}
}

// Abort handles a client $ws:abort (or server-side cancellation): the record
// turns TERMINAL, cancel callbacks fire in registration order, and the abort
// context is cancelled. Reports whether a pending record was cancelled.
func (m *Manager) Abort(clientID, correlationID string, reason CancelReason) bool {
	sh := m.shardFor(clientID)
	key := recordKey{clientID: clientID, correlationID: correlationID}

	sh.mu.Lock()
	rec, ok := sh.records[key]
	if !ok || rec.state != statePending {
		sh.mu.Unlock()
		return false
	}
	now := time.Now()
	rec.state = stateTerminal
	rec.terminalAt = now
	rec.lastActivityAt = now
	cancels := rec.cancels
	rec.cancels = nil
	m.decPendingLocked(sh, clientID)
	created := rec.createdAt
	cancelCtx := rec.cancel
	sh.mu.Unlock()

	m.fireCancels(cancels, reason)
	cancelCtx()

	n := m.pendingTotal.Add(-1)
	m.cfg.Observer.RPCFinished(resultFor(reason), now.Sub(created))
	m.cfg.Observer.RPCInflight(int(n))
	return true
}

// Disconnect cancels every pending record of clientID. After it returns, all
// records for the client are TERMINAL and each registered cancel callback has
// run exactly once.
func (m *Manager) Disconnect(clientID string) {
	sh := m.shardFor(clientID)

	sh.mu.Lock()
	var correlations []string
	for key, rec := range sh.records {
		if key.clientID == clientID && rec.state == statePending {
			correlations = append(correlations, key.correlationID)
		}
	}
	sh.mu.Unlock()

	for _, corr := range correlations {
		m.Abort(clientID, corr, ReasonDisconnect)
	}
}

// PendingCount returns the pending record count for clientID.
func (m *Manager) PendingCount(clientID string) int {
	sh := m.shardFor(clientID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.pending[clientID]
}

// Sweep removes terminal records older than the dedup window, and cancels
// pending records that are idle or past their deadline. Runs periodically
// from the background loop; exported for tests.
func (m *Manager) Sweep(now time.Time) {
	type expiry struct {
		key    recordKey
		reason CancelReason
	}
	for _, sh := range m.shards {
		var expired []expiry
		sh.mu.Lock()
		for key, rec := range sh.records {
			switch rec.state {
			case stateTerminal:
				if now.Sub(rec.terminalAt) > m.cfg.DedupWindow {
					rec.cancel()
					delete(sh.records, key)
				}
			case statePending:
				if !rec.deadline.IsZero() && now.After(rec.deadline) {
					expired = append(expired, expiry{key: key, reason: ReasonDeadline})
				} else if now.Sub(rec.lastActivityAt) > m.cfg.IdleTimeout {
					expired = append(expired, expiry{key: key, reason: ReasonIdle})
				}
			}
		}
		sh.mu.Unlock()
		for _, e := range expired {
			if m.Abort(e.key.clientID, e.key.correlationID, e.reason) {
				m.cfg.Log.Debug("rpc record expired",
					"client_id", e.key.clientID,
					"correlation_id", e.key.correlationID,
					"reason", string(e.reason))
			}
		}
	}
}

func (m *Manager) sweepLoop() {
	t := time.NewTicker(m.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.Sweep(now)
		}
	}
}

func (m *Manager) decPendingLocked(sh *shard, clientID string) {
	if n := sh.pending[clientID]; n <= 1 {
		delete(sh.pending, clientID)
	} else {
		sh.pending[clientID] = n - 1
	}
}

// fireCancels runs callbacks in registration order; a panicking callback is
// logged and does not prevent the others from running.
func (m *Manager) fireCancels(cancels []*cancelEntry, reason CancelReason) {
	for _, e := range cancels {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.cfg.Log.Error("cancel callback panic", "reason", string(reason), "panic", r)
				}
			}()
			e.fn(reason)
		}()
	}
}

func resultFor(reason CancelReason) observability.RPCResult {
	switch reason {
	case ReasonClientAbort:
		return observability.RPCResultAborted
	case ReasonDisconnect:
		return observability.RPCResultDisconnected
	case ReasonIdle:
		return observability.RPCResultIdleExpired
	case ReasonDeadline:
		return observability.RPCResultDeadlineExceeded
	default:
		return observability.RPCResultError
	}
}
