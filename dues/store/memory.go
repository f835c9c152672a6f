// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/gateway"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements dues.TxStore and gateway.SessionStore.
type Memory struct {
	mu    sync.RWMutex
	state memoryState
}

type paidKey struct {
	FlatID dues.FlatID
	Period dues.Period
}

type memoryState struct {
	flats    map[dues.FlatID]dues.Flat
	periods  map[dues.Period]dues.BillingPeriod
	audits   []dues.PeriodAudit
	payments []dues.Payment // insertion order
	paid     map[paidKey]int
	receipts map[string]bool
	sessions map[string]gateway.Session
}

func NewMemory() *Memory {
	return &Memory{state: newMemoryState()}
}

func newMemoryState() memoryState {
	return memoryState{
		flats:    make(map[dues.FlatID]dues.Flat),
		periods:  make(map[dues.Period]dues.BillingPeriod),
		paid:     make(map[paidKey]int),
		receipts: make(map[string]bool),
		sessions: make(map[string]gateway.Session),
	}
}

// =============================================================================
// FLATS
// =============================================================================

func (m *Memory) SaveFlat(_ context.Context, f dues.Flat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.saveFlat(f)
}

func (m *Memory) GetFlat(_ context.Context, id dues.FlatID) (*dues.Flat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getFlat(id), nil
}

func (m *Memory) ListFlats(_ context.Context) ([]dues.Flat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listFlats(), nil
}

func (m *Memory) DeleteFlat(_ context.Context, id dues.FlatID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.deleteFlat(id)
}

func (s *memoryState) saveFlat(f dues.Flat) error {
	for id, other := range s.flats {
		if id != f.ID && other.Number == f.Number {
			return dues.ErrDuplicateFlatNumber
		}
	}
	s.flats[f.ID] = f
	return nil
}

func (s *memoryState) getFlat(id dues.FlatID) *dues.Flat {
	f, ok := s.flats[id]
	if !ok {
		return nil
	}
	return &f
}

func (s *memoryState) listFlats() []dues.Flat {
	flats := make([]dues.Flat, 0, len(s.flats))
	for _, f := range s.flats {
		flats = append(flats, f)
	}
	sort.Slice(flats, func(i, j int) bool { return flats[i].Number < flats[j].Number })
	return flats
}

func (s *memoryState) deleteFlat(id dues.FlatID) error {
	for _, p := range s.payments {
		if p.FlatID == id {
			return dues.ErrFlatHasPayments
		}
	}
	delete(s.flats, id)
	return nil
}

// =============================================================================
// BILLING PERIODS
// =============================================================================

func (m *Memory) SaveBillingPeriod(_ context.Context, bp dues.BillingPeriod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.savePeriod(bp)
	return nil
}

func (m *Memory) GetBillingPeriod(_ context.Context, p dues.Period) (*dues.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.getPeriod(p), nil
}

func (m *Memory) ListBillingPeriods(_ context.Context) ([]dues.BillingPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPeriods(), nil
}

func (m *Memory) AppendPeriodAudit(_ context.Context, a dues.PeriodAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.audits = append(m.state.audits, a)
	return nil
}

func (m *Memory) ListPeriodAudits(_ context.Context, p dues.Period) ([]dues.PeriodAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listAudits(p), nil
}

// savePeriod stores bp with its own copy of the breakdown.
func (s *memoryState) savePeriod(bp dues.BillingPeriod) {
	bp.Breakdown = copyBreakdown(bp.Breakdown)
	s.periods[bp.Period] = bp
}

func (s *memoryState) getPeriod(p dues.Period) *dues.BillingPeriod {
	bp, ok := s.periods[p]
	if !ok {
		return nil
	}
	bp.Breakdown = copyBreakdown(bp.Breakdown)
	return &bp
}

func copyBreakdown(b dues.Breakdown) dues.Breakdown {
	if b == nil {
		return nil
	}
	out := make(dues.Breakdown, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (s *memoryState) listPeriods() []dues.BillingPeriod {
	out := make([]dues.BillingPeriod, 0, len(s.periods))
	for _, bp := range s.periods {
		bp.Breakdown = copyBreakdown(bp.Breakdown)
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Period.Year != out[j].Period.Year {
			return out[i].Period.Year > out[j].Period.Year
		}
		return out[i].Period.Month > out[j].Period.Month
	})
	return out
}

func (s *memoryState) listAudits(p dues.Period) []dues.PeriodAudit {
	var out []dues.PeriodAudit
	for _, a := range s.audits {
		if a.Period == p {
			out = append(out, a)
		}
	}
	return out
}

// =============================================================================
// PAYMENTS - Insert-only
// =============================================================================

func (m *Memory) InsertPayment(_ context.Context, p dues.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.insertPayment(p)
}

func (m *Memory) FindPaidPayment(_ context.Context, flatID dues.FlatID, period dues.Period) (*dues.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.findPaid(flatID, period), nil
}

func (m *Memory) ListPayments(_ context.Context, filter dues.PaymentFilter) ([]dues.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.listPayments(filter), nil
}

func (m *Memory) CountPayments(_ context.Context, period dues.Period) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.state.listPayments(dues.PaymentFilter{Period: &period})), nil
}

func (s *memoryState) insertPayment(p dues.Payment) error {
	k := paidKey{FlatID: p.FlatID, Period: p.Period}
	if _, taken := s.paid[k]; taken && p.Status == dues.StatusPaid {
		return dues.ErrDuplicatePayment
	}
	if s.receipts[p.ReceiptNumber] {
		return dues.ErrDuplicateReceipt
	}
	s.payments = append(s.payments, p)
	s.receipts[p.ReceiptNumber] = true
	if p.Status == dues.StatusPaid {
		s.paid[k] = len(s.payments) - 1
	}
	return nil
}

func (s *memoryState) findPaid(flatID dues.FlatID, period dues.Period) *dues.Payment {
	i, ok := s.paid[paidKey{FlatID: flatID, Period: period}]
	if !ok {
		return nil
	}
	p := s.payments[i]
	return &p
}

func (s *memoryState) listPayments(filter dues.PaymentFilter) []dues.Payment {
	var out []dues.Payment
	for i := len(s.payments) - 1; i >= 0; i-- {
		p := s.payments[i]
		if filter.FlatID != "" && p.FlatID != filter.FlatID {
			continue
		}
		if filter.Period != nil && p.Period != *filter.Period {
			continue
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}

// =============================================================================
// GATEWAY SESSIONS
// =============================================================================

func (m *Memory) CreateSession(_ context.Context, s gateway.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.state.sessions[s.ID]; exists {
		return gateway.ErrSessionExists
	}
	m.state.sessions[s.ID] = s
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*gateway.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.state.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *Memory) UpdateSession(_ context.Context, s gateway.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.state.sessions[s.ID]
	if !ok {
		return gateway.ErrSessionNotFound
	}
	if current.Version != s.Version {
		return gateway.ErrStaleSession
	}
	s.Version++
	m.state.sessions[s.ID] = s
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn under the write lock.
// For memory store, rollback is simulated with a snapshot restore on error.
func (m *Memory) WithTx(_ context.Context, fn func(dues.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&txMemoryView{state: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memoryState) clone() memoryState {
	c := newMemoryState()
	for k, v := range s.flats {
		c.flats[k] = v
	}
	for k, v := range s.periods {
		c.periods[k] = v
	}
	c.audits = append([]dues.PeriodAudit{}, s.audits...)
	c.payments = append([]dues.Payment{}, s.payments...)
	for k, v := range s.paid {
		c.paid[k] = v
	}
	for k, v := range s.receipts {
		c.receipts[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	return c
}

// Reset clears all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = newMemoryState()
	return nil
}

// txMemoryView operates on state already locked by WithTx.
type txMemoryView struct {
	state *memoryState
}

func (v *txMemoryView) SaveFlat(_ context.Context, f dues.Flat) error { return v.state.saveFlat(f) }
func (v *txMemoryView) GetFlat(_ context.Context, id dues.FlatID) (*dues.Flat, error) {
	return v.state.getFlat(id), nil
}
func (v *txMemoryView) ListFlats(_ context.Context) ([]dues.Flat, error) {
	return v.state.listFlats(), nil
}
func (v *txMemoryView) DeleteFlat(_ context.Context, id dues.FlatID) error {
	return v.state.deleteFlat(id)
}

func (v *txMemoryView) SaveBillingPeriod(_ context.Context, bp dues.BillingPeriod) error {
	v.state.savePeriod(bp)
	return nil
}
func (v *txMemoryView) GetBillingPeriod(_ context.Context, p dues.Period) (*dues.BillingPeriod, error) {
	return v.state.getPeriod(p), nil
}
func (v *txMemoryView) ListBillingPeriods(_ context.Context) ([]dues.BillingPeriod, error) {
	return v.state.listPeriods(), nil
}
func (v *txMemoryView) AppendPeriodAudit(_ context.Context, a dues.PeriodAudit) error {
	v.state.audits = append(v.state.audits, a)
	return nil
}
func (v *txMemoryView) ListPeriodAudits(_ context.Context, p dues.Period) ([]dues.PeriodAudit, error) {
	return v.state.listAudits(p), nil
}

func (v *txMemoryView) InsertPayment(_ context.Context, p dues.Payment) error {
	return v.state.insertPayment(p)
}
func (v *txMemoryView) FindPaidPayment(_ context.Context, flatID dues.FlatID, period dues.Period) (*dues.Payment, error) {
	return v.state.findPaid(flatID, period), nil
}
func (v *txMemoryView) ListPayments(_ context.Context, filter dues.PaymentFilter) ([]dues.Payment, error) {
	return v.state.listPayments(filter), nil
}
func (v *txMemoryView) CountPayments(_ context.Context, period dues.Period) (int, error) {
	return len(v.state.listPayments(dues.PaymentFilter{Period: &period})), nil
}

var (
	_ dues.TxStore         = (*Memory)(nil)
	_ gateway.SessionStore = (*Memory)(nil)
)
