// Package memory provides thread-safe in-process collaborators for local runs
// and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"paykit/internal/collab"
	"paykit/internal/domain"
)

type Catalog struct {
	mu       sync.RWMutex
	creators map[common.Address]bool
	content  map[uint64]collab.Listing
	subs     map[common.Address]collab.Listing
	err      error
}

func NewCatalog() *Catalog {
	return &Catalog{
		creators: map[common.Address]bool{},
		content:  map[uint64]collab.Listing{},
		subs:     map[common.Address]collab.Listing{},
	}
}

func (c *Catalog) RegisterCreator(creator common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creators[creator] = true
}

func (c *Catalog) SetContent(id uint64, l collab.Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content[id] = l
}

func (c *Catalog) SetSubscription(creator common.Address, l collab.Listing) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l.Creator = creator
	c.subs[creator] = l
}

// FailWith makes every call return err until cleared with nil.
func (c *Catalog) FailWith(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *Catalog) IsRegistered(_ context.Context, creator common.Address) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return false, c.err
	}
	return c.creators[creator], nil
}

func (c *Catalog) ContentPrice(_ context.Context, id uint64) (collab.Listing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return collab.Listing{}, c.err
	}
	l, ok := c.content[id]
	if !ok {
		return collab.Listing{}, fmt.Errorf("content %d: %w", id, collab.ErrUnknownItem)
	}
	return l, nil
}

func (c *Catalog) SubscriptionPrice(_ context.Context, creator common.Address) (collab.Listing, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err != nil {
		return collab.Listing{}, c.err
	}
	l, ok := c.subs[creator]
	if !ok {
		return collab.Listing{}, fmt.Errorf("subscription %s: %w", creator.Hex(), collab.ErrUnknownItem)
	}
	return l, nil
}

// Oracle quotes tokens at fixed rates: token units per settlement unit.
// A separate live rate can be set to simulate drift between quote and
// execution.
type Oracle struct {
	mu     sync.RWMutex
	rates  map[common.Address]decimal.Decimal
	live   map[common.Address]decimal.Decimal
	impact map[common.Address]uint64
	err    error
}

func NewOracle() *Oracle {
	return &Oracle{
		rates:  map[common.Address]decimal.Decimal{},
		live:   map[common.Address]decimal.Decimal{},
		impact: map[common.Address]uint64{},
	}
}

func (o *Oracle) SetRate(token common.Address, rate decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rates[token] = rate
	delete(o.live, token)
}

func (o *Oracle) SetLiveRate(token common.Address, rate decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live[token] = rate
}

func (o *Oracle) SetImpact(token common.Address, bps uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.impact[token] = bps
}

func (o *Oracle) FailWith(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *Oracle) convert(rates map[common.Address]decimal.Decimal, token common.Address, amount uint64) (uint64, error) {
	rate, ok := rates[token]
	if !ok {
		rate, ok = o.rates[token]
	}
	if !ok {
		return 0, fmt.Errorf("no rate for token %s", token.Hex())
	}
	out := decimal.NewFromBigInt(new(big.Int).SetUint64(amount), 0).Mul(rate).Floor().BigInt()
	if !out.IsUint64() {
		return 0, errors.New("converted amount overflows")
	}
	return out.Uint64(), nil
}

func (o *Oracle) Convert(_ context.Context, token common.Address, amount, _ uint64) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.err != nil {
		return 0, o.err
	}
	return o.convert(o.rates, token, amount)
}

func (o *Oracle) ValidateQuote(_ context.Context, token common.Address, amount, quoted, toleranceBps uint64) (bool, uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.err != nil {
		return false, 0, o.err
	}
	live, err := o.convert(o.live, token, amount)
	if err != nil {
		return false, 0, err
	}
	ref := decimal.NewFromBigInt(new(big.Int).SetUint64(quoted), 0)
	diff := decimal.NewFromBigInt(new(big.Int).SetUint64(live), 0).Sub(ref).Abs()
	limit := ref.Mul(decimal.NewFromInt(int64(toleranceBps))).Div(decimal.NewFromInt(10_000))
	return diff.LessThanOrEqual(limit), live, nil
}

func (o *Oracle) PriceImpact(_ context.Context, token common.Address, _, maxBps uint64) (uint64, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.err != nil {
		return 0, false, o.err
	}
	bps := o.impact[token]
	return bps, bps <= maxBps, nil
}

// Escrow records settlements and releases. Outcomes are controlled with
// Reject and FailWith.
type Escrow struct {
	mu         sync.Mutex
	settled    []collab.SettleRequest
	released   []collab.ReleaseRequest
	reject     string
	settleErr  error
	releaseErr error
	seq        int
}

func NewEscrow() *Escrow { return &Escrow{} }

// Reject makes Settle return an unsuccessful outcome with reason.
func (e *Escrow) Reject(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reject = reason
}

func (e *Escrow) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settleErr = err
}

func (e *Escrow) FailReleaseWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseErr = err
}

func (e *Escrow) Settle(_ context.Context, req collab.SettleRequest) (collab.SettleOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.settleErr != nil {
		return collab.SettleOutcome{}, e.settleErr
	}
	if e.reject != "" {
		return collab.SettleOutcome{Success: false, Reason: e.reject}, nil
	}
	e.seq++
	e.settled = append(e.settled, req)
	return collab.SettleOutcome{Success: true, Reference: fmt.Sprintf("escrow-%d", e.seq)}, nil
}

func (e *Escrow) Release(_ context.Context, req collab.ReleaseRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.releaseErr != nil {
		return e.releaseErr
	}
	e.released = append(e.released, req)
	return nil
}

func (e *Escrow) Settled() []collab.SettleRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]collab.SettleRequest(nil), e.settled...)
}

func (e *Escrow) Released() []collab.ReleaseRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]collab.ReleaseRequest(nil), e.released...)
}

// Access is the in-memory access ledger. It also serves as the revoker.
type Access struct {
	mu        sync.Mutex
	grants    []collab.Grant
	revoked   []collab.Grant
	grantErr  error
	revokeErr error
}

func NewAccess() *Access { return &Access{} }

func (a *Access) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grantErr = err
}

func (a *Access) FailRevokeWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.revokeErr = err
}

func (a *Access) grant(g collab.Grant) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.grantErr != nil {
		return a.grantErr
	}
	a.grants = append(a.grants, g)
	return nil
}

func (a *Access) GrantContent(_ context.Context, g collab.Grant) error {
	if g.Type != domain.PaymentContent {
		return fmt.Errorf("content grant for %s intent", g.Type)
	}
	return a.grant(g)
}

func (a *Access) GrantSubscription(_ context.Context, g collab.Grant) error {
	if g.Type != domain.PaymentSubscription {
		return fmt.Errorf("subscription grant for %s intent", g.Type)
	}
	return a.grant(g)
}

func (a *Access) Revoke(_ context.Context, g collab.Grant) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.revokeErr != nil {
		return a.revokeErr
	}
	a.revoked = append(a.revoked, g)
	return nil
}

func (a *Access) Grants() []collab.Grant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]collab.Grant(nil), a.grants...)
}

func (a *Access) Revoked() []collab.Grant {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]collab.Grant(nil), a.revoked...)
}

type Recorder struct {
	mu      sync.Mutex
	records []collab.Grant
	err     error
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) RecordExternal(_ context.Context, g collab.Grant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.records = append(r.records, g)
	return nil
}

func (r *Recorder) Records() []collab.Grant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]collab.Grant(nil), r.records...)
}

// Loyalty discounts users by a per-user basis-point rate.
type Loyalty struct {
	mu    sync.RWMutex
	rates map[common.Address]uint64
	err   error
}

func NewLoyalty() *Loyalty { return &Loyalty{rates: map[common.Address]uint64{}} }

func (l *Loyalty) SetDiscount(user common.Address, bps uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates[user] = bps
}

func (l *Loyalty) FailWith(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func (l *Loyalty) Discount(_ context.Context, user common.Address, amount uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.err != nil {
		return 0, l.err
	}
	bps := l.rates[user]
	if bps == 0 || bps >= 10_000 {
		return amount, nil
	}
	off := new(big.Int).Mul(new(big.Int).SetUint64(amount), new(big.Int).SetUint64(bps))
	off.Quo(off, big.NewInt(10_000))
	return amount - off.Uint64(), nil
}

type Stats struct {
	mu       sync.Mutex
	earnings map[common.Address]uint64
	err      error
}

func NewStats() *Stats { return &Stats{earnings: map[common.Address]uint64{}} }

func (s *Stats) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Stats) RecordEarnings(_ context.Context, creator common.Address, amount uint64, _ domain.PaymentType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.earnings[creator] += amount
	return nil
}

func (s *Stats) Earnings(creator common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.earnings[creator]
}

// Fakes bundles one of each collaborator.
type Fakes struct {
	Catalog  *Catalog
	Oracle   *Oracle
	Escrow   *Escrow
	Access   *Access
	Recorder *Recorder
	Loyalty  *Loyalty
	Stats    *Stats
}

func New() *Fakes {
	return &Fakes{
		Catalog:  NewCatalog(),
		Oracle:   NewOracle(),
		Escrow:   NewEscrow(),
		Access:   NewAccess(),
		Recorder: NewRecorder(),
		Loyalty:  NewLoyalty(),
		Stats:    NewStats(),
	}
}

// Set exposes the fakes as a collab.Set.
func (f *Fakes) Set() collab.Set {
	return collab.Set{
		Catalog:  f.Catalog,
		Oracle:   f.Oracle,
		Escrow:   f.Escrow,
		Access:   f.Access,
		Recorder: f.Recorder,
		Revoker:  f.Access,
		Loyalty:  f.Loyalty,
		Stats:    f.Stats,
	}
}
