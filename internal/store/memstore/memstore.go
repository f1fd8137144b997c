// Package memstore is an in-process store.Store used by tests and local runs.
package memstore

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"ticket-settlement/internal/store"
	"ticket-settlement/models"
)

type Store struct {
	mu sync.Mutex
	t  *tables
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{t: newTables()}
}

type tables struct {
	events    map[string]*models.Event
	intents   map[string]*models.PaymentIntent
	tickets   map[string]*models.Ticket
	transfers map[string]*models.TicketTransfer
	coupons   map[string]*models.Coupon
	audit     []*models.AuditRecord
}

func newTables() *tables {
	return &tables{
		events:    map[string]*models.Event{},
		intents:   map[string]*models.PaymentIntent{},
		tickets:   map[string]*models.Ticket{},
		transfers: map[string]*models.TicketTransfer{},
		coupons:   map[string]*models.Coupon{},
	}
}

// snapshot copies the indexes; stored values are never mutated in place.
func (t *tables) snapshot() *tables {
	return &tables{
		events:    maps.Clone(t.events),
		intents:   maps.Clone(t.intents),
		tickets:   maps.Clone(t.tickets),
		transfers: maps.Clone(t.transfers),
		coupons:   maps.Clone(t.coupons),
		audit:     append([]*models.AuditRecord(nil), t.audit...),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(repo store.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.t.snapshot()
	if err := fn(s.t); err != nil {
		s.t = snap
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) locked() (*tables, func()) {
	s.mu.Lock()
	return s.t, s.mu.Unlock
}

// events

func (t *tables) GetEvent(_ context.Context, id string) (*models.Event, error) {
	ev, ok := t.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := ev.Clone()
	return &c, nil
}

func (t *tables) SaveEvent(_ context.Context, ev *models.Event) error {
	c := ev.Clone()
	t.events[ev.ID] = &c
	return nil
}

// payment intents

func (t *tables) CreateIntent(_ context.Context, p *models.PaymentIntent) error {
	if _, ok := t.intents[p.ID]; ok {
		return store.ErrDuplicate
	}
	for _, other := range t.intents {
		if other.ExternalReference == p.ExternalReference || other.Ticket.TicketID == p.Ticket.TicketID {
			return store.ErrDuplicate
		}
	}
	c := p.Clone()
	t.intents[p.ID] = &c
	return nil
}

func (t *tables) UpdateIntent(_ context.Context, p *models.PaymentIntent) error {
	if _, ok := t.intents[p.ID]; !ok {
		return store.ErrNotFound
	}
	c := p.Clone()
	t.intents[p.ID] = &c
	return nil
}

func (t *tables) GetIntent(_ context.Context, id string) (*models.PaymentIntent, error) {
	p, ok := t.intents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := p.Clone()
	return &c, nil
}

func (t *tables) findIntent(match func(*models.PaymentIntent) bool) (*models.PaymentIntent, error) {
	for _, p := range t.intents {
		if match(p) {
			c := p.Clone()
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tables) FindIntentByExternalRef(_ context.Context, ref string) (*models.PaymentIntent, error) {
	return t.findIntent(func(p *models.PaymentIntent) bool { return p.ExternalReference == ref })
}

func (t *tables) FindIntentByProviderPaymentID(_ context.Context, paymentID string) (*models.PaymentIntent, error) {
	if paymentID == "" {
		return nil, store.ErrNotFound
	}
	return t.findIntent(func(p *models.PaymentIntent) bool { return p.ProviderPaymentID == paymentID })
}

func (t *tables) FindIntentByTicketID(_ context.Context, ticketID string) (*models.PaymentIntent, error) {
	return t.findIntent(func(p *models.PaymentIntent) bool { return p.Ticket.TicketID == ticketID })
}

func (t *tables) SumReserved(_ context.Context, eventID, ticketType string, now time.Time) (int, error) {
	total := 0
	for _, p := range t.intents {
		if p.EventID != eventID || p.TicketType != ticketType || !p.Status.HoldsCapacity() {
			continue
		}
		if p.PendingExpired(now) {
			continue
		}
		total += p.Quantity
	}
	return total, nil
}

func (t *tables) listIntents(match func(*models.PaymentIntent) bool, limit int) []*models.PaymentIntent {
	out := []*models.PaymentIntent{}
	for _, p := range t.intents {
		if match(p) {
			c := p.Clone()
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *tables) ListExpiredPending(_ context.Context, now time.Time, limit int) ([]*models.PaymentIntent, error) {
	return t.listIntents(func(p *models.PaymentIntent) bool { return p.PendingExpired(now) }, limit), nil
}

func (t *tables) ListStaleInProcess(_ context.Context, updatedBefore time.Time, limit int) ([]*models.PaymentIntent, error) {
	return t.listIntents(func(p *models.PaymentIntent) bool {
		return p.Status == models.PaymentInProcess && p.UpdatedAt.Before(updatedBefore)
	}, limit), nil
}

// tickets

func (t *tables) CreateTicket(_ context.Context, tk *models.Ticket) error {
	if _, ok := t.tickets[tk.ID]; ok {
		return store.ErrDuplicate
	}
	c := tk.Clone()
	t.tickets[tk.ID] = &c
	return nil
}

func (t *tables) UpdateTicket(_ context.Context, tk *models.Ticket) error {
	if _, ok := t.tickets[tk.ID]; !ok {
		return store.ErrNotFound
	}
	c := tk.Clone()
	t.tickets[tk.ID] = &c
	return nil
}

func (t *tables) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	tk, ok := t.tickets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := tk.Clone()
	return &c, nil
}

func (t *tables) ListTicketsByHolder(_ context.Context, holderID string) ([]*models.Ticket, error) {
	out := []*models.Ticket{}
	for _, tk := range t.tickets {
		if tk.HolderID == holderID {
			c := tk.Clone()
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// transfers

func (t *tables) CreateTransfer(_ context.Context, tr *models.TicketTransfer) error {
	if _, ok := t.transfers[tr.ID]; ok {
		return store.ErrDuplicate
	}
	c := tr.Clone()
	t.transfers[tr.ID] = &c
	return nil
}

func (t *tables) UpdateTransfer(_ context.Context, tr *models.TicketTransfer) error {
	if _, ok := t.transfers[tr.ID]; !ok {
		return store.ErrNotFound
	}
	c := tr.Clone()
	t.transfers[tr.ID] = &c
	return nil
}

func (t *tables) GetTransfer(_ context.Context, id string) (*models.TicketTransfer, error) {
	tr, ok := t.transfers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := tr.Clone()
	return &c, nil
}

func (t *tables) FindPendingTransfer(_ context.Context, ticketID string) (*models.TicketTransfer, error) {
	for _, tr := range t.transfers {
		if tr.TicketID == ticketID && tr.Status == models.TransferPending {
			c := tr.Clone()
			return &c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tables) listTransfers(match func(*models.TicketTransfer) bool, limit int) []*models.TicketTransfer {
	out := []*models.TicketTransfer{}
	for _, tr := range t.transfers {
		if match(tr) {
			c := tr.Clone()
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (t *tables) ListTransfersForUser(_ context.Context, userID string) ([]*models.TicketTransfer, error) {
	return t.listTransfers(func(tr *models.TicketTransfer) bool {
		return tr.FromUser == userID || tr.ToUser == userID
	}, 0), nil
}

func (t *tables) ListOverdueTransfers(_ context.Context, now time.Time, limit int) ([]*models.TicketTransfer, error) {
	return t.listTransfers(func(tr *models.TicketTransfer) bool { return tr.Overdue(now) }, limit), nil
}

// coupons

func (t *tables) CreateCoupon(_ context.Context, c *models.Coupon) error {
	if _, ok := t.coupons[c.Code]; ok {
		return store.ErrDuplicate
	}
	n := c.Clone()
	t.coupons[c.Code] = &n
	return nil
}

func (t *tables) UpdateCoupon(_ context.Context, c *models.Coupon) error {
	if _, ok := t.coupons[c.Code]; !ok {
		return store.ErrNotFound
	}
	n := c.Clone()
	t.coupons[c.Code] = &n
	return nil
}

func (t *tables) GetCoupon(_ context.Context, code string) (*models.Coupon, error) {
	c, ok := t.coupons[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	n := c.Clone()
	return &n, nil
}

func (t *tables) ListCouponsToRetire(_ context.Context, now time.Time, limit int) ([]*models.Coupon, error) {
	out := []*models.Coupon{}
	for _, c := range t.coupons {
		if c.IsActive && now.After(c.ValidUntil) {
			n := c.Clone()
			out = append(out, &n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// audit

func (t *tables) AppendAudit(_ context.Context, r *models.AuditRecord) error {
	c := *r
	t.audit = append(t.audit, &c)
	return nil
}

func (t *tables) ListAudit(_ context.Context, resourceType, resourceID string) ([]*models.AuditRecord, error) {
	out := []*models.AuditRecord{}
	for _, r := range t.audit {
		if r.ResourceType == resourceType && r.ResourceID == resourceID {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}
