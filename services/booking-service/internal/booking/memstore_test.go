package booking

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/serenitypath/sessionbook/libs/db"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/ledger"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/model"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/outbox"
	"github.com/serenitypath/sessionbook/services/booking-service/internal/storage"
)

type memData struct {
	packages       map[string]ledger.Package
	tokens         map[string]string
	bookings       map[string]model.Booking
	checkouts      map[string]model.Checkout
	providerEvents map[string]bool
	audits         []storage.AuditEvent
	events         []outbox.Event
}

func (d *memData) clone() *memData {
	c := &memData{
		packages:       make(map[string]ledger.Package, len(d.packages)),
		tokens:         make(map[string]string, len(d.tokens)),
		bookings:       make(map[string]model.Booking, len(d.bookings)),
		checkouts:      make(map[string]model.Checkout, len(d.checkouts)),
		providerEvents: make(map[string]bool, len(d.providerEvents)),
		audits:         append([]storage.AuditEvent(nil), d.audits...),
		events:         append([]outbox.Event(nil), d.events...),
	}
	for k, v := range d.packages {
		c.packages[k] = v
	}
	for k, v := range d.tokens {
		c.tokens[k] = v
	}
	for k, v := range d.bookings {
		c.bookings[k] = v
	}
	for k, v := range d.checkouts {
		c.checkouts[k] = v
	}
	for k, v := range d.providerEvents {
		c.providerEvents[k] = v
	}
	return c
}

// memStore keeps everything in maps and gives InTx all-or-nothing
// semantics by restoring a snapshot when fn fails.
type memStore struct {
	mu   sync.Mutex
	data *memData
	seq  int

	// staleDecrements makes the next n DecrementPackage calls lose the
	// version race. It survives rollbacks.
	staleDecrements int
	decrementCalls  int

	insertCheckoutErr   error
	insertCheckoutCalls int
	attachErr           error
}

func newMemStore() *memStore {
	return &memStore{data: (&memData{}).clone()}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) InTx(_ context.Context, fn func(pgx.Tx) error) error {
	m.mu.Lock()
	snapshot := m.data.clone()
	m.mu.Unlock()
	if err := fn(nil); err != nil {
		m.mu.Lock()
		m.data = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) Savepoint(ctx context.Context, _ pgx.Tx, fn func(pgx.Tx) error) error {
	return m.InTx(ctx, fn)
}

func (m *memStore) CreatePackage(_ context.Context, _ pgx.Tx, np storage.NewPackage) (ledger.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := ledger.Package{
		ID:                m.nextID("pkg"),
		ClientEmail:       strings.ToLower(strings.TrimSpace(np.ClientEmail)),
		ServiceKey:        np.ServiceKey,
		PurchasedQuantity: np.Quantity,
		RemainingSessions: np.Quantity,
		Version:           1,
		PurchasedAt:       time.Date(2025, 3, 1, 0, 0, m.seq, 0, time.UTC),
	}
	m.data.packages[p.ID] = p
	m.data.tokens[np.Token] = p.ID
	return p, nil
}

func (m *memStore) seedPackage(p ledger.Package, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.packages[p.ID] = p
	if token != "" {
		m.data.tokens[token] = p.ID
	}
}

func (m *memStore) pkg(id string) ledger.Package {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.packages[id]
}

func (m *memStore) ListPackagesByEmail(_ context.Context, _ db.Querier, email string) ([]ledger.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Package
	for _, p := range m.data.packages {
		if p.ClientEmail == strings.ToLower(strings.TrimSpace(email)) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetPackageByToken(_ context.Context, _ db.Querier, token string) (ledger.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.data.tokens[token]
	if !ok {
		return ledger.Package{}, storage.ErrNotFound
	}
	return m.data.packages[id], nil
}

func (m *memStore) GetPackage(_ context.Context, _ db.Querier, id string) (ledger.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data.packages[id]
	if !ok {
		return ledger.Package{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *memStore) DecrementPackage(_ context.Context, _ pgx.Tx, id string, expectedVersion int64, newRemaining int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrementCalls++
	if m.staleDecrements > 0 {
		m.staleDecrements--
		return 0, storage.ErrStaleVersion
	}
	p, ok := m.data.packages[id]
	if !ok || p.Version != expectedVersion || p.RemainingSessions <= 0 || p.RemainingSessions != newRemaining+1 {
		return 0, storage.ErrStaleVersion
	}
	p.RemainingSessions = newRemaining
	p.Version++
	m.data.packages[id] = p
	return p.Version, nil
}

func (m *memStore) ReservePackage(_ context.Context, _ pgx.Tx, id string, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.data.packages[id]
	if !ok || p.Version != expectedVersion {
		return 0, storage.ErrStaleVersion
	}
	p.Version++
	m.data.packages[id] = p
	return p.Version, nil
}

func (m *memStore) CountPendingUnconsumed(_ context.Context, _ pgx.Tx, packageID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.data.bookings {
		if b.PackageID == packageID && b.Status == model.StatusBooked && !b.SessionConsumed {
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateBooking(_ context.Context, _ pgx.Tx, b *model.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.data.bookings {
		if other.Status != model.StatusCancelled && other.StartTime.Before(b.EndTime) && b.StartTime.Before(other.EndTime) {
			return storage.ErrSlotTaken
		}
	}
	b.ID = m.nextID("bk")
	b.CreatedAt = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	m.data.bookings[b.ID] = *b
	return nil
}

func (m *memStore) GetBooking(_ context.Context, id string) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data.bookings[id]
	if !ok {
		return model.Booking{}, storage.ErrNotFound
	}
	return b, nil
}

func (m *memStore) GetBookingForUpdate(ctx context.Context, _ pgx.Tx, id string) (model.Booking, error) {
	return m.GetBooking(ctx, id)
}

func (m *memStore) MarkCompleted(_ context.Context, _ pgx.Tx, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data.bookings[id]
	if !ok || b.Status != model.StatusBooked {
		return storage.ErrNotFound
	}
	b.Status = model.StatusCompleted
	b.SessionConsumed = true
	b.CompletedAt = &at
	m.data.bookings[id] = b
	return nil
}

func (m *memStore) MarkCancelled(_ context.Context, _ pgx.Tx, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data.bookings[id]
	if !ok || b.Status != model.StatusBooked {
		return storage.ErrNotFound
	}
	b.Status = model.StatusCancelled
	m.data.bookings[id] = b
	return nil
}

func (m *memStore) SetCalendarEventID(_ context.Context, id, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.data.bookings[id]
	b.CalendarEventID = eventID
	m.data.bookings[id] = b
	return nil
}

func (m *memStore) ListBookings(_ context.Context, f storage.BookingFilter) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for _, b := range m.data.bookings {
		if !b.StartTime.Before(f.From) && b.StartTime.Before(f.To) && (f.ClientEmail == "" || b.Client.Email == f.ClientEmail) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *memStore) InsertCheckout(_ context.Context, c *model.Checkout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCheckoutCalls++
	if m.insertCheckoutErr != nil {
		return m.insertCheckoutErr
	}
	m.data.checkouts[c.ID] = *c
	return nil
}

func (m *memStore) AttachCheckoutSession(_ context.Context, id, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attachErr != nil {
		return m.attachErr
	}
	c, ok := m.data.checkouts[id]
	if !ok || (c.ProviderSessionID != "" && c.ProviderSessionID != sessionID) {
		return storage.ErrNotFound
	}
	c.ProviderSessionID = sessionID
	m.data.checkouts[id] = c
	return nil
}

func (m *memStore) AbandonCheckout(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data.checkouts[id]
	if ok && c.Status == model.CheckoutPending {
		c.Status = model.CheckoutExpired
		m.data.checkouts[id] = c
	}
	return nil
}

func (m *memStore) GetCheckout(_ context.Context, id string) (model.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data.checkouts[id]
	if !ok {
		return model.Checkout{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) bySession(sessionID string) (model.Checkout, bool) {
	for _, c := range m.data.checkouts {
		if sessionID != "" && c.ProviderSessionID == sessionID {
			return c, true
		}
	}
	return model.Checkout{}, false
}

func (m *memStore) GetCheckoutBySession(_ context.Context, sessionID string) (model.Checkout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySession(sessionID)
	if !ok {
		return model.Checkout{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memStore) GetCheckoutBySessionForUpdate(ctx context.Context, _ pgx.Tx, sessionID string) (model.Checkout, error) {
	return m.GetCheckoutBySession(ctx, sessionID)
}

func (m *memStore) CompleteCheckout(_ context.Context, _ pgx.Tx, id, packageID, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.data.checkouts[id]
	if !ok {
		return nil
	}
	c.Status = model.CheckoutCompleted
	c.PackageID = packageID
	c.BookingID = bookingID
	m.data.checkouts[id] = c
	return nil
}

func (m *memStore) ExpireCheckout(_ context.Context, _ pgx.Tx, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.bySession(sessionID)
	if ok && c.Status == model.CheckoutPending {
		c.Status = model.CheckoutExpired
		m.data.checkouts[c.ID] = c
	}
	return nil
}

func (m *memStore) InsertProviderEvent(_ context.Context, _ pgx.Tx, evt storage.ProviderEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := evt.Provider + "/" + evt.ProviderEventID
	if m.data.providerEvents[key] {
		return storage.ErrDuplicateProviderEvent
	}
	m.data.providerEvents[key] = true
	return nil
}

func (m *memStore) InsertAuditEvent(_ context.Context, _ pgx.Tx, evt storage.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.audits = append(m.data.audits, evt)
	return nil
}

// Insert makes memStore the outbox too, so staged events roll back with
// the rest of the transaction.
func (m *memStore) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data.events = append(m.data.events, evt)
	return nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data.events))
	for _, e := range m.data.events {
		out = append(out, e.EventType)
	}
	return out
}

func (m *memStore) checkout(sessionID string) model.Checkout {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, _ := m.bySession(sessionID)
	return c
}

func (m *memStore) allCheckouts() []model.Checkout {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Checkout, 0, len(m.data.checkouts))
	for _, c := range m.data.checkouts {
		out = append(out, c)
	}
	return out
}

func (m *memStore) checkoutByID(id string) model.Checkout {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.checkouts[id]
}
