package matching

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kyla/chatcore/internal/pair"
	"github.com/kyla/chatcore/internal/protocol"
	"github.com/kyla/chatcore/internal/ratelimit"
	"github.com/kyla/chatcore/internal/user"
)

// memStore is an in-memory queue and pair store sharing one lock, so that a
// claim and the pair it creates are atomic the same way the database
// transaction is.
type memStore struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int64
	entries []Entry
	pairs   map[int64]*pair.Pair

	// beforeClaim runs under the lock right before a claim looks up its
	// entry; tests use it to simulate a concurrent claimer.
	beforeClaim func(entryID int64)
}

func newMemStore() *memStore {
	return &memStore{
		now:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
		pairs: make(map[int64]*pair.Pair),
	}
}

// add enqueues an entry created offset after the store's base time.
func (m *memStore) add(userID int64, gender, interest string, offset time.Duration) int64 {
	id, _ := m.Enqueue(context.Background(), Entry{
		UserID:    userID,
		Gender:    gender,
		Interest:  interest,
		CreatedAt: m.now.Add(offset),
	})
	return id
}

func (m *memStore) Enqueue(_ context.Context, e Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, have := range m.entries {
		if have.UserID == e.UserID {
			return have.ID, nil
		}
	}
	m.nextID++
	e.ID = m.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now
	}
	m.entries = append(m.entries, e)
	return e.ID, nil
}

func (m *memStore) DequeueByUser(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeWhere(func(e Entry) bool { return e.UserID == userID }) != nil, nil
}

func (m *memStore) FindByUser(_ context.Context, userID int64) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.UserID == userID {
			e := e
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memStore) PeekCompatible(_ context.Context, c Criteria) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.sorted() {
		if c.Matches(&e) {
			return &e, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListAll(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(), nil
}

func (m *memStore) Size(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *memStore) Claim(_ context.Context, entryID, seekerID int64) (*Entry, *pair.Pair, error) {
	return m.claim(seekerID, func(e Entry) bool { return e.ID == entryID })
}

func (m *memStore) ClaimByUser(_ context.Context, partnerUserID, seekerID int64) (*Entry, *pair.Pair, error) {
	if partnerUserID == seekerID {
		return nil, nil, ErrSelfMatch
	}
	return m.claim(seekerID, func(e Entry) bool { return e.UserID == partnerUserID })
}

func (m *memStore) claim(seekerID int64, match func(Entry) bool) (*Entry, *pair.Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.beforeClaim != nil {
		for _, e := range m.entries {
			if match(e) {
				m.beforeClaim(e.ID)
				break
			}
		}
	}

	entry := m.removeWhere(match)
	if entry == nil {
		return nil, nil, ErrEntryGone
	}
	if entry.UserID == seekerID {
		m.entries = append(m.entries, *entry)
		return nil, nil, ErrSelfMatch
	}
	if m.activeFor(seekerID) != nil {
		m.entries = append(m.entries, *entry)
		return nil, nil, ErrSeekerBusy
	}
	if m.activeFor(entry.UserID) != nil {
		return nil, nil, ErrEntryGone
	}
	m.removeWhere(func(e Entry) bool { return e.UserID == seekerID })

	m.nextID++
	p := &pair.Pair{
		ID:        m.nextID,
		UserID:    seekerID,
		PartnerID: entry.UserID,
		Status:    pair.StatusActive,
		StartedAt: m.now,
	}
	m.pairs[p.ID] = p
	cp := *p
	return entry, &cp, nil
}

func (m *memStore) RemoveOlderThan(_ context.Context, cutoff time.Time) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out, keep []Entry
	for _, e := range m.sorted() {
		if e.CreatedAt.Before(cutoff) {
			out = append(out, e)
		} else {
			keep = append(keep, e)
		}
	}
	m.entries = keep
	return out, nil
}

// removeWhere deletes the first entry matching f. Callers hold the lock.
func (m *memStore) removeWhere(f func(Entry) bool) *Entry {
	for i, e := range m.entries {
		if f(e) {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return &e
		}
	}
	return nil
}

func (m *memStore) sorted() []Entry {
	out := append([]Entry(nil), m.entries...)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) activeFor(userID int64) *pair.Pair {
	for _, p := range m.pairs {
		if p.Active() && p.IsParticipant(userID) {
			return p
		}
	}
	return nil
}

// memPairs exposes the pairs of a memStore as a pair.Store.
type memPairs struct{ m *memStore }

func (p memPairs) Get(_ context.Context, id int64) (*pair.Pair, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if got, ok := p.m.pairs[id]; ok {
		cp := *got
		return &cp, nil
	}
	return nil, nil
}

func (p memPairs) FindActiveByUser(_ context.Context, userID int64) (*pair.Pair, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if got := p.m.activeFor(userID); got != nil {
		cp := *got
		return &cp, nil
	}
	return nil, nil
}

func (p memPairs) FindBetween(_ context.Context, a, b int64) (*pair.Pair, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	var best *pair.Pair
	for _, got := range p.m.pairs {
		if got.IsParticipant(a) && got.IsParticipant(b) && (best == nil || got.ID > best.ID) {
			best = got
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (p memPairs) End(_ context.Context, id, endedBy int64, reason string) (bool, error) {
	return p.finish(id, endedBy, reason, pair.StatusEnded)
}

func (p memPairs) Block(_ context.Context, id, endedBy int64, reason string) (bool, error) {
	return p.finish(id, endedBy, reason, pair.StatusBlocked)
}

func (p memPairs) finish(id, endedBy int64, reason string, status pair.Status) (bool, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	got, ok := p.m.pairs[id]
	if !ok || !got.Active() {
		return false, nil
	}
	got.Status, got.EndedBy, got.EndReason, got.EndedAt = status, endedBy, reason, p.m.now
	return true, nil
}

func (p memPairs) AddRating(_ context.Context, pr *pair.Pair, raterID int64, rating int) (bool, error) {
	if rating < pair.MinRating || rating > pair.MaxRating {
		return false, pair.ErrInvalidRating
	}
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	got, ok := p.m.pairs[pr.ID]
	if !ok {
		return false, nil
	}
	switch raterID {
	case got.UserID:
		got.RatingUser, pr.RatingUser = rating, rating
	case got.PartnerID:
		got.RatingPartner, pr.RatingPartner = rating, rating
	default:
		return false, nil
	}
	return true, nil
}

func (p memPairs) RecordMessage(_ context.Context, id int64, at time.Time) error {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	if got, ok := p.m.pairs[id]; ok {
		got.ConversationCount++
		got.LastMessageAt = at
	}
	return nil
}

func (p memPairs) CountActive(_ context.Context) (int, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	n := 0
	for _, got := range p.m.pairs {
		if got.Active() {
			n++
		}
	}
	return n, nil
}

// memUsers is an in-memory user.Directory.
type memUsers struct {
	mu    sync.Mutex
	users map[int64]*user.User
}

func newMemUsers(us ...*user.User) *memUsers {
	d := &memUsers{users: make(map[int64]*user.User)}
	for _, u := range us {
		d.users[u.ID] = u
	}
	return d
}

func (d *memUsers) Get(_ context.Context, id int64) (*user.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (d *memUsers) SetSearching(_ context.Context, id int64, searching bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		u.IsSearching = searching
	}
	return nil
}

func (d *memUsers) SetSafeMode(_ context.Context, id int64, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		u.SafeMode = enabled
	}
	return nil
}

func (d *memUsers) TouchMessage(_ context.Context, id int64, t time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[id]; ok {
		u.LastMessageAt, u.LastActivityAt = t, t
	}
	return nil
}

func (d *memUsers) ApplySoftBan(_ context.Context, id int64, until time.Time) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok || u.SoftBanned(time.Now()) {
		return false, nil
	}
	u.SoftBannedUntil = until
	return true, nil
}

func (d *memUsers) Counts(_ context.Context) (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	premium := 0
	for _, u := range d.users {
		if u.IsPremium {
			premium++
		}
	}
	return len(d.users), premium, nil
}

func (d *memUsers) searching(id int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.users[id].IsSearching
}

// recordingSender captures outgoing relays.
type recordingSender struct {
	mu   sync.Mutex
	sent []protocol.Relay
}

func (s *recordingSender) Send(_ context.Context, r protocol.Relay) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, r)
	return nil
}

// types returns the notice types sent to target, in order.
func (s *recordingSender) types(target int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, r := range s.sent {
		if r.TargetUserID != target {
			continue
		}
		var body struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(r.Payload, &body)
		out = append(out, body.Type)
	}
	return out
}

// denyLimiter refuses everything.
type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

func (denyLimiter) RetryAfter(context.Context, string, ratelimit.Rule) time.Duration {
	return 42 * time.Second
}
