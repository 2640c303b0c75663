package ban

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kyla/chatcore/internal/user"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client), mr
}

func TestIsBanned_NotBanned(t *testing.T) {
	store, _ := newTestStore(t)

	banned, remaining, reason, err := store.IsBanned(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if banned {
		t.Errorf("expected not banned, got banned (remaining=%s reason=%q)", remaining, reason)
	}
}

func TestBanAndCheck(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ok, err := store.Ban(ctx, 7, 30*time.Minute, "promotion")
	if err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	if !ok {
		t.Fatal("expected first Ban to take effect")
	}

	banned, remaining, reason, err := store.IsBanned(ctx, 7)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if !banned {
		t.Fatal("expected user to be banned")
	}
	if reason != "promotion" {
		t.Errorf("reason = %q, want %q", reason, "promotion")
	}
	if remaining <= 0 || remaining > 30*time.Minute {
		t.Errorf("remaining = %s, want (0, 30m]", remaining)
	}
}

func TestBan_DoesNotExtendExisting(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Ban(ctx, 7, 10*time.Minute, "promotion"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	ok, err := store.Ban(ctx, 7, 5*time.Hour, "flood")
	if err != nil {
		t.Fatalf("second Ban() error: %v", err)
	}
	if ok {
		t.Error("expected second Ban to report false")
	}
	if ttl := mr.TTL(Prefix + "7"); ttl != 10*time.Minute {
		t.Errorf("ttl = %s, want 10m", ttl)
	}
}

func TestBan_Expires(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Ban(ctx, 7, time.Minute, "promotion"); err != nil {
		t.Fatalf("Ban() error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	banned, _, _, err := store.IsBanned(ctx, 7)
	if err != nil {
		t.Fatalf("IsBanned() error: %v", err)
	}
	if banned {
		t.Error("expected ban to have expired")
	}
}

func TestIsBanned_RedisDown(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	if _, _, _, err := store.IsBanned(context.Background(), 7); err == nil {
		t.Fatal("expected an error when redis is unavailable")
	}
}

// banUsers records ApplySoftBan calls and applies the same "only if not
// already in force" rule as the user row.
type banUsers struct {
	mu    sync.Mutex
	until map[int64]time.Time
	calls int
	err   error
}

func (u *banUsers) Get(_ context.Context, id int64) (*user.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return &user.User{ID: id, SoftBannedUntil: u.until[id]}, nil
}

func (u *banUsers) ApplySoftBan(_ context.Context, id int64, until time.Time) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	if u.err != nil {
		return false, u.err
	}
	if cur, ok := u.until[id]; ok && cur.After(now) {
		return false, nil
	}
	u.until[id] = until
	return true, nil
}

func (u *banUsers) SetSearching(context.Context, int64, bool) error      { return nil }
func (u *banUsers) SetSafeMode(context.Context, int64, bool) error       { return nil }
func (u *banUsers) TouchMessage(context.Context, int64, time.Time) error { return nil }
func (u *banUsers) Counts(context.Context) (int, int, error)             { return 0, 0, nil }

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEnforcer(t *testing.T) (*Enforcer, *banUsers, *miniredis.Miniredis) {
	t.Helper()
	store, mr := newTestStore(t)
	users := &banUsers{until: map[int64]time.Time{}}
	e := NewEnforcer(store, users)
	e.now = func() time.Time { return now }
	return e, users, mr
}

func TestSoftBan_Applies(t *testing.T) {
	e, users, mr := newTestEnforcer(t)
	ctx := context.Background()

	applied, err := e.SoftBan(ctx, 7, time.Hour, "promotion")
	if err != nil {
		t.Fatalf("SoftBan() error: %v", err)
	}
	if !applied {
		t.Fatal("expected soft ban to be applied")
	}
	if got := users.until[7]; !got.Equal(now.Add(time.Hour)) {
		t.Errorf("soft_banned_until = %s, want %s", got, now.Add(time.Hour))
	}
	if !mr.Exists(Prefix + "7") {
		t.Error("expected the ban to be mirrored in redis")
	}
}

func TestSoftBan_AlreadyBannedSkipsUserRow(t *testing.T) {
	e, users, _ := newTestEnforcer(t)
	ctx := context.Background()

	if _, err := e.SoftBan(ctx, 7, time.Hour, "promotion"); err != nil {
		t.Fatalf("SoftBan() error: %v", err)
	}
	applied, err := e.SoftBan(ctx, 7, time.Hour, "promotion")
	if err != nil {
		t.Fatalf("second SoftBan() error: %v", err)
	}
	if applied {
		t.Error("expected second SoftBan to report false")
	}
	if users.calls != 1 {
		t.Errorf("ApplySoftBan calls = %d, want 1", users.calls)
	}
}

func TestSoftBan_UserRowDecides(t *testing.T) {
	e, users, mr := newTestEnforcer(t)
	ctx := context.Background()

	// Banned in the database but the mirror was lost.
	users.until[7] = now.Add(30 * time.Minute)

	applied, err := e.SoftBan(ctx, 7, time.Hour, "promotion")
	if err != nil {
		t.Fatalf("SoftBan() error: %v", err)
	}
	if applied {
		t.Error("expected the existing row ban to win")
	}
	if mr.Exists(Prefix + "7") {
		t.Error("mirror must not be written when nothing was applied")
	}
}

func TestSoftBan_RedisDownStillBans(t *testing.T) {
	e, users, mr := newTestEnforcer(t)
	mr.Close()

	applied, err := e.SoftBan(context.Background(), 7, time.Hour, "promotion")
	if err != nil {
		t.Fatalf("SoftBan() error: %v", err)
	}
	if !applied {
		t.Error("expected the user row ban to be applied without redis")
	}
	if users.calls != 1 {
		t.Errorf("ApplySoftBan calls = %d, want 1", users.calls)
	}
}

func TestSoftBan_DirectoryError(t *testing.T) {
	e, users, mr := newTestEnforcer(t)
	users.err = errors.New("db down")

	if _, err := e.SoftBan(context.Background(), 7, time.Hour, "promotion"); err == nil {
		t.Fatal("expected an error")
	}
	if mr.Exists(Prefix + "7") {
		t.Error("mirror must not be written on failure")
	}
}
