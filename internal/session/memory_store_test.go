package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fedilogin/internal/types"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestMemoryStore_RoundTripAndExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(time.Hour, clock)
	ctx := context.Background()

	s := New(clock.now)
	s.IdentityID = "id-1"
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.IdentityID)

	got.IdentityID = "mutated"
	again, err := store.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "id-1", again.IdentityID, "store must not alias returned sessions")

	clock.now = clock.now.Add(time.Hour)
	_, err = store.Get(ctx, s.ID)
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundSession))
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_SaveSweepsAbandonedRecords(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(time.Hour, clock)
	ctx := context.Background()

	abandoned := New(clock.now)
	require.NoError(t, store.Save(ctx, abandoned))

	clock.now = clock.now.Add(30 * time.Minute)
	live := New(clock.now)
	require.NoError(t, store.Save(ctx, live))

	clock.now = clock.now.Add(31 * time.Minute)
	require.NoError(t, store.Save(ctx, New(clock.now)))

	assert.Equal(t, 2, store.Len(), "the never-read expired record is dropped")
	_, err := store.Get(ctx, live.ID)
	assert.NoError(t, err)
}

func TestSession_Rotate(t *testing.T) {
	now := time.Now()
	s := New(now)
	s.Flow = Flow{StateToken: "x", PendingHostname: "h"}

	next := s.Rotate("id-1", now)
	assert.NotEqual(t, s.ID, next.ID)
	assert.Equal(t, "id-1", next.IdentityID)
	assert.Equal(t, Flow{}, next.Flow)
	assert.True(t, next.Authenticated())
	assert.False(t, s.Authenticated())

	var nilSession *Session
	assert.False(t, nilSession.Authenticated())
}

func TestCookies(t *testing.T) {
	opts := CookieOptions{Secure: true, MaxAge: time.Hour}

	rec := httptest.NewRecorder()
	SetCookie(rec, "abc", opts)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	c := cookies[0]
	assert.Equal(t, DefaultCookieName, c.Name)
	assert.Equal(t, "abc", c.Value)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
	assert.Equal(t, 3600, c.MaxAge)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(c)
	assert.Equal(t, "abc", ReadCookie(req, opts))
	assert.Equal(t, "", ReadCookie(httptest.NewRequest(http.MethodGet, "/", nil), opts))

	rec = httptest.NewRecorder()
	ClearCookie(rec, opts)
	cleared := rec.Result().Cookies()
	require.Len(t, cleared, 1)
	assert.Equal(t, -1, cleared[0].MaxAge)
}
