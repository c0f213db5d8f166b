package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/openapi-streamer/internal/codec"
)

func jsonParams() Params {
	return Params{Path: "/trade/v1/infoprices/subscriptions", Format: codec.FormatJSON}
}

func newActive(t *testing.T, r *Registry, name string) Ticket {
	t.Helper()
	require.NoError(t, r.Upsert(name, jsonParams(), nil))
	tk, err := r.Begin(name, false)
	require.NoError(t, err)
	require.True(t, r.Commit(tk, 5*time.Second, ""))
	return tk
}

func TestValidateName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"prices", true},
		{"EURUSD_1", true},
		{"a-b", true},
		{"", false},
		{"_heartbeat", false},
		{"-lead", false},
		{"with space", false},
		{"x123456789012345678901234567890123456789", true},
		{"x1234567890123456789012345678901234567890", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := ValidateName(c.name)
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidName)
			}
		})
	}
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, jsonParams().Validate())
	assert.Error(t, Params{Format: codec.FormatJSON}.Validate())
	assert.ErrorIs(t, Params{Path: "/x", Format: codec.Format(7)}.Validate(), codec.ErrUnknownFormat)
	assert.Error(t, Params{Path: "/x", RefreshRate: -1}.Validate())
}

func TestRegistry_BeginCommit(t *testing.T) {
	r := NewRegistry()
	_, err := r.Begin("missing", false)
	require.ErrorIs(t, err, ErrNotFound)

	tk := newActive(t, r, "prices")
	assert.Equal(t, "prices-1", tk.ReferenceID)
	assert.Empty(t, tk.ReplaceReferenceID)

	info, ok := r.Get("prices")
	require.True(t, ok)
	assert.True(t, info.Active)
	assert.Equal(t, "prices-1", info.ReferenceID)
	assert.Equal(t, 5*time.Second, info.InactivityTimeout)
	assert.Equal(t, 1, info.Registrations)
	assert.Equal(t, HealthUnknown, info.Health)

	byRef, ok := r.Lookup("prices-1")
	require.True(t, ok)
	assert.Equal(t, "prices", byRef.Name)
}

func TestRegistry_ReplaceKeepsActiveWithoutGap(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "prices")

	tk, err := r.Begin("prices", true)
	require.NoError(t, err)
	assert.Equal(t, "prices-2", tk.ReferenceID)
	assert.Equal(t, "prices-1", tk.ReplaceReferenceID)

	// пока ответ не пришёл, старая регистрация остаётся активной
	info, _ := r.Get("prices")
	assert.True(t, info.Active)
	assert.Equal(t, "prices-1", info.ReferenceID)
	_, ok := r.Lookup("prices-2")
	assert.True(t, ok, "pending id must already route")

	require.True(t, r.Commit(tk, time.Second, ""))
	info, _ = r.Get("prices")
	assert.True(t, info.Active)
	assert.Equal(t, "prices-2", info.ReferenceID)
	_, ok = r.Lookup("prices-1")
	assert.False(t, ok, "old reference id must be forgotten")
	assert.Len(t, r.Active(), 1)
}

func TestRegistry_ReplaceOnInactiveHasNoReplaceID(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("prices", jsonParams(), nil))
	tk, err := r.Begin("prices", true)
	require.NoError(t, err)
	assert.Empty(t, tk.ReplaceReferenceID)
}

func TestRegistry_StaleCommitIgnored(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("acct", jsonParams(), nil))

	first, err := r.Begin("acct", false)
	require.NoError(t, err)
	second, err := r.Begin("acct", false)
	require.NoError(t, err)

	assert.False(t, r.Commit(first, time.Second, ""), "superseded ticket must not commit")
	_, ok := r.Lookup(first.ReferenceID)
	assert.False(t, ok)

	assert.True(t, r.Commit(second, time.Second, ""))
	info, _ := r.Get("acct")
	assert.Equal(t, second.ReferenceID, info.ReferenceID)
}

func TestRegistry_CommitAfterDeleteIgnored(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("acct", jsonParams(), nil))
	tk, err := r.Begin("acct", false)
	require.NoError(t, err)

	_, ok := r.Delete("acct")
	require.True(t, ok)
	assert.False(t, r.Commit(tk, time.Second, ""))
	_, ok = r.Get("acct")
	assert.False(t, ok)
}

func TestRegistry_InvalidateMakesInflightStale(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "prices")
	tk, err := r.Begin("prices", true)
	require.NoError(t, err)

	r.Invalidate()
	assert.False(t, r.Commit(tk, time.Second, ""))

	info, _ := r.Get("prices")
	assert.True(t, info.Active, "invalidate keeps the active flag for recreation")
	assert.Equal(t, "prices-1", info.ReferenceID)
}

// Первый create, прерванный обрывом, попадает в список на пересоздание.
func TestRegistry_InterruptedFirstCreateRecoverable(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "a")
	require.NoError(t, r.Upsert("b", jsonParams(), nil))
	require.NoError(t, r.Upsert("idle", jsonParams(), nil))
	tk, err := r.Begin("b", false)
	require.NoError(t, err)

	r.Invalidate()
	require.False(t, r.Commit(tk, time.Second, ""))

	list := r.Recoverable()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Name)
	assert.Equal(t, "b", list[1].Name)
	assert.False(t, list[1].Active)

	retry, err := r.Begin("b", false)
	require.NoError(t, err)
	require.True(t, r.Commit(retry, time.Second, ""))
	r.DeactivateAll()
	assert.Empty(t, r.Recoverable())
}

func TestRegistry_Abort(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "prices")
	tk, err := r.Begin("prices", true)
	require.NoError(t, err)
	r.Abort(tk)

	_, ok := r.Lookup(tk.ReferenceID)
	assert.False(t, ok)
	info, _ := r.Get("prices")
	assert.Equal(t, "prices-1", info.ReferenceID)
	assert.True(t, info.Active)
}

func TestRegistry_RouteAndTick(t *testing.T) {
	r := NewRegistry()
	var got []Delivery
	require.NoError(t, r.Upsert("prices", jsonParams(), func(_ context.Context, d Delivery) {
		got = append(got, d)
	}))
	tk, err := r.Begin("prices", false)
	require.NoError(t, err)
	require.True(t, r.Commit(tk, time.Second, ""))

	// без трафика: unhealthy, флаг остаётся false
	_, h := r.Tick("prices")
	assert.Equal(t, HealthUnhealthy, h)
	info, _ := r.Get("prices")
	assert.False(t, info.RecentData)

	name, handler, ok := r.Route(tk.ReferenceID)
	require.True(t, ok)
	assert.Equal(t, "prices", name)
	require.NotNil(t, handler)
	handler(context.Background(), Delivery{Subscription: name})
	assert.Len(t, got, 1)

	info, _ = r.Get("prices")
	assert.True(t, info.RecentData)
	assert.False(t, info.LastMessageAt.IsZero())

	// трафик был: healthy, флаг сброшен
	_, h = r.Tick("prices")
	assert.Equal(t, HealthHealthy, h)
	info, _ = r.Get("prices")
	assert.False(t, info.RecentData)

	// heartbeat тоже считается признаком жизни
	assert.True(t, r.MarkAlive(tk.ReferenceID))
	_, h = r.Tick("prices")
	assert.Equal(t, HealthHealthy, h)

	_, _, ok = r.Route("unknown-1")
	assert.False(t, ok)
	assert.False(t, r.MarkAlive("unknown-1"))
}

func TestRegistry_TickInactiveIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Upsert("prices", jsonParams(), nil))
	_, h := r.Tick("prices")
	assert.Equal(t, HealthInactive, h)

	_, h = r.Tick("missing")
	assert.Equal(t, HealthUnknown, h)
}

func TestRegistry_DeactivateAll(t *testing.T) {
	r := NewRegistry()
	a := newActive(t, r, "a")
	newActive(t, r, "b")

	r.DeactivateAll()
	assert.Empty(t, r.Active())
	_, ok := r.Lookup(a.ReferenceID)
	assert.False(t, ok)

	list := r.List()
	require.Len(t, list, 2)
	for _, info := range list {
		assert.False(t, info.Active)
		assert.Equal(t, HealthInactive, info.Health)
	}
}

func TestRegistry_ActiveFilterAndOrder(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "c")
	b := newActive(t, r, "b")
	newActive(t, r, "a")
	require.NoError(t, r.Upsert("idle", jsonParams(), nil))

	all := r.Active()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{all[0].Name, all[1].Name, all[2].Name})

	only := r.Active(b.ReferenceID, "nope-1")
	require.Len(t, only, 1)
	assert.Equal(t, "b", only[0].Name)
}

func TestRegistry_UpsertKeepsRegistration(t *testing.T) {
	r := NewRegistry()
	newActive(t, r, "prices")

	p := jsonParams()
	p.RefreshRate = 500
	require.NoError(t, r.Upsert("prices", p, nil))

	info, _ := r.Get("prices")
	assert.True(t, info.Active)
	assert.Equal(t, 500, info.Params.RefreshRate)

	assert.ErrorIs(t, r.Upsert("_bad", p, nil), ErrInvalidName)
}
