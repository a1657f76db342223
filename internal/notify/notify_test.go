package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	seen []Notification
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Deliver(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
	return r.err
}

func (r *recordingSink) notifications() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.seen...)
}

func TestNotifyFansOutToAllSinks(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	svc := NewService(testLogger(), a, b)

	svc.Notify(context.Background(), "user_1", "escrow_held", "payment received")

	for _, sink := range []*recordingSink{a, b} {
		got := sink.notifications()
		require.Len(t, got, 1)
		assert.Equal(t, "user_1", got[0].UserID)
		assert.Equal(t, "escrow_held", got[0].Kind)
		assert.NotEmpty(t, got[0].ID)
	}
}

func TestNotifyContinuesPastFailingSink(t *testing.T) {
	broken := &recordingSink{name: "broken", err: errors.New("boom")}
	healthy := &recordingSink{name: "healthy"}
	svc := NewService(testLogger(), broken, healthy)

	// Must not panic or propagate the sink error.
	svc.Notify(context.Background(), "user_1", "escrow_released", "paid")

	assert.Len(t, healthy.notifications(), 1)
}

func TestNotifySkipsEmptyUser(t *testing.T) {
	sink := &recordingSink{name: "a"}
	svc := NewService(testLogger(), sink)

	svc.Notify(context.Background(), "", "escrow_held", "ignored")

	assert.Empty(t, sink.notifications())
}

func TestSMSSinkForwardsMoneyKindsOnly(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewSMSSink(srv.URL, "sk_test")
	ctx := context.Background()

	require.NoError(t, sink.Deliver(ctx, Notification{UserID: "u1", Kind: "escrow_released", Message: "paid"}))
	require.NoError(t, sink.Deliver(ctx, Notification{UserID: "u1", Kind: "escrow_held", Message: "held"}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0], `"recipient":"u1"`)
}

func TestSMSSinkRetriesServerErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := NewSMSSink(srv.URL, "sk_test")
	err := sink.Deliver(context.Background(), Notification{UserID: "u1", Kind: "dispute_opened", Message: "x"})
	assert.Error(t, err)
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestSMSSinkDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewSMSSink(srv.URL, "sk_test")
	err := sink.Deliver(context.Background(), Notification{UserID: "u1", Kind: "dispute_opened", Message: "x"})
	assert.Error(t, err)
	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
}

func TestHubDeliverAfterStop(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	require.NoError(t, hub.Deliver(context.Background(), Notification{UserID: "u1"}))

	cancel()
	<-done
	assert.Error(t, hub.Deliver(context.Background(), Notification{UserID: "u1"}))
}
