package delivery

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chainguard-dev/clog/slogtest"
	"github.com/google/go-cmp/cmp"

	"github.com/atscard/webpush"
	"github.com/atscard/webpush/keys"
	"github.com/atscard/webpush/metrics"
	"github.com/atscard/webpush/storage"
	"github.com/atscard/webpush/vapid"
)

type clientKeys struct {
	priv *ecdh.PrivateKey
	auth []byte
}

func newSubscription(t *testing.T, endpoint string) (*webpush.Subscription, clientKeys) {
	t.Helper()

	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return &webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(priv.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}, clientKeys{priv: priv, auth: auth}
}

func newClient(t *testing.T, server *httptest.Server) *webpush.Client {
	t.Helper()

	privB64, _, err := keys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	signer, err := keys.NewFileSignerFromBase64(privB64)
	if err != nil {
		t.Fatalf("NewFileSignerFromBase64() error = %v", err)
	}
	auth, err := vapid.NewAuthenticator(context.Background(), signer, "mailto:test@example.com")
	if err != nil {
		t.Fatalf("NewAuthenticator() error = %v", err)
	}
	return webpush.NewClient(auth).WithHTTPClient(server.Client())
}

func save(t *testing.T, store storage.Storage, userID string, sub *webpush.Subscription) *storage.Record {
	t.Helper()

	record := &storage.Record{UserID: userID, Subscription: sub}
	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return record
}

func TestSendToUser_FaultIsolation(t *testing.T) {
	ctx := slogtest.Context(t)

	var mu sync.Mutex
	bodies := map[string][]byte{}
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies[r.URL.Path] = body
		mu.Unlock()

		switch r.URL.Path {
		case "/a":
			w.WriteHeader(http.StatusCreated)
		case "/b":
			w.WriteHeader(http.StatusGone)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	store := storage.NewMemory()
	subA, keysA := newSubscription(t, server.URL+"/a")
	subB, _ := newSubscription(t, server.URL+"/b")
	recA := save(t, store, "user-1", subA)
	recB := save(t, store, "user-1", subB)

	svc := New(store, newClient(t, server), WithMetrics(metrics.New()))

	sent, err := svc.Notify(ctx, "user-1", "Hello", "World", map[string]any{"url": "/inbox"})
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sent != 1 {
		t.Errorf("Notify() = %d, want 1", sent)
	}

	if _, err := store.Get(ctx, recA.ID); err != nil {
		t.Errorf("subscription A was removed: %v", err)
	}
	if _, err := store.Get(ctx, recB.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("subscription B Get() error = %v, want ErrNotFound", err)
	}

	// The accepted message decrypts to the notification document.
	plaintext, err := webpush.Decrypt(bodies["/a"], keysA.priv, keysA.auth)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	var got Notification
	if err := json.Unmarshal(plaintext, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	want := Notification{
		Title:     "Hello",
		Body:      "World",
		Icon:      DefaultIcon,
		Badge:     DefaultBadge,
		Data:      map[string]any{"url": "/inbox"},
		Timestamp: got.Timestamp,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("notification mismatch (-want +got):\n%s", diff)
	}
	if got.Timestamp == 0 {
		t.Error("notification timestamp is zero")
	}
}

func TestSendToUser_NoSubscriptions(t *testing.T) {
	ctx := slogtest.Context(t)

	sender := &fakeSender{}
	svc := New(storage.NewMemory(), sender)

	sent, err := svc.Notify(ctx, "nobody", "Hello", "World", nil)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sent != 0 {
		t.Errorf("Notify() = %d, want 0", sent)
	}
	if n := sender.calls.Load(); n != 0 {
		t.Errorf("Send() called %d times, want 0", n)
	}
}

func TestSendToUser_PayloadTooLarge(t *testing.T) {
	ctx := slogtest.Context(t)

	store := storage.NewMemory()
	sub, _ := newSubscription(t, "https://push.example.com/a")
	save(t, store, "user-1", sub)

	sender := &fakeSender{}
	svc := New(store, sender)

	_, err := svc.Notify(ctx, "user-1", "Hello", strings.Repeat("x", webpush.MaxPayloadSize), nil)
	if !errors.Is(err, webpush.ErrPayloadTooLarge) {
		t.Fatalf("Notify() error = %v, want ErrPayloadTooLarge", err)
	}
	if n := sender.calls.Load(); n != 0 {
		t.Errorf("Send() called %d times, want 0", n)
	}
}

func TestSendToUser_PayloadLimitIsExact(t *testing.T) {
	ctx := slogtest.Context(t)
	now := time.Unix(1700000000, 0)

	n := Notification{Title: "t", Body: "b", Timestamp: now.Unix()}
	payload, err := n.Payload(Defaults{}, now)
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	limit := webpush.EncryptedSize(len(payload), 0)

	store := storage.NewMemory()
	sub, _ := newSubscription(t, "https://push.example.com/a")
	save(t, store, "user-1", sub)

	sender := &fakeSender{}
	svc := New(store, sender, WithDefaults(Defaults{}), WithMaxPayloadSize(limit))
	svc.now = func() time.Time { return now }

	if sent, err := svc.SendToUser(ctx, "user-1", n); err != nil || sent != 1 {
		t.Errorf("SendToUser() at limit = (%d, %v), want (1, nil)", sent, err)
	}

	svc = New(store, sender, WithDefaults(Defaults{}), WithMaxPayloadSize(limit-1))
	svc.now = func() time.Time { return now }
	if _, err := svc.SendToUser(ctx, "user-1", n); !errors.Is(err, webpush.ErrPayloadTooLarge) {
		t.Errorf("SendToUser() over limit error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestSendToUser_PayloadLimitCappedAtRecordSize(t *testing.T) {
	ctx := slogtest.Context(t)

	store := storage.NewMemory()
	sub, _ := newSubscription(t, "https://push.example.com/a")
	save(t, store, "user-1", sub)

	sender := &fakeSender{}
	svc := New(store, sender, WithMaxPayloadSize(2*webpush.RecordSize))

	_, err := svc.Notify(ctx, "user-1", "Hello", strings.Repeat("x", 5000), nil)
	if !errors.Is(err, webpush.ErrPayloadTooLarge) {
		t.Fatalf("Notify() error = %v, want ErrPayloadTooLarge", err)
	}
	if n := sender.calls.Load(); n != 0 {
		t.Errorf("Send() called %d times, want 0", n)
	}
}

func TestSendToUser_InvalidKeyIsPruned(t *testing.T) {
	ctx := slogtest.Context(t)

	var hits atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	store := storage.NewMemory()
	good, _ := newSubscription(t, server.URL+"/good")
	bad := &webpush.Subscription{
		Endpoint: server.URL + "/bad",
		Keys:     webpush.Keys{P256dh: "bm90LWEta2V5", Auth: "tBHItJI5svbpez7KI4CCXg"},
	}
	save(t, store, "user-1", good)
	badRec := save(t, store, "user-1", bad)

	svc := New(store, newClient(t, server))

	sent, err := svc.Notify(ctx, "user-1", "Hello", "World", nil)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sent != 1 {
		t.Errorf("Notify() = %d, want 1", sent)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("push service received %d requests, want 1", n)
	}
	if _, err := store.Get(ctx, badRec.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("invalid subscription Get() error = %v, want ErrNotFound", err)
	}
}

func TestSendToUser_RetainableFailuresAreKept(t *testing.T) {
	ctx := slogtest.Context(t)

	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		case "/bad-request":
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer server.Close()

	store := storage.NewMemory()
	for _, path := range []string{"/limited", "/broken", "/bad-request"} {
		sub, _ := newSubscription(t, server.URL+path)
		save(t, store, "user-1", sub)
	}

	svc := New(store, newClient(t, server))

	sent, err := svc.Notify(ctx, "user-1", "Hello", "World", nil)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sent != 0 {
		t.Errorf("Notify() = %d, want 0", sent)
	}
	records, err := store.GetByUserID(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetByUserID() error = %v", err)
	}
	if len(records) != 3 {
		t.Errorf("GetByUserID() count = %d, want 3", len(records))
	}
}

func TestSendToUser_RegistryError(t *testing.T) {
	ctx := slogtest.Context(t)

	boom := errors.New("database is down")
	svc := New(failingRegistry{err: boom}, &fakeSender{})

	if _, err := svc.Notify(ctx, "user-1", "Hello", "World", nil); !errors.Is(err, boom) {
		t.Errorf("Notify() error = %v, want %v", err, boom)
	}
}

func TestSendToUser_Disabled(t *testing.T) {
	ctx := slogtest.Context(t)

	store := storage.NewMemory()
	sub, _ := newSubscription(t, "https://push.example.com/a")
	save(t, store, "user-1", sub)

	svc := New(store, nil)
	if svc.Enabled() {
		t.Fatal("Enabled() = true, want false")
	}

	sent, err := svc.Notify(ctx, "user-1", "Hello", "World", nil)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sent != 0 {
		t.Errorf("Notify() = %d, want 0", sent)
	}
}

func TestSendToUser_ConcurrencyBound(t *testing.T) {
	ctx := slogtest.Context(t)

	store := storage.NewMemory()
	for i := 0; i < 10; i++ {
		sub, _ := newSubscription(t, "https://push.example.com/"+string(rune('a'+i)))
		save(t, store, "user-1", sub)
	}

	sender := &fakeSender{delay: 20 * time.Millisecond}
	svc := New(store, sender, WithMaxConcurrency(2))

	sent, err := svc.Notify(ctx, "user-1", "Hello", "World", nil)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sent != 10 {
		t.Errorf("Notify() = %d, want 10", sent)
	}
	if peak := sender.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestSendToUser_BackoffReleasesSlot(t *testing.T) {
	ctx := slogtest.Context(t)

	store := storage.NewMemory()
	slow, _ := newSubscription(t, "https://push.example.com/slow")
	save(t, store, "user-1", slow)
	fast, _ := newSubscription(t, "https://push.example.com/fast")
	save(t, store, "user-2", fast)

	firstAttempt := make(chan struct{})
	var slowCalls atomic.Int32
	sender := senderFunc(func(_ context.Context, sub *webpush.Subscription) (*webpush.Response, error) {
		if sub.Endpoint == slow.Endpoint && slowCalls.Add(1) == 1 {
			close(firstAttempt)
			return nil, &webpush.PushError{StatusCode: http.StatusTooManyRequests, Class: webpush.ClassRateLimited, RetryAfter: time.Second}
		}
		return &webpush.Response{StatusCode: http.StatusCreated}, nil
	})
	svc := New(store, sender, WithMaxConcurrency(1), WithRetries(1, time.Millisecond, 500*time.Millisecond))

	type result struct {
		sent int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		sent, err := svc.Notify(ctx, "user-1", "Hello", "World", nil)
		done <- result{sent, err}
	}()
	<-firstAttempt

	// user-1 is now waiting out its backoff; the only slot must be free.
	start := time.Now()
	sent, err := svc.Notify(ctx, "user-2", "Hello", "World", nil)
	if err != nil || sent != 1 {
		t.Fatalf("Notify(user-2) = (%d, %v), want (1, nil)", sent, err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("Notify(user-2) took %s while another send was backing off", elapsed)
	}

	if res := <-done; res.err != nil || res.sent != 1 {
		t.Errorf("Notify(user-1) = (%d, %v), want (1, nil)", res.sent, res.err)
	}
	if n := slowCalls.Load(); n != 2 {
		t.Errorf("slow endpoint called %d times, want 2", n)
	}
}

func TestSendToUser_RetriesTransientFailures(t *testing.T) {
	ctx := slogtest.Context(t)

	store := storage.NewMemory()
	sub, _ := newSubscription(t, "https://push.example.com/a")
	save(t, store, "user-1", sub)

	sender := &fakeSender{
		errs: []error{
			&webpush.PushError{StatusCode: http.StatusServiceUnavailable, Class: webpush.ClassServerError},
			// Retry-After beyond the cap must not stall the test.
			&webpush.PushError{StatusCode: http.StatusTooManyRequests, Class: webpush.ClassRateLimited, RetryAfter: time.Hour},
		},
	}
	svc := New(store, sender, WithRetries(3, time.Millisecond, 10*time.Millisecond))

	sent, err := svc.Notify(ctx, "user-1", "Hello", "World", nil)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sent != 1 {
		t.Errorf("Notify() = %d, want 1", sent)
	}
	if n := sender.calls.Load(); n != 3 {
		t.Errorf("Send() called %d times, want 3", n)
	}
}

func TestSendToUser_RetriesExhausted(t *testing.T) {
	ctx := slogtest.Context(t)

	store := storage.NewMemory()
	sub, _ := newSubscription(t, "https://push.example.com/a")
	rec := save(t, store, "user-1", sub)

	unavailable := &webpush.PushError{StatusCode: http.StatusServiceUnavailable, Class: webpush.ClassServerError}
	sender := &fakeSender{errs: []error{unavailable, unavailable, unavailable, unavailable}}
	svc := New(store, sender, WithRetries(2, time.Millisecond, time.Millisecond))

	sent, err := svc.Notify(ctx, "user-1", "Hello", "World", nil)
	if err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if sent != 0 {
		t.Errorf("Notify() = %d, want 0", sent)
	}
	if n := sender.calls.Load(); n != 3 {
		t.Errorf("Send() called %d times, want 3", n)
	}
	if _, err := store.Get(ctx, rec.ID); err != nil {
		t.Errorf("transiently failing subscription was removed: %v", err)
	}
}

func TestSendToUser_NoRetryOnPermanentFailure(t *testing.T) {
	ctx := slogtest.Context(t)

	store := storage.NewMemory()
	sub, _ := newSubscription(t, "https://push.example.com/a")
	rec := save(t, store, "user-1", sub)

	sender := &fakeSender{errs: []error{&webpush.PushError{StatusCode: http.StatusGone, Class: webpush.ClassGone}}}
	svc := New(store, sender, WithRetries(3, time.Millisecond, time.Millisecond))

	if _, err := svc.Notify(ctx, "user-1", "Hello", "World", nil); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if n := sender.calls.Load(); n != 1 {
		t.Errorf("Send() called %d times, want 1", n)
	}
	if _, err := store.Get(ctx, rec.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("gone subscription Get() error = %v, want ErrNotFound", err)
	}
}

func TestNotification_Payload(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		n    Notification
		want Notification
	}{{
		name: "defaults",
		n:    Notification{Title: "Hi", Body: "there"},
		want: Notification{
			Title:     "Hi",
			Body:      "there",
			Icon:      DefaultIcon,
			Badge:     DefaultBadge,
			Data:      map[string]any{},
			Timestamp: now.Unix(),
		},
	}, {
		name: "explicit",
		n: Notification{
			Title:     "Hi",
			Body:      "there",
			Icon:      "/i.png",
			Badge:     "/b.png",
			Data:      map[string]any{"k": "v"},
			Timestamp: 42,
		},
		want: Notification{
			Title:     "Hi",
			Body:      "there",
			Icon:      "/i.png",
			Badge:     "/b.png",
			Data:      map[string]any{"k": "v"},
			Timestamp: 42,
		},
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := tt.n.Payload(Defaults{Icon: DefaultIcon, Badge: DefaultBadge}, now)
			if err != nil {
				t.Fatalf("Payload() error = %v", err)
			}
			var got Notification
			if err := json.Unmarshal(payload, &got); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Payload() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNotification_PayloadDataIsObject(t *testing.T) {
	payload, err := Notification{Title: "t"}.Payload(Defaults{}, time.Now())
	if err != nil {
		t.Fatalf("Payload() error = %v", err)
	}
	if !strings.Contains(string(payload), `"data":{}`) {
		t.Errorf("Payload() = %s, want empty data object", payload)
	}
}

// fakeSender succeeds unless errs holds a queued failure.
type fakeSender struct {
	delay time.Duration

	mu   sync.Mutex
	errs []error

	calls    atomic.Int32
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeSender) Send(ctx context.Context, _ *webpush.Subscription, _ []byte, _ *webpush.Options) (*webpush.Response, error) {
	f.calls.Add(1)
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		peak := f.peak.Load()
		if cur <= peak || f.peak.CompareAndSwap(peak, cur) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &webpush.Response{StatusCode: http.StatusCreated}, nil
}

type senderFunc func(context.Context, *webpush.Subscription) (*webpush.Response, error)

func (f senderFunc) Send(ctx context.Context, sub *webpush.Subscription, _ []byte, _ *webpush.Options) (*webpush.Response, error) {
	return f(ctx, sub)
}

type failingRegistry struct {
	err error
}

func (r failingRegistry) GetByUserID(context.Context, string) ([]*storage.Record, error) {
	return nil, r.err
}

func (r failingRegistry) DeleteIfExists(context.Context, string) (bool, error) {
	return false, r.err
}
