package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stoik/cooldown/internal/models"
	"github.com/stoik/cooldown/services/reminder-service/internal/engine"
	"github.com/stoik/cooldown/services/reminder-service/internal/gateway"
	"github.com/stoik/cooldown/services/reminder-service/internal/store"
)

var t0 = time.Date(2025, time.December, 24, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	userID string
	text   string
}

// mockSender records every message and answers with sendFn.
type mockSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	sendFn func(userID string) error
}

func (m *mockSender) SendDirectMessage(_ context.Context, userID, text string) error {
	m.mu.Lock()
	m.sent = append(m.sent, sentMessage{userID: userID, text: text})
	fn := m.sendFn
	m.mu.Unlock()
	if fn != nil {
		return fn(userID)
	}
	return nil
}

func (m *mockSender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// casHookStore lets a test act between the due listing and the claim.
type casHookStore struct {
	store.Store
	beforeCAS func(expected models.Timer)
}

func (s *casHookStore) CASUpdate(ctx context.Context, expected, next models.Timer) (bool, error) {
	if s.beforeCAS != nil {
		s.beforeCAS(expected)
	}
	return s.Store.CASUpdate(ctx, expected, next)
}

type failingStore struct {
	store.Store
}

func (failingStore) ListDueFor(context.Context, time.Time, time.Time, int) ([]models.Timer, error) {
	return nil, fmt.Errorf("store.list_due: %w", store.ErrUnavailable)
}

func newTestService(st store.Store, sender gateway.Sender, now time.Time) *Service {
	s := NewService(st, sender, Config{}, zap.NewNop())
	s.now = func() time.Time { return now }
	return s
}

func startTimer(t *testing.T, st store.Store, user, kind string, at time.Time) models.Timer {
	t.Helper()
	k, _ := models.LookupKind(kind)
	idle := models.IdleTimer(user, kind)
	next, err := engine.Start(idle, k, at)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := st.CASUpdate(context.Background(), idle, next); err != nil || !ok {
		t.Fatalf("start: ok=%v err=%v", ok, err)
	}
	return next
}

func mustGet(t *testing.T, st store.Store, user, kind string) models.Timer {
	t.Helper()
	got, err := st.Get(context.Background(), user, kind)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestCycle_DeliversDueTimer(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{}
	startTimer(t, st, "u1", models.KindBandage, t0)

	res, err := newTestService(st, sender, t0.Add(time.Hour)).Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 1 {
		t.Fatalf("result = %+v", res)
	}

	got := mustGet(t, st, "u1", models.KindBandage)
	if got.Status != models.StatusDelivered || got.Claimed() {
		t.Fatalf("timer = %+v", got)
	}
	if sender.sent[0].text != "🩹 Bandage cooldown is over! (12/24 22:00)" {
		t.Fatalf("text = %q", sender.sent[0].text)
	}
	u, _ := st.GetUser(context.Background(), "u1")
	if u.DMStatus != models.DMOK {
		t.Fatalf("dm status = %s", u.DMStatus)
	}
}

func TestCycle_MessageUsesUserTimezone(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{}
	if err := st.SetTimezone(context.Background(), "u1", "Europe/Moscow"); err != nil {
		t.Fatal(err)
	}
	startTimer(t, st, "u1", models.KindRudolph, t0)

	if _, err := newTestService(st, sender, t0.Add(3*time.Hour)).Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if want := "🦌 Rudolph nose cooldown is over! (12/24 18:00)"; sender.sent[0].text != want {
		t.Fatalf("text = %q, want %q", sender.sent[0].text, want)
	}
}

func TestCycle_NotYetDue(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{}
	startTimer(t, st, "u1", models.KindBandage, t0)

	if _, err := newTestService(st, sender, t0.Add(59*time.Minute)).Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 0 {
		t.Fatal("timer delivered before its due time")
	}
	if got := mustGet(t, st, "u1", models.KindBandage); got.Status != models.StatusScheduled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCycle_TransientFailuresHitCeiling(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{sendFn: func(string) error {
		return fmt.Errorf("%w: 502 bad gateway", gateway.ErrTransient)
	}}
	startTimer(t, st, "u1", models.KindBandage, t0)

	now := t0.Add(time.Hour)
	for i := 1; i <= 4; i++ {
		svc := newTestService(st, sender, now)
		if _, err := svc.Cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
		got := mustGet(t, st, "u1", models.KindBandage)
		if i < 3 && (got.Status != models.StatusDue || got.DeliveryAttempts != i || got.Claimed()) {
			t.Fatalf("after cycle %d: %+v", i, got)
		}
		now = now.Add(DefaultInterval)
	}

	got := mustGet(t, st, "u1", models.KindBandage)
	if got.Status != models.StatusFailed || got.DeliveryAttempts != 3 {
		t.Fatalf("final timer = %+v", got)
	}
	if got.LastError == "" {
		t.Fatal("last error not recorded")
	}
	if n := sender.count(); n != 3 {
		t.Fatalf("sent %d times, want 3", n)
	}
	if !got.DueAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("due_at moved: %v", got.DueAt)
	}
}

func TestCycle_BlockedIsTerminal(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{sendFn: func(string) error {
		return fmt.Errorf("%w: 403 Cannot send messages to this user", gateway.ErrBlocked)
	}}
	startTimer(t, st, "u1", models.KindBandage, t0)

	svc := newTestService(st, sender, t0.Add(time.Hour))
	for i := 0; i < 2; i++ {
		if _, err := svc.Cycle(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	got := mustGet(t, st, "u1", models.KindBandage)
	if got.Status != models.StatusFailed || got.DeliveryAttempts != 1 {
		t.Fatalf("timer = %+v", got)
	}
	if sender.count() != 1 {
		t.Fatalf("blocked delivery retried: %d sends", sender.count())
	}
	u, _ := st.GetUser(context.Background(), "u1")
	if u.DMStatus != models.DMBlocked || u.DMLastError == "" {
		t.Fatalf("user = %+v", u)
	}
}

func TestCycle_ReclaimsStaleClaim(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{}
	now := t0.Add(2 * time.Hour)

	crashed := startTimer(t, st, "u1", models.KindBandage, t0)
	crashed.Status = models.StatusDue
	crashed.ClaimID = uuid.New()
	crashed.ClaimedAt = now.Add(-10 * time.Minute)
	if err := st.Upsert(context.Background(), crashed); err != nil {
		t.Fatal(err)
	}

	if _, err := newTestService(st, sender, now).Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	got := mustGet(t, st, "u1", models.KindBandage)
	if got.Status != models.StatusDelivered || got.DeliveryAttempts != 1 {
		t.Fatalf("timer = %+v", got)
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d", sender.count())
	}
}

func TestCycle_StaleClaimAtCeilingFailsWithoutSending(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{}
	now := t0.Add(2 * time.Hour)

	crashed := startTimer(t, st, "u1", models.KindBandage, t0)
	crashed.Status = models.StatusDue
	crashed.DeliveryAttempts = 2
	crashed.ClaimID = uuid.New()
	crashed.ClaimedAt = now.Add(-10 * time.Minute)
	if err := st.Upsert(context.Background(), crashed); err != nil {
		t.Fatal(err)
	}

	res, err := newTestService(st, sender, now).Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || sender.count() != 0 {
		t.Fatalf("result = %+v, sends = %d", res, sender.count())
	}
	got := mustGet(t, st, "u1", models.KindBandage)
	if got.Status != models.StatusFailed || got.DeliveryAttempts != 3 || got.LastError != engine.ErrClaimAbandoned.Error() {
		t.Fatalf("timer = %+v", got)
	}
}

func TestCycle_FreshClaimIsLeftAlone(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{}
	now := t0.Add(2 * time.Hour)

	inflight := startTimer(t, st, "u1", models.KindBandage, t0)
	inflight.Status = models.StatusDue
	inflight.ClaimID = uuid.New()
	inflight.ClaimedAt = now.Add(-5 * time.Second)
	if err := st.Upsert(context.Background(), inflight); err != nil {
		t.Fatal(err)
	}

	if _, err := newTestService(st, sender, now).Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if sender.count() != 0 {
		t.Fatal("in-flight delivery was duplicated")
	}
	if got := mustGet(t, st, "u1", models.KindBandage); got.ClaimID != inflight.ClaimID {
		t.Fatal("fresh claim was taken over")
	}
}

func TestCycle_CancelBeforeClaimWins(t *testing.T) {
	mem := store.NewMemory()
	sender := &mockSender{}
	sched := startTimer(t, mem, "u1", models.KindBandage, t0)

	st := &casHookStore{Store: mem}
	st.beforeCAS = func(expected models.Timer) {
		st.beforeCAS = nil
		idle, err := engine.Cancel(sched)
		if err != nil {
			t.Error(err)
			return
		}
		if ok, err := mem.CASUpdate(context.Background(), sched, idle); err != nil || !ok {
			t.Errorf("cancel: ok=%v err=%v", ok, err)
		}
	}

	res, err := newTestService(st, sender, t0.Add(time.Hour)).Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Lost != 1 || sender.count() != 0 {
		t.Fatalf("result = %+v, sends = %d", res, sender.count())
	}
	if got := mustGet(t, mem, "u1", models.KindBandage); got.Status != models.StatusIdle {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCycle_ConcurrentPollersDeliverOnce(t *testing.T) {
	st := store.NewMemory()
	var sends atomic.Int32
	sender := &mockSender{sendFn: func(string) error {
		sends.Add(1)
		return nil
	}}
	for i := 0; i < 20; i++ {
		startTimer(t, st, fmt.Sprintf("u%d", i), models.KindBandage, t0)
	}

	now := t0.Add(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := newTestService(st, sender, now).Cycle(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := sends.Load(); got != 20 {
		t.Fatalf("sent %d reminders for 20 timers", got)
	}
}

func TestCycle_SlowDeliveryCannotOverwriteNewerClaim(t *testing.T) {
	mem := store.NewMemory()
	startTimer(t, mem, "u1", models.KindBandage, t0)
	now := t0.Add(time.Hour)

	newer := uuid.New()
	sender := &mockSender{sendFn: func(string) error {
		// Another poller reclaims the row while this delivery is in flight.
		cur, _ := mem.Get(context.Background(), "u1", models.KindBandage)
		next := cur
		next.ClaimID = newer
		if ok, err := mem.CASUpdate(context.Background(), cur, next); err != nil || !ok {
			t.Errorf("reclaim: ok=%v err=%v", ok, err)
		}
		return nil
	}}

	res, err := newTestService(mem, sender, now).Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered != 0 {
		t.Fatalf("result = %+v", res)
	}
	got := mustGet(t, mem, "u1", models.KindBandage)
	if got.Status != models.StatusDue || got.ClaimID != newer {
		t.Fatalf("newer claim overwritten: %+v", got)
	}
}

func TestCycle_ListErrorIsReturned(t *testing.T) {
	svc := newTestService(failingStore{Store: store.NewMemory()}, &mockSender{}, t0)
	if _, err := svc.Cycle(context.Background()); !errors.Is(err, store.ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	st := store.NewMemory()
	sender := &mockSender{}
	startTimer(t, st, "u1", models.KindBandage, t0)

	svc := newTestService(st, sender, t0.Add(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !svc.Shutdown(time.Second) {
		t.Fatal("shutdown timed out")
	}
	if sender.count() != 1 {
		t.Fatalf("sent %d", sender.count())
	}
}
