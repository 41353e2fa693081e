package dispatcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/carloslauriano/guardrelay/chat"
	"github.com/carloslauriano/guardrelay/config"
	"github.com/carloslauriano/guardrelay/mailbox"
	"github.com/carloslauriano/guardrelay/quota"
	"github.com/carloslauriano/guardrelay/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sentMessage struct {
	ChatID string
	Text   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (s *fakeSender) SendMessage(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (s *fakeSender) Texts(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var texts []string
	for _, m := range s.sent {
		if m.ChatID == chatID {
			texts = append(texts, m.Text)
		}
	}
	return texts
}

func (s *fakeSender) Contains(chatID, text string) bool {
	for _, t := range s.Texts(chatID) {
		if t == text {
			return true
		}
	}
	return false
}

// fakeWaiter entrega um código novo a cada chamada, com UID crescente
type fakeWaiter struct {
	mu      sync.Mutex
	outcome mailbox.Outcome
	err     error
	nextUID uint32
	calls   []waitCall
	block   map[string]chan struct{}
	panics  bool
}

type waitCall struct {
	Email  string
	Marker uint32
}

func (w *fakeWaiter) Wait(ctx context.Context, acc config.Account, marker uint32) mailbox.Result {
	w.mu.Lock()
	w.calls = append(w.calls, waitCall{Email: acc.Email, Marker: marker})
	gate := w.block[acc.Email]
	panics := w.panics
	w.mu.Unlock()

	if panics {
		panic("caixa quebrada")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return mailbox.Result{Outcome: mailbox.NotFound, Marker: marker}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.outcome != mailbox.Found {
		return mailbox.Result{Outcome: w.outcome, Marker: marker, Err: w.err}
	}
	w.nextUID++
	return mailbox.Result{
		Outcome: mailbox.Found,
		Code:    "CODE" + string(rune('A'+w.nextUID-1)),
		Date:    "09.03.2024 14:05:07",
		Marker:  w.nextUID,
	}
}

func (w *fakeWaiter) Timeout() time.Duration {
	return 60 * time.Second
}

func (w *fakeWaiter) Calls() []waitCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]waitCall(nil), w.calls...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	keys []string
}

func (n *fakeNotifier) Notify(_ context.Context, key, _, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, key)
	return nil
}

type fixture struct {
	dispatcher *Dispatcher
	registry   *Registry
	sender     *fakeSender
	waiter     *fakeWaiter
	store      storage.Storage
	now        time.Time
}

func newFixture(t *testing.T, accounts []config.Account, opts ...Option) *fixture {
	t.Helper()

	store, err := storage.NewJSONStorage(&config.StorageConfig{Path: filepath.Join(t.TempDir(), "usage.json")})
	require.NoError(t, err)
	require.NoError(t, store.Open())

	f := &fixture{
		registry: NewRegistry(accounts),
		sender:   &fakeSender{},
		waiter:   &fakeWaiter{outcome: mailbox.Found, block: map[string]chan struct{}{}},
		store:    store,
		now:      time.Unix(1700000000, 0),
	}
	ledger := quota.NewLedger(store, quota.WithClock(func() time.Time { return f.now }))
	f.dispatcher = New(f.registry, ledger, f.waiter, f.sender, zaptest.NewLogger(t), opts...)
	return f
}

func message(author int64, chatID, text string) chat.NewMessage {
	return chat.NewMessage{AuthorID: author, ChatID: chatID, Text: text}
}

func TestWindowedQuotaScenario(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "a@gmail.com", Command: "!Код", Limit: 3, PeriodHours: 24},
	})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.dispatcher.Handle(ctx, message(42, "c1", "  !КОД "))
	}

	assert.Equal(t, []string{
		"🔍 Ищу код Steam Guard...",
		"✅ Ваш код: CODEA\n🕒 Время: 09.03.2024 14:05:07\n📊 Осталось: 2/3",
		"🔍 Ищу код Steam Guard...",
		"✅ Ваш код: CODEB\n🕒 Время: 09.03.2024 14:05:07\n📊 Осталось: 1/3",
		"🔍 Ищу код Steam Guard...",
		"✅ Ваш код: CODEC\n🕒 Время: 09.03.2024 14:05:07\n📊 Осталось: 0/3",
		"❌ Лимит 3/24ч исчерпан.\n⏳ Новый запрос будет доступен через 24ч 0м.",
	}, f.sender.Texts("c1"))

	// o marker avança a cada código entregue
	assert.Equal(t, []waitCall{
		{Email: "a@gmail.com", Marker: 0},
		{Email: "a@gmail.com", Marker: 1},
		{Email: "a@gmail.com", Marker: 2},
	}, f.waiter.Calls())

	record, err := f.store.GetUsage("42", "!код")
	require.NoError(t, err)
	assert.Equal(t, 3, record.Count)

	// depois da janela o solicitante volta a receber
	f.now = f.now.Add(24*time.Hour + time.Second)
	f.dispatcher.Handle(ctx, message(42, "c1", "!код"))
	texts := f.sender.Texts("c1")
	assert.Equal(t, "✅ Ваш код: CODED\n🕒 Время: 09.03.2024 14:05:07\n📊 Осталось: 2/3", texts[len(texts)-1])
}

func TestLifetimeQuotaDenial(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "a@gmail.com", Command: "!steam", Limit: 1},
	}, WithMessages(Catalog("en")))
	ctx := context.Background()

	f.dispatcher.Handle(ctx, message(7, "c", "!steam"))
	f.dispatcher.Handle(ctx, message(7, "c", "!steam"))

	texts := f.sender.Texts("c")
	require.Len(t, texts, 3)
	assert.Equal(t, "✅ Your code: CODEA\n🕒 Time: 09.03.2024 14:05:07\n📊 Left: 0/1", texts[1])
	assert.Equal(t, "❌ The limit of 1 is used up for good.", texts[2])
	assert.Len(t, f.waiter.Calls(), 1)
}

func TestUnlimitedScenario(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "a@gmail.com", Command: "!free"},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.dispatcher.Handle(ctx, message(9, "c", "!free"))
	}

	texts := f.sender.Texts("c")
	require.Len(t, texts, 10)
	for i := 1; i < len(texts); i += 2 {
		assert.Contains(t, texts[i], "📊 Осталось: ∞/∞")
	}

	usage, err := f.store.ListUsage()
	require.NoError(t, err)
	assert.Empty(t, usage)
}

func TestDuplicateCommandReachesFirstAccountOnly(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "first@gmail.com", Command: "!код"},
		{Email: "second@gmail.com", Command: " !КОД"},
	})

	for i := 0; i < 3; i++ {
		f.dispatcher.Handle(context.Background(), message(1, "c", "!код"))
	}

	for _, call := range f.waiter.Calls() {
		assert.Equal(t, "first@gmail.com", call.Email)
	}
	require.Len(t, f.registry.Shadowed(), 1)
	assert.Equal(t, "second@gmail.com", f.registry.Shadowed()[0].Email)
}

func TestNotFoundDoesNotConsumeQuota(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "a@gmail.com", Command: "!код", Limit: 1},
	})
	f.waiter.outcome = mailbox.NotFound

	f.dispatcher.Handle(context.Background(), message(5, "c", "!код"))
	f.dispatcher.Handle(context.Background(), message(5, "c", "!код"))

	assert.Equal(t, []string{
		"🔍 Ищу код Steam Guard...",
		"❌ Код не найден за 60 секунд.",
		"🔍 Ищу код Steam Guard...",
		"❌ Код не найден за 60 секунд.",
	}, f.sender.Texts("c"))

	record, err := f.store.GetUsage("5", "!код")
	require.NoError(t, err)
	assert.Zero(t, record.Count)

	state, ok := f.registry.Lookup("!код")
	require.True(t, ok)
	assert.Zero(t, state.Marker())
}

func TestMisconfiguredAccountAlertsOperator(t *testing.T) {
	notifier := &fakeNotifier{}
	f := newFixture(t, []config.Account{
		{Email: "a@desconhecido.example", Command: "!код"},
	}, WithNotifier(notifier))
	f.waiter.outcome = mailbox.Misconfigured
	f.waiter.err = mailbox.ErrUnknownProvider

	f.dispatcher.Handle(context.Background(), message(5, "c", "!код"))

	assert.Equal(t, []string{"a@desconhecido.example"}, notifier.keys)
	assert.True(t, f.sender.Contains("c", "❌ Код не найден за 60 секунд."))
}

func TestIgnoredEvents(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "a@gmail.com", Command: "!код"},
	}, WithSystemAuthor(0))
	ctx := context.Background()

	f.dispatcher.Handle(ctx, message(0, "c", "!код"))
	f.dispatcher.Handle(ctx, message(3, "c", "   "))
	f.dispatcher.Handle(ctx, message(3, "c", "привет"))
	f.dispatcher.Handle(ctx, chat.Other{Type: "order_paid"})

	assert.Empty(t, f.sender.Texts("c"))
	assert.Empty(t, f.waiter.Calls())
}

func TestPanicDoesNotStopProcessing(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "a@gmail.com", Command: "!код"},
	})
	f.waiter.panics = true

	assert.NotPanics(t, func() {
		f.dispatcher.Handle(context.Background(), message(1, "c", "!код"))
	})

	f.waiter.mu.Lock()
	f.waiter.panics = false
	f.waiter.mu.Unlock()

	f.dispatcher.Handle(context.Background(), message(1, "c", "!код"))
	assert.True(t, f.sender.Contains("c", "✅ Ваш код: CODEA\n🕒 Время: 09.03.2024 14:05:07\n📊 Осталось: ∞/∞"))
}

func TestRunKeepsAccountsIndependent(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "slow@gmail.com", Command: "!slow"},
		{Email: "fast@gmail.com", Command: "!fast"},
	}, WithQueueSize(1))
	gate := make(chan struct{})
	f.waiter.block["slow@gmail.com"] = gate

	events := make(chan chat.Event)
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(context.Background(), events) }()

	events <- message(1, "slow-1", "!slow")
	assert.Eventually(t, func() bool {
		return f.sender.Contains("slow-1", "🔍 Ищу код Steam Guard...")
	}, 2*time.Second, 10*time.Millisecond)

	events <- message(2, "fast", "!fast")
	assert.Eventually(t, func() bool {
		return len(f.sender.Texts("fast")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// a fila da conta lenta comporta um pedido; o seguinte é recusado
	events <- message(3, "slow-2", "!slow")
	events <- message(4, "slow-3", "!slow")
	assert.Eventually(t, func() bool {
		return f.sender.Contains("slow-3", "⏳ Слишком много запросов, попробуйте через минуту.")
	}, 2*time.Second, 10*time.Millisecond)

	close(gate)
	assert.Eventually(t, func() bool {
		return len(f.sender.Texts("slow-2")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	close(events)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrEventsClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run não terminou")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, []config.Account{
		{Email: "a@gmail.com", Command: "!код"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Run(ctx, make(chan chat.Event)) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run não terminou")
	}
}

func TestAccountStateMarkerIsMonotonic(t *testing.T) {
	state := &AccountState{}
	assert.True(t, state.Advance(5))
	assert.False(t, state.Advance(5))
	assert.False(t, state.Advance(3))
	assert.Equal(t, uint32(5), state.Marker())
	assert.True(t, state.Advance(8))
	assert.Equal(t, uint32(8), state.Marker())
}

func TestCatalogFallsBackToRussian(t *testing.T) {
	assert.Equal(t, Catalog("ru"), Catalog("de"))
	assert.Equal(t, "❌ Limit 2/12h reached.\n⏳ A new request will be available in 1h 1m.",
		Catalog("en").windowExhausted(2, 12, 3661))
}
