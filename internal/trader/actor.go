package trader

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reef/internal/gateway/exchange"
	"reef/internal/gateway/notifier"
	"reef/internal/logger"
	"reef/internal/market"
	"reef/internal/pkg/retry"
	"reef/internal/portfolio"
	"reef/internal/risk"
	"reef/internal/store"
	"reef/internal/strategy"
)

// Deps are the collaborators a SymbolTrader needs. Risk, Ledger and Gate are
// shared across traders; everything else is per symbol.
type Deps struct {
	Exchange exchange.Exchange
	Strategy strategy.Strategy
	Risk     *risk.Manager
	Ledger   *portfolio.Ledger
	Gate     *portfolio.RiskGate
	Store    store.PositionStore
	Notifier notifier.TextNotifier

	// OnEvent receives the trader's contributions to the portfolio-wide
	// event stream. Called from the trader goroutine; must not block.
	OnEvent func(TraderEvent)

	// GateSignal, when set, is consulted before an entry signal is acted on.
	// Returning false suppresses the signal (filter veto, coordinator hold).
	GateSignal func(sig *strategy.Signal) (bool, string)
}

// Trader runs the order lifecycle for exactly one symbol. All state below is
// owned by the run loop goroutine; external access goes through the event
// channel or the snapshot accessors.
type Trader struct {
	cfg  Config
	deps Deps

	msgCh  chan *Event
	doneCh chan struct{}

	mu       sync.Mutex
	state    State
	position *Position

	candles  []market.Candle
	realized float64

	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config, deps Deps) (*Trader, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("trader: symbol is required")
	}
	if deps.Exchange == nil || deps.Strategy == nil || deps.Risk == nil {
		return nil, fmt.Errorf("trader %s: exchange, strategy and risk manager are required", cfg.Symbol)
	}
	cfg.applyDefaults()
	if deps.Store == nil {
		deps.Store = store.NewMemoryStore()
	}
	if deps.Notifier == nil {
		deps.Notifier = notifier.Nop{}
	}
	return &Trader{
		cfg:    cfg,
		deps:   deps,
		msgCh:  make(chan *Event, 64),
		doneCh: make(chan struct{}),
		state:  StateFlat,
	}, nil
}

func (t *Trader) Symbol() string { return t.cfg.Symbol }

func (t *Trader) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Position returns a copy of the current position, or nil when flat.
func (t *Trader) Position() *Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.position == nil {
		return nil
	}
	cp := *t.position
	return &cp
}

func (t *Trader) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s {
		logger.Debugf("[%s] state %s -> %s", t.cfg.Symbol, prev, s)
	}
}

func (t *Trader) setPosition(p *Position) {
	t.mu.Lock()
	t.position = p
	t.mu.Unlock()
}

// Restore seeds position and state before Start, used when resuming after a
// restart once reconciliation has confirmed the venue agrees.
func (t *Trader) Restore(p *Position, s State, realized float64) {
	t.mu.Lock()
	t.position = p
	t.state = s
	t.realized = realized
	t.mu.Unlock()
}

// Start launches the run loop. Safe to call once.
func (t *Trader) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		go t.runLoop(ctx)
	})
}

// Stop asks the loop to finish the in-flight event, perform the configured
// shutdown action and exit. Blocks until done or ctx expires.
func (t *Trader) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.msgCh) })
	select {
	case <-t.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnqueueCandle delivers one closed candle. Never blocks the feed: if the
// trader's queue is full the candle is dropped with a warning.
func (t *Trader) EnqueueCandle(ev market.CandleEvent) {
	e := &Event{ID: uuid.NewString(), Type: EvtCandle, Candle: &ev}
	defer func() {
		if recover() != nil {
			// channel closed during shutdown
		}
	}()
	select {
	case t.msgCh <- e:
	default:
		logger.Warnf("[%s] event queue full, dropping candle open=%d", t.cfg.Symbol, ev.Candle.OpenTime)
	}
}

// Dispatch injects a signal and waits for the processing result.
func (t *Trader) Dispatch(ctx context.Context, sig *strategy.Signal) error {
	ev := &Event{ID: uuid.NewString(), Type: EvtSignal, Signal: sig, ReplyCh: make(chan error, 1)}
	t.send(ev)
	select {
	case err := <-ev.ReplyCh:
		return err
	case <-t.doneCh:
		return fmt.Errorf("trader %s: stopped", t.cfg.Symbol)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Trader) send(ev *Event) {
	defer func() {
		if recover() != nil {
			// channel closed during shutdown; event is dropped
			if ev.ReplyCh != nil {
				ev.ReplyCh <- fmt.Errorf("trader %s: stopped", t.cfg.Symbol)
			}
		}
	}()
	select {
	case t.msgCh <- ev:
	case <-t.doneCh:
	}
}

func (t *Trader) runLoop(ctx context.Context) {
	defer close(t.doneCh)
	for {
		select {
		case ev, ok := <-t.msgCh:
			if !ok {
				t.shutdown(ctx)
				return
			}
			t.process(ctx, ev)
		case <-ctx.Done():
			t.shutdown(context.Background())
			return
		}
	}
}

// process runs one event with panic isolation: a failure inside one trader
// pauses that trader only.
func (t *Trader) process(ctx context.Context, ev *Event) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[%s] panic in event %s: %v\n%s", t.cfg.Symbol, ev.ID, r, debug.Stack())
			t.setState(StatePaused)
			t.emit(KindCritical, fmt.Sprintf("trader paused after panic: %v", r))
			err = fmt.Errorf("trader %s: panic: %v", t.cfg.Symbol, r)
		}
		if ev.ReplyCh != nil {
			ev.ReplyCh <- err
		}
	}()

	if t.State() == StatePaused {
		err = fmt.Errorf("trader %s: paused", t.cfg.Symbol)
		return
	}

	switch ev.Type {
	case EvtCandle:
		err = t.onCandle(ctx, *ev.Candle)
	case EvtSignal:
		err = t.onSignal(ctx, ev.Signal)
	default:
		err = fmt.Errorf("trader %s: unknown event type %q", t.cfg.Symbol, ev.Type)
	}
	if err != nil {
		logger.Errorf("[%s] event %s: %v", t.cfg.Symbol, ev.ID, err)
	}
}

func (t *Trader) emit(kind EventKind, msg string) {
	ev := TraderEvent{
		Symbol:  t.cfg.Symbol,
		Kind:    kind,
		Message: msg,
		Time:    time.Now().UTC(),
	}
	if t.deps.Ledger != nil {
		if eq, ok := t.deps.Ledger.Allocation(t.cfg.Symbol); ok {
			ev.Equity = eq + t.realized
		}
	}
	if t.deps.OnEvent != nil {
		t.deps.OnEvent(ev)
	}
}

// notify dispatches fire-and-forget: delivery can block for seconds on a slow
// transport, and several call sites sit inside the fill-to-protected window,
// which must never wait on a notification.
func (t *Trader) notify(msg string) {
	n := t.deps.Notifier
	go func() {
		if err := n.SendText(msg); err != nil {
			logger.Warnf("[%s] notify: %v", t.cfg.Symbol, err)
		}
	}()
}

// clientID builds an idempotency key. Protective orders derive theirs from
// the position version so a retried cancel-and-replace dedupes at the venue.
func (t *Trader) clientID(tag string) string {
	sym := strings.ToLower(strings.ReplaceAll(t.cfg.Symbol, "/", ""))
	return fmt.Sprintf("reef-%s-%s-%s", sym, tag, uuid.NewString()[:8])
}

func (t *Trader) protectiveClientID(tag string, version int) string {
	sym := strings.ToLower(strings.ReplaceAll(t.cfg.Symbol, "/", ""))
	return fmt.Sprintf("reef-%s-%s-v%d", sym, tag, version)
}

func (t *Trader) orderCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.cfg.OrderTimeout)
}

func (t *Trader) retryPolicy() retry.Policy {
	p := t.cfg.Retry
	if p.RetryIf == nil {
		p.RetryIf = exchange.IsTransient
	}
	if p.OnRetry == nil {
		sym := t.cfg.Symbol
		p.OnRetry = func(attempt int, err error, delay time.Duration) {
			logger.Warnf("[%s] order attempt %d failed, retrying in %s: %v", sym, attempt, delay, err)
		}
	}
	return p
}
