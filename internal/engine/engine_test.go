package engine

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mananvora/nifty_strangler/internal/broker"
	"github.com/mananvora/nifty_strangler/internal/models"
	"github.com/mananvora/nifty_strangler/internal/scheduler"
)

type placedOrder struct {
	symbol   string
	quantity int
	stopLoss float64
}

// fakeBroker serves scripted quotes and records orders. Unknown option
// symbols quote at defaultPrice so whole-window batch fetches always resolve.
type fakeBroker struct {
	mu           sync.Mutex
	spot         float64
	spotErr      error
	prices       map[string]float64
	defaultPrice float64
	pricesErr    error
	failSymbols  map[string]bool
	orders       []placedOrder
	orderSeq     int
}

func (f *fakeBroker) GetLastPrice(exchange, symbol string) (float64, error) {
	if f.spotErr != nil {
		return 0, f.spotErr
	}
	return f.spot, nil
}

func (f *fakeBroker) GetLastPrices(instruments []models.Instrument) ([]float64, error) {
	if f.pricesErr != nil {
		return nil, f.pricesErr
	}
	out := make([]float64, 0, len(instruments))
	for _, ins := range instruments {
		if ltp, ok := f.prices[ins.TradingSymbol]; ok {
			out = append(out, ltp)
		} else {
			out = append(out, f.defaultPrice)
		}
	}
	return out, nil
}

func (f *fakeBroker) PlaceSellOrder(symbol string, quantity int, stopLoss float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSymbols[symbol] {
		return "", fmt.Errorf("%w: insufficient margin", broker.ErrOrderRejected)
	}
	f.orderSeq++
	f.orders = append(f.orders, placedOrder{symbol: symbol, quantity: quantity, stopLoss: stopLoss})
	return fmt.Sprintf("ord-%d", f.orderSeq), nil
}

func (f *fakeBroker) GetInstruments(underlying string) ([]models.Instrument, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBroker) placedOrders() []placedOrder {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]placedOrder(nil), f.orders...)
}

// captureSink records every published event for later inspection.
type captureSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *captureSink) Publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *captureSink) has(t EventType) bool {
	for _, got := range s.types() {
		if got == t {
			return true
		}
	}
	return false
}

func testUniverse() []models.Instrument {
	expiry := time.Date(2022, 6, 30, 0, 0, 0, 0, time.UTC)
	var universe []models.Instrument
	for strike := 17000.0; strike <= 18700; strike += 50 {
		for _, optType := range []models.OptionType{models.OptionTypeCall, models.OptionTypePut} {
			universe = append(universe, models.Instrument{
				TradingSymbol:  fmt.Sprintf("NIFTY%.0f%s", strike, optType),
				Exchange:       "NFO",
				Name:           "NIFTY",
				InstrumentType: optType,
				Expiry:         expiry,
				Strike:         strike,
				TickSize:       0.05,
				LotSize:        50,
			})
		}
	}
	return universe
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestEngine(t *testing.T, b broker.Broker, sink Sink, cfg Config) *Engine {
	t.Helper()
	if cfg.Underlying == "" {
		cfg.Underlying = "NIFTY 50"
	}
	if cfg.UnderlyingExchange == "" {
		cfg.UnderlyingExchange = "NSE"
	}
	eng, err := New(b, scheduler.New(quietLogger()), sink, quietLogger(), cfg, testUniverse(), 50)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return eng
}

// matchableBroker quotes a market where target premium 100 resolves to the
// 17900 call at 92 and the 17750 put at 98. Everything else in the window
// quotes far outside the band.
func matchableBroker() *fakeBroker {
	return &fakeBroker{
		spot:         17832,
		defaultPrice: 500,
		prices: map[string]float64{
			"NIFTY17900CE": 92,
			"NIFTY17950CE": 101,
			"NIFTY18000CE": 115,
			"NIFTY17750PE": 98,
			"NIFTY17700PE": 105,
		},
	}
}

func scheduleAndWait(t *testing.T, eng *Engine, targetPrice float64) models.Job {
	t.Helper()
	armed, err := eng.RequestSchedule(targetPrice, time.Now().Add(20*time.Millisecond))
	if err != nil {
		t.Fatalf("RequestSchedule failed: %v", err)
	}
	eng.Wait()

	for _, job := range eng.Jobs() {
		if job.ID == armed.ID {
			return job
		}
	}
	t.Fatalf("job %s missing from registry", armed.ID)
	return models.Job{}
}

func TestEngine_ExecutesMatchedStrangle(t *testing.T) {
	fb := matchableBroker()
	sink := &captureSink{}
	eng := newTestEngine(t, fb, sink, Config{Lots: 2})

	job := scheduleAndWait(t, eng, 100)

	if job.State != models.StateDone {
		t.Fatalf("job state = %s (error %q), want %s", job.State, job.Error, models.StateDone)
	}
	if len(job.Legs) != 2 {
		t.Fatalf("len(Legs) = %d, want 2", len(job.Legs))
	}

	call, put := job.Legs[0], job.Legs[1]
	if call.Side != models.OptionTypeCall || put.Side != models.OptionTypePut {
		t.Fatalf("leg order = %s, %s; want call then put", call.Side, put.Side)
	}
	if call.Symbol != "NIFTY17900CE" || call.LTP != 92 {
		t.Errorf("call leg = %s @ %v, want NIFTY17900CE @ 92", call.Symbol, call.LTP)
	}
	if put.Symbol != "NIFTY17750PE" || put.LTP != 98 {
		t.Errorf("put leg = %s @ %v, want NIFTY17750PE @ 98", put.Symbol, put.LTP)
	}

	// Two lots of 50, stop-loss at 20% of premium rounded to the 0.05 tick.
	orders := fb.placedOrders()
	if len(orders) != 2 {
		t.Fatalf("placed %d orders, want 2", len(orders))
	}
	for i, want := range []placedOrder{
		{symbol: "NIFTY17900CE", quantity: 100, stopLoss: 18.4},
		{symbol: "NIFTY17750PE", quantity: 100, stopLoss: 19.6},
	} {
		got := orders[i]
		if got.symbol != want.symbol || got.quantity != want.quantity ||
			math.Abs(got.stopLoss-want.stopLoss) > 1e-9 {
			t.Errorf("order[%d] = %+v, want %+v", i, got, want)
		}
	}
	for _, leg := range job.Legs {
		if leg.OrderID == "" {
			t.Errorf("leg %s has no order id", leg.Symbol)
		}
		if leg.Error != "" {
			t.Errorf("leg %s has error %q", leg.Symbol, leg.Error)
		}
	}

	for _, want := range []EventType{EventJobArmed, EventJobFired, EventSnapshotReady, EventMatchFound, EventOrderPlaced, EventJobDone} {
		if !sink.has(want) {
			t.Errorf("event %s never published (got %v)", want, sink.types())
		}
	}
}

func TestEngine_CallLegRejectionDoesNotBlockPut(t *testing.T) {
	fb := matchableBroker()
	fb.failSymbols = map[string]bool{"NIFTY17900CE": true}
	sink := &captureSink{}
	eng := newTestEngine(t, fb, sink, Config{})

	job := scheduleAndWait(t, eng, 100)

	if job.State != models.StateDone {
		t.Fatalf("job state = %s, want %s", job.State, models.StateDone)
	}
	if len(job.Legs) != 2 {
		t.Fatalf("len(Legs) = %d, want 2", len(job.Legs))
	}
	if job.Legs[0].Error == "" || !strings.Contains(job.Legs[0].Error, "order rejected") {
		t.Errorf("call leg error = %q, want rejection reason", job.Legs[0].Error)
	}
	if job.Legs[1].OrderID == "" || job.Legs[1].Error != "" {
		t.Errorf("put leg = %+v, want successful order", job.Legs[1])
	}

	orders := fb.placedOrders()
	if len(orders) != 1 || orders[0].symbol != "NIFTY17750PE" {
		t.Errorf("placed orders = %+v, want only the put leg", orders)
	}
	if !sink.has(EventOrderFailed) || !sink.has(EventOrderPlaced) {
		t.Errorf("expected both order_failed and order_placed, got %v", sink.types())
	}
}

func TestEngine_QuoteFailureFailsJob(t *testing.T) {
	fb := matchableBroker()
	fb.pricesErr = fmt.Errorf("%w: upstream 503", broker.ErrQuoteUnavailable)
	sink := &captureSink{}
	eng := newTestEngine(t, fb, sink, Config{})

	job := scheduleAndWait(t, eng, 100)

	if job.State != models.StateError {
		t.Fatalf("job state = %s, want %s", job.State, models.StateError)
	}
	if job.Error == "" {
		t.Error("job error is empty")
	}
	if len(fb.placedOrders()) != 0 {
		t.Errorf("orders were placed on a failed job: %+v", fb.placedOrders())
	}
	if !sink.has(EventJobError) {
		t.Errorf("job_error never published, got %v", sink.types())
	}
}

func TestEngine_SpotFailureFailsJob(t *testing.T) {
	fb := matchableBroker()
	fb.spotErr = errors.New("connection reset")
	eng := newTestEngine(t, fb, &captureSink{}, Config{})

	job := scheduleAndWait(t, eng, 100)

	if job.State != models.StateError {
		t.Fatalf("job state = %s, want %s", job.State, models.StateError)
	}
	if len(fb.placedOrders()) != 0 {
		t.Errorf("orders were placed on a failed job: %+v", fb.placedOrders())
	}
}

func TestEngine_NoMatchEmitsSimilarityReport(t *testing.T) {
	// Everything quotes around 300; nothing is near the 100 target, but the
	// call/put premiums are similar to each other.
	fb := &fakeBroker{spot: 17832, defaultPrice: 300}
	fb.prices = map[string]float64{
		"NIFTY17900CE": 310,
		"NIFTY17750PE": 305,
	}
	sink := &captureSink{}
	eng := newTestEngine(t, fb, sink, Config{})

	job := scheduleAndWait(t, eng, 100)

	if job.State != models.StateDone {
		t.Fatalf("job state = %s (error %q), want %s", job.State, job.Error, models.StateDone)
	}
	if len(job.Legs) != 0 {
		t.Errorf("legs recorded on no-match path: %+v", job.Legs)
	}
	if len(fb.placedOrders()) != 0 {
		t.Errorf("orders placed on no-match path: %+v", fb.placedOrders())
	}
	if len(job.Similar) == 0 {
		t.Error("similarity report is empty")
	}
	if !sink.has(EventNoMatch) {
		t.Errorf("no_match never published, got %v", sink.types())
	}
	if sink.has(EventMatchFound) {
		t.Errorf("match_found published on no-match path, got %v", sink.types())
	}
}

func TestEngine_RequestScheduleRejectsPastInstant(t *testing.T) {
	eng := newTestEngine(t, matchableBroker(), &captureSink{}, Config{})

	_, err := eng.RequestSchedule(100, time.Now().Add(-time.Minute))
	if !errors.Is(err, scheduler.ErrInvalidTime) {
		t.Fatalf("error = %v, want scheduler.ErrInvalidTime", err)
	}
	if jobs := eng.Jobs(); len(jobs) != 0 {
		t.Errorf("rejected request left %d jobs registered", len(jobs))
	}
}

func TestEngine_RequestScheduleRejectsNonPositivePremium(t *testing.T) {
	eng := newTestEngine(t, matchableBroker(), &captureSink{}, Config{})

	for _, price := range []float64{0, -10} {
		if _, err := eng.RequestSchedule(price, time.Now().Add(time.Hour)); err == nil {
			t.Errorf("RequestSchedule(%v) succeeded, want error", price)
		}
	}
}

func TestEngine_JobsSortedByFireInstant(t *testing.T) {
	eng := newTestEngine(t, matchableBroker(), &captureSink{}, Config{})

	later := time.Now().Add(2 * time.Hour)
	sooner := time.Now().Add(time.Hour)
	if _, err := eng.RequestSchedule(120, later); err != nil {
		t.Fatalf("RequestSchedule failed: %v", err)
	}
	if _, err := eng.RequestSchedule(100, sooner); err != nil {
		t.Fatalf("RequestSchedule failed: %v", err)
	}

	jobs := eng.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("len(Jobs) = %d, want 2", len(jobs))
	}
	if !jobs[0].FireAt.Equal(sooner) || !jobs[1].FireAt.Equal(later) {
		t.Errorf("jobs not sorted by fire instant: %v, %v", jobs[0].FireAt, jobs[1].FireAt)
	}
	if got := eng.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
}

func TestEngine_RefreshStoresSnapshot(t *testing.T) {
	eng := newTestEngine(t, matchableBroker(), &captureSink{}, Config{})

	if eng.Snapshot() != nil {
		t.Fatal("snapshot present before first refresh")
	}

	snapshot, err := eng.Refresh()
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if snapshot.ATM != 17850 {
		t.Errorf("ATM = %v, want 17850", snapshot.ATM)
	}
	if len(snapshot.Calls) != 10 || len(snapshot.Puts) != 10 {
		t.Errorf("candidates = %d calls / %d puts, want 10 each", len(snapshot.Calls), len(snapshot.Puts))
	}

	stored := eng.Snapshot()
	if stored == nil || stored.ATM != snapshot.ATM {
		t.Errorf("stored snapshot = %+v, want ATM %v", stored, snapshot.ATM)
	}
}

func TestEngine_NewValidation(t *testing.T) {
	sched := scheduler.New(quietLogger())
	universe := testUniverse()
	cfg := Config{Underlying: "NIFTY 50", UnderlyingExchange: "NSE"}

	tests := []struct {
		name string
		fn   func() (*Engine, error)
	}{
		{"nil broker", func() (*Engine, error) {
			return New(nil, sched, nil, nil, cfg, universe, 50)
		}},
		{"nil scheduler", func() (*Engine, error) {
			return New(&fakeBroker{}, nil, nil, nil, cfg, universe, 50)
		}},
		{"zero spacing", func() (*Engine, error) {
			return New(&fakeBroker{}, sched, nil, nil, cfg, universe, 0)
		}},
		{"missing underlying", func() (*Engine, error) {
			return New(&fakeBroker{}, sched, nil, nil, Config{UnderlyingExchange: "NSE"}, universe, 50)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}
