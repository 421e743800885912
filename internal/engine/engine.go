// Package engine orchestrates scheduled strangle executions. It arms jobs for
// future instants and, at fire time, runs the sequence: refresh market
// snapshot, fetch candidate quotes, match the target premium to an OTM
// call/put pair, and place the protective sell orders - or report the
// similarity-ranked fallback list when nothing trades near the target.
package engine

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mananvora/nifty_strangler/internal/broker"
	"github.com/mananvora/nifty_strangler/internal/chain"
	"github.com/mananvora/nifty_strangler/internal/matcher"
	"github.com/mananvora/nifty_strangler/internal/models"
	"github.com/mananvora/nifty_strangler/internal/scheduler"
	"github.com/mananvora/nifty_strangler/internal/util"
)

// Default strategy parameters, used when the corresponding Config field is zero.
const (
	// DefaultMatchTolerance is the relative band around the target premium.
	DefaultMatchTolerance = 0.10
	// DefaultSimilarityTolerance is the premium-similarity band for the fallback report.
	DefaultSimilarityTolerance = 0.05
	// DefaultStopLossRatio sets the SL-M trigger as a fraction of the matched premium.
	DefaultStopLossRatio = 0.20
)

// Config holds the engine's strategy parameters.
type Config struct {
	// Underlying is the spot quote symbol, e.g. "NIFTY 50".
	Underlying string
	// UnderlyingExchange is the exchange of the spot quote, e.g. "NSE".
	UnderlyingExchange string
	// MatchTolerance is the relative tolerance around the target premium.
	MatchTolerance float64
	// SimilarityTolerance is the relative tolerance for the fallback report.
	SimilarityTolerance float64
	// StopLossRatio sets each leg's stop-loss as a fraction of its matched premium.
	StopLossRatio float64
	// Lots is the number of lots sold per leg.
	Lots int
}

// Engine schedules and executes strangle jobs. The instrument universe and
// strike spacing are read-only shared state; every execution builds its own
// snapshot, so concurrent jobs never share mutable market context.
type Engine struct {
	broker   broker.Broker
	sched    *scheduler.Scheduler
	sink     Sink
	logger   logrus.FieldLogger
	cfg      Config
	universe []models.Instrument
	spacing  float64

	mu       sync.RWMutex
	jobs     map[string]*models.Job
	snapshot *models.MarketSnapshot

	wg sync.WaitGroup
}

// New creates an Engine over a pre-selected instrument universe (single
// underlying, single expiry) with the given strike spacing.
func New(
	b broker.Broker,
	sched *scheduler.Scheduler,
	sink Sink,
	logger logrus.FieldLogger,
	cfg Config,
	universe []models.Instrument,
	spacing float64,
) (*Engine, error) {
	if b == nil {
		return nil, errors.New("engine: broker is required")
	}
	if sched == nil {
		return nil, errors.New("engine: scheduler is required")
	}
	if spacing <= 0 {
		return nil, fmt.Errorf("engine: strike spacing must be > 0, got %.2f", spacing)
	}
	if cfg.Underlying == "" || cfg.UnderlyingExchange == "" {
		return nil, errors.New("engine: underlying symbol and exchange are required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.MatchTolerance <= 0 {
		cfg.MatchTolerance = DefaultMatchTolerance
	}
	if cfg.SimilarityTolerance <= 0 {
		cfg.SimilarityTolerance = DefaultSimilarityTolerance
	}
	if cfg.StopLossRatio <= 0 {
		cfg.StopLossRatio = DefaultStopLossRatio
	}
	if cfg.Lots <= 0 {
		cfg.Lots = 1
	}
	return &Engine{
		broker:   b,
		sched:    sched,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		universe: universe,
		spacing:  spacing,
		jobs:     make(map[string]*models.Job),
	}, nil
}

// RequestSchedule arms a job that will execute at fireAt against the target
// premium. It fails with scheduler.ErrInvalidTime when fireAt is not strictly
// in the future; the job is then never registered. The returned Job is a
// snapshot of the record at arming time.
func (e *Engine) RequestSchedule(targetPrice float64, fireAt time.Time) (models.Job, error) {
	if targetPrice <= 0 {
		return models.Job{}, fmt.Errorf("target price must be > 0, got %.2f", targetPrice)
	}

	job := &models.Job{
		ID:          uuid.New().String(),
		TargetPrice: targetPrice,
		FireAt:      fireAt,
		ArmedAt:     time.Now().UTC(),
		State:       models.StateArmed,
	}

	// Register before arming so the timer callback always finds the record,
	// even for near-immediate fire instants.
	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	e.wg.Add(1)
	if _, err := e.sched.ScheduleAt(fireAt, func() {
		defer e.wg.Done()
		e.run(job)
	}); err != nil {
		e.wg.Done()
		e.mu.Lock()
		delete(e.jobs, job.ID)
		e.mu.Unlock()
		return models.Job{}, err
	}

	e.emit(EventJobArmed, job.ID,
		fmt.Sprintf("job armed: target %.2f at %s", targetPrice, fireAt.Format("15:04:05")),
		map[string]any{"target_price": targetPrice, "fire_at": fireAt})

	return *job, nil
}

// Refresh fetches a fresh spot quote and rebuilds the market snapshot outside
// any scheduled job. The stored snapshot is replaced wholesale.
func (e *Engine) Refresh() (models.MarketSnapshot, error) {
	spot, err := e.broker.GetLastPrice(e.cfg.UnderlyingExchange, e.cfg.Underlying)
	if err != nil {
		return models.MarketSnapshot{}, fmt.Errorf("fetching spot price: %w", err)
	}
	snapshot := chain.BuildSnapshot(spot, e.spacing, e.universe)
	e.storeSnapshot(snapshot)
	return snapshot, nil
}

// run executes one fired job to completion. Errors are isolated to the job:
// they are recorded and emitted, never propagated to other jobs.
func (e *Engine) run(job *models.Job) {
	sm := models.NewJobStateMachine()

	e.emit(EventJobFired, job.ID,
		fmt.Sprintf("executing: target premium %.2f", job.TargetPrice), nil)
	e.transition(job, sm, models.StateRefreshing, "timer_fired")
	e.emit(EventRefreshStarted, job.ID, "refreshing market data", nil)

	spot, err := e.broker.GetLastPrice(e.cfg.UnderlyingExchange, e.cfg.Underlying)
	if err != nil {
		e.fail(job, sm, fmt.Errorf("fetching spot price: %w", err))
		return
	}
	snapshot := chain.BuildSnapshot(spot, e.spacing, e.universe)
	e.storeSnapshot(snapshot)
	e.emit(EventSnapshotReady, job.ID,
		fmt.Sprintf("snapshot ready: spot %.2f, atm %.2f, %d call / %d put candidates",
			snapshot.Spot, snapshot.ATM, len(snapshot.Calls), len(snapshot.Puts)),
		map[string]any{"spot": snapshot.Spot, "atm": snapshot.ATM})

	e.transition(job, sm, models.StateMatching, "snapshot_built")
	callQuotes, putQuotes, err := e.fetchQuotes(snapshot)
	if err != nil {
		e.fail(job, sm, fmt.Errorf("fetching candidate quotes: %w", err))
		return
	}

	result := matcher.MatchAtPrice(job.TargetPrice, callQuotes, putQuotes, e.cfg.MatchTolerance)
	if !result.Found {
		e.reportNoMatch(job, sm, callQuotes, putQuotes)
		return
	}

	e.transition(job, sm, models.StateExecuting, "match_found")
	e.emit(EventMatchFound, job.ID,
		fmt.Sprintf("matched %.0fCE @ %.2f and %.0fPE @ %.2f",
			result.Call.Strike, result.Call.LTP, result.Put.Strike, result.Put.LTP),
		map[string]any{
			"call_strike": result.Call.Strike, "call_ltp": result.Call.LTP,
			"put_strike": result.Put.Strike, "put_ltp": result.Put.LTP,
		})

	callIns, err := chain.InstrumentAtStrike(result.Call.Strike, snapshot.Calls)
	if err != nil {
		e.fail(job, sm, fmt.Errorf("resolving call leg: %w", err))
		return
	}
	putIns, err := chain.InstrumentAtStrike(result.Put.Strike, snapshot.Puts)
	if err != nil {
		e.fail(job, sm, fmt.Errorf("resolving put leg: %w", err))
		return
	}

	// One leg's rejection must not block the other leg's attempt.
	e.placeLeg(job, callIns, result.Call)
	e.placeLeg(job, putIns, result.Put)

	e.transition(job, sm, models.StateDone, "orders_submitted")
	e.emit(EventJobDone, job.ID, "execution complete", nil)
}

// reportNoMatch runs the similarity fallback and emits the ranked listing.
// No orders are placed on this path.
func (e *Engine) reportNoMatch(job *models.Job, sm *models.JobStateMachine, calls, puts []models.QuotedStrike) {
	e.transition(job, sm, models.StateReporting, "no_match")
	pairs := matcher.MatchBySimilarity(calls, puts, e.cfg.SimilarityTolerance)

	e.mu.Lock()
	job.Similar = pairs
	e.mu.Unlock()

	e.emit(EventNoMatch, job.ID,
		fmt.Sprintf("no contract trading near %.2f; %d pairs with similar premiums",
			job.TargetPrice, len(pairs)),
		map[string]any{"pairs": pairs})

	e.transition(job, sm, models.StateDone, "report_emitted")
	e.emit(EventJobDone, job.ID, "no-match report complete", nil)
}

// fetchQuotes batch-fetches LTPs for both candidate sets, one broker call per
// side, concurrently. Input order is preserved by the broker contract, so
// strikes and prices zip positionally.
func (e *Engine) fetchQuotes(snapshot models.MarketSnapshot) (calls, puts []models.QuotedStrike, err error) {
	var g errgroup.Group
	g.Go(func() error {
		prices, err := e.broker.GetLastPrices(snapshot.Calls)
		if err != nil {
			return fmt.Errorf("call quotes: %w", err)
		}
		if len(prices) != len(snapshot.Calls) {
			return fmt.Errorf("call quotes: got %d prices for %d instruments", len(prices), len(snapshot.Calls))
		}
		calls = zipQuotes(snapshot.Calls, prices)
		return nil
	})
	g.Go(func() error {
		prices, err := e.broker.GetLastPrices(snapshot.Puts)
		if err != nil {
			return fmt.Errorf("put quotes: %w", err)
		}
		if len(prices) != len(snapshot.Puts) {
			return fmt.Errorf("put quotes: got %d prices for %d instruments", len(prices), len(snapshot.Puts))
		}
		puts = zipQuotes(snapshot.Puts, prices)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return calls, puts, nil
}

// placeLeg submits one leg's stop-loss-market sell order and records the
// outcome on the job. Rejections are reported but never propagated.
func (e *Engine) placeLeg(job *models.Job, ins models.Instrument, q models.QuotedStrike) {
	quantity := e.cfg.Lots * ins.LotSize
	stopLoss := util.RoundToTick(q.LTP*e.cfg.StopLossRatio, ins.TickSize)
	leg := models.LegResult{
		Symbol:   ins.TradingSymbol,
		Side:     ins.InstrumentType,
		Strike:   q.Strike,
		LTP:      q.LTP,
		Quantity: quantity,
		StopLoss: stopLoss,
	}

	orderID, err := e.broker.PlaceSellOrder(ins.TradingSymbol, quantity, stopLoss)
	if err != nil {
		leg.Error = err.Error()
		e.appendLeg(job, leg)
		e.emit(EventOrderFailed, job.ID,
			fmt.Sprintf("%s sell order failed: %v", ins.TradingSymbol, err),
			map[string]any{"symbol": ins.TradingSymbol, "side": string(ins.InstrumentType)})
		return
	}
	leg.OrderID = orderID
	e.appendLeg(job, leg)
	e.emit(EventOrderPlaced, job.ID,
		fmt.Sprintf("%s sell order placed: qty %d, trigger %.2f, order id %s",
			ins.TradingSymbol, quantity, stopLoss, orderID),
		map[string]any{"symbol": ins.TradingSymbol, "order_id": orderID})
}

// Jobs returns a copy of every job record, soonest fire instant first.
func (e *Engine) Jobs() []models.Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]models.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

// Pending returns the number of jobs that have not reached a terminal state.
func (e *Engine) Pending() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, j := range e.jobs {
		if j.State != models.StateDone && j.State != models.StateError {
			n++
		}
	}
	return n
}

// Snapshot returns the most recent market snapshot, or nil before the first
// refresh.
func (e *Engine) Snapshot() *models.MarketSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.snapshot == nil {
		return nil
	}
	snap := *e.snapshot
	return &snap
}

// Wait blocks until every armed job has run to completion.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) storeSnapshot(snapshot models.MarketSnapshot) {
	e.mu.Lock()
	e.snapshot = &snapshot
	e.mu.Unlock()
}

func (e *Engine) transition(job *models.Job, sm *models.JobStateMachine, to models.JobState, condition string) {
	if err := sm.Transition(to, condition); err != nil {
		// A transition table violation is a bug, not a market condition.
		e.logger.WithError(err).Error("illegal job state transition")
	}
	e.mu.Lock()
	job.State = sm.GetCurrentState()
	e.mu.Unlock()
}

func (e *Engine) fail(job *models.Job, sm *models.JobStateMachine, err error) {
	e.transition(job, sm, models.StateError, "job_failed")
	e.mu.Lock()
	job.Error = err.Error()
	e.mu.Unlock()
	e.emit(EventJobError, job.ID, err.Error(), nil)
}

func (e *Engine) appendLeg(job *models.Job, leg models.LegResult) {
	e.mu.Lock()
	job.Legs = append(job.Legs, leg)
	e.mu.Unlock()
}

func (e *Engine) emit(t EventType, jobID, msg string, fields map[string]any) {
	if e.sink == nil {
		return
	}
	e.sink.Publish(Event{
		Type:    t,
		JobID:   jobID,
		Message: msg,
		Fields:  fields,
		Time:    time.Now().UTC(),
	})
}

func zipQuotes(instruments []models.Instrument, prices []float64) []models.QuotedStrike {
	quotes := make([]models.QuotedStrike, 0, len(instruments))
	for i, ins := range instruments {
		quotes = append(quotes, models.QuotedStrike{Strike: ins.Strike, LTP: prices[i]})
	}
	return quotes
}

// copyJob deep-copies the slices so registry readers never alias the live record.
func copyJob(j *models.Job) models.Job {
	out := *j
	if len(j.Legs) > 0 {
		out.Legs = append([]models.LegResult(nil), j.Legs...)
	}
	if len(j.Similar) > 0 {
		out.Similar = append([]models.SimilarPair(nil), j.Similar...)
	}
	return out
}
