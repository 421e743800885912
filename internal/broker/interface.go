// Package broker provides brokerage API clients for market data and order
// placement. It includes the Kite Connect REST client used in production, a
// paper-trading wrapper that simulates order placement, and a circuit-breaker
// wrapper around any Broker.
package broker

import (
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mananvora/nifty_strangler/internal/models"
)

// ErrQuoteUnavailable is returned when an upstream quote fetch fails.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// ErrOrderRejected is returned when the broker rejects an order. The wrapped
// error carries the upstream reason.
var ErrOrderRejected = errors.New("order rejected")

// Broker defines the brokerage operations the engine depends on.
type Broker interface {
	// GetLastPrice returns the last traded price for a single symbol.
	GetLastPrice(exchange, symbol string) (float64, error)

	// GetLastPrices batch-resolves last traded prices for the given
	// instruments, in the same order as the input. A missing quote for any
	// instrument fails the whole call.
	GetLastPrices(instruments []models.Instrument) ([]float64, error)

	// PlaceSellOrder places an intraday stop-loss-market SELL order and
	// returns the broker's order id.
	PlaceSellOrder(symbol string, quantity int, stopLoss float64) (string, error)

	// GetInstruments loads the option instrument dump for an underlying.
	// One-time call outside the hot path.
	GetInstruments(underlying string) ([]models.Instrument, error)
}

// Ensure implementations satisfy Broker at compile time.
var (
	_ Broker = (*KiteClient)(nil)
	_ Broker = (*PaperBroker)(nil)
	_ Broker = (*CircuitBreakerBroker)(nil)
)

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// flapping upstream does not get hammered by every armed job.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(broker Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetLastPrice wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetLastPrice(exchange, symbol string) (float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (float64, error) {
		return b.GetLastPrice(exchange, symbol)
	})
}

// GetLastPrices wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetLastPrices(instruments []models.Instrument) ([]float64, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]float64, error) {
		return b.GetLastPrices(instruments)
	})
}

// PlaceSellOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) PlaceSellOrder(symbol string, quantity int, stopLoss float64) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.PlaceSellOrder(symbol, quantity, stopLoss)
	})
}

// GetInstruments wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetInstruments(underlying string) ([]models.Instrument, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Instrument, error) {
		return b.GetInstruments(underlying)
	})
}
