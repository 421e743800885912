package broker

import (
	"log"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/mananvora/nifty_strangler/internal/models"
)

// PaperBroker delegates market data to a real Broker but simulates order
// placement: every sell order is accepted locally and assigned a synthetic
// order id. No order ever reaches the exchange.
type PaperBroker struct {
	upstream Broker
	logger   *log.Logger

	mu     sync.Mutex
	orders []PaperOrder
}

// PaperOrder records one simulated order placement.
type PaperOrder struct {
	OrderID  string
	Symbol   string
	Quantity int
	StopLoss float64
}

// NewPaperBroker wraps upstream with simulated order placement.
func NewPaperBroker(upstream Broker, logger *log.Logger) *PaperBroker {
	if logger == nil {
		logger = log.New(os.Stderr, "paper: ", log.LstdFlags)
	}
	return &PaperBroker{upstream: upstream, logger: logger}
}

// GetLastPrice delegates to the upstream broker.
func (p *PaperBroker) GetLastPrice(exchange, symbol string) (float64, error) {
	return p.upstream.GetLastPrice(exchange, symbol)
}

// GetLastPrices delegates to the upstream broker.
func (p *PaperBroker) GetLastPrices(instruments []models.Instrument) ([]float64, error) {
	return p.upstream.GetLastPrices(instruments)
}

// GetInstruments delegates to the upstream broker.
func (p *PaperBroker) GetInstruments(underlying string) ([]models.Instrument, error) {
	return p.upstream.GetInstruments(underlying)
}

// PlaceSellOrder records the order locally and returns a synthetic id.
func (p *PaperBroker) PlaceSellOrder(symbol string, quantity int, stopLoss float64) (string, error) {
	order := PaperOrder{
		OrderID:  "paper-" + uuid.New().String(),
		Symbol:   symbol,
		Quantity: quantity,
		StopLoss: stopLoss,
	}
	p.mu.Lock()
	p.orders = append(p.orders, order)
	p.mu.Unlock()

	p.logger.Printf("PAPER sell order %s: %s qty=%d trigger=%.2f", order.OrderID, symbol, quantity, stopLoss)
	return order.OrderID, nil
}

// Orders returns a copy of all simulated orders placed so far.
func (p *PaperBroker) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperOrder, len(p.orders))
	copy(out, p.orders)
	return out
}
