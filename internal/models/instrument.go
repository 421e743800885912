// Package models provides the core data types for the strangle engine:
// instruments, market snapshots, premium matches, and the per-job execution
// state machine.
package models

import "time"

// OptionType identifies one side of the option chain, using the exchange's
// CE/PE naming for index options.
type OptionType string

const (
	// OptionTypeCall represents a call option contract (CE).
	OptionTypeCall OptionType = "CE"
	// OptionTypePut represents a put option contract (PE).
	OptionTypePut OptionType = "PE"
)

// Valid returns true if the OptionType is one of the defined constants.
func (t OptionType) Valid() bool {
	return t == OptionTypeCall || t == OptionTypePut
}

// Instrument identifies a single option contract. Instruments are loaded once
// from the broker's instrument dump and are read-only afterwards.
type Instrument struct {
	TradingSymbol  string     `json:"tradingsymbol"`
	Exchange       string     `json:"exchange"`
	Name           string     `json:"name"`
	InstrumentType OptionType `json:"instrument_type"`
	Expiry         time.Time  `json:"expiry"`
	Strike         float64    `json:"strike"`
	TickSize       float64    `json:"tick_size"`
	LotSize        int        `json:"lot_size"`
}

// MarketSnapshot is derived market context: the at-the-money strike and the
// OTM call/put candidate windows around it. Snapshots are immutable values;
// the engine builds a fresh one for every execution instead of mutating a
// shared one in place.
type MarketSnapshot struct {
	Spot  float64      `json:"spot"`
	ATM   float64      `json:"atm"`
	Calls []Instrument `json:"calls"`
	Puts  []Instrument `json:"puts"`
	Taken time.Time    `json:"taken"`
}

// QuotedStrike pairs a strike with its last traded price at one instant.
// Quotes are ephemeral: produced fresh for each matching pass, never cached.
type QuotedStrike struct {
	Strike float64 `json:"strike"`
	LTP    float64 `json:"ltp"`
}

// MatchResult is the outcome of matching a target premium against the call
// and put candidate quotes. Found is false when either side had no contract
// trading within tolerance of the target.
type MatchResult struct {
	Found bool         `json:"found"`
	Call  QuotedStrike `json:"call"`
	Put   QuotedStrike `json:"put"`
}

// SimilarPair is one entry of the similarity fallback listing: a call and a
// put whose premiums trade within tolerance of each other, keyed by how far
// apart their strikes sit. Smaller distance means the pair straddles closer
// to the at-the-money strike.
type SimilarPair struct {
	StrikeDistance float64      `json:"strike_distance"`
	Call           QuotedStrike `json:"call"`
	Put            QuotedStrike `json:"put"`
}

// LegResult records the outcome of one leg's order submission.
type LegResult struct {
	Symbol   string     `json:"symbol"`
	Side     OptionType `json:"side"`
	Strike   float64    `json:"strike"`
	LTP      float64    `json:"ltp"`
	Quantity int        `json:"quantity"`
	StopLoss float64    `json:"stop_loss"`
	OrderID  string     `json:"order_id,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Job is the registry record for one scheduled execution. The job's lifecycle
// ends when its timer fires and the run reaches a terminal state; fired jobs
// are never retried or rescheduled.
type Job struct {
	ID          string        `json:"id"`
	TargetPrice float64       `json:"target_price"`
	FireAt      time.Time     `json:"fire_at"`
	ArmedAt     time.Time     `json:"armed_at"`
	State       JobState      `json:"state"`
	Error       string        `json:"error,omitempty"`
	Legs        []LegResult   `json:"legs,omitempty"`
	Similar     []SimilarPair `json:"similar,omitempty"`
}
