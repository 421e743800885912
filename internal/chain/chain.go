// Package chain selects the tradable option universe and derives the
// per-execution market snapshot: the at-the-money strike and the windows of
// out-of-the-money call and put candidates around it.
package chain

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mananvora/nifty_strangler/internal/models"
	"github.com/mananvora/nifty_strangler/internal/util"
)

// ErrStrikeNotFound is returned when a matched strike cannot be resolved back
// to an instrument in the candidate set. With consistent snapshots this should
// be unreachable; callers treat it as fatal for the job.
var ErrStrikeNotFound = errors.New("no instrument at strike")

// strikeMatchEpsilon defines the precision tolerance for matching strike prices.
const strikeMatchEpsilon = 1e-3

// windowStrikes is the half-width of the candidate window in strikes on each
// side of the at-the-money strike.
const windowStrikes = 10

// NearestStrike returns the listed strike nearest to price given the chain's
// strike spacing. Ties round away from zero, matching the historical strike
// selection behavior.
func NearestStrike(price, spacing float64) float64 {
	return util.RoundToTick(price, spacing)
}

// BuildSnapshot partitions the universe into OTM call and put candidate sets
// around the at-the-money strike for the given spot price. The window spans
// [atm-10*spacing, atm+10*spacing] inclusive; calls must be strictly above
// the ATM strike and puts strictly below, so the ATM strike itself is in
// neither set.
func BuildSnapshot(spot, spacing float64, universe []models.Instrument) models.MarketSnapshot {
	atm := NearestStrike(spot, spacing)
	lo := atm - windowStrikes*spacing
	hi := atm + windowStrikes*spacing

	snapshot := models.MarketSnapshot{
		Spot:  spot,
		ATM:   atm,
		Taken: time.Now().UTC(),
	}
	for _, ins := range universe {
		if ins.Strike < lo || ins.Strike > hi {
			continue
		}
		switch {
		case ins.InstrumentType == models.OptionTypeCall && ins.Strike > atm:
			snapshot.Calls = append(snapshot.Calls, ins)
		case ins.InstrumentType == models.OptionTypePut && ins.Strike < atm:
			snapshot.Puts = append(snapshot.Puts, ins)
		}
	}
	return snapshot
}

// InstrumentAtStrike resolves a strike back to its instrument within a
// candidate set.
func InstrumentAtStrike(strike float64, set []models.Instrument) (models.Instrument, error) {
	for _, ins := range set {
		if math.Abs(ins.Strike-strike) <= strikeMatchEpsilon {
			return ins, nil
		}
	}
	return models.Instrument{}, fmt.Errorf("%w: %.2f", ErrStrikeNotFound, strike)
}

// NearestExpiry returns the earliest expiry present in the universe.
func NearestExpiry(universe []models.Instrument) (time.Time, error) {
	if len(universe) == 0 {
		return time.Time{}, errors.New("empty instrument universe")
	}
	earliest := universe[0].Expiry
	for _, ins := range universe[1:] {
		if ins.Expiry.Before(earliest) {
			earliest = ins.Expiry
		}
	}
	return earliest, nil
}

// FilterByExpiry returns the instruments expiring on the given date.
func FilterByExpiry(universe []models.Instrument, expiry time.Time) []models.Instrument {
	var out []models.Instrument
	for _, ins := range universe {
		if ins.Expiry.Equal(expiry) {
			out = append(out, ins)
		}
	}
	return out
}

// SpacingFromStrikes infers the strike spacing as the gap between the two
// lowest distinct strikes in the universe.
func SpacingFromStrikes(universe []models.Instrument) (float64, error) {
	seen := make(map[float64]struct{}, len(universe))
	strikes := make([]float64, 0, len(universe))
	for _, ins := range universe {
		if _, ok := seen[ins.Strike]; ok {
			continue
		}
		seen[ins.Strike] = struct{}{}
		strikes = append(strikes, ins.Strike)
	}
	if len(strikes) < 2 {
		return 0, fmt.Errorf("cannot infer strike spacing from %d distinct strikes", len(strikes))
	}
	sort.Float64s(strikes)
	return strikes[1] - strikes[0], nil
}
