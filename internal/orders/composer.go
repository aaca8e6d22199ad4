package orders

import (
	"fmt"
	"time"
)

// Side is the directional intent of a signal.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is the Tradovate order type a NormalizedOrderIntent will
// be submitted as.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

// Signal is the inbound, webhook-shaped trading instruction before
// composition into a concrete order. EntryPrice may be zero when the
// caller intends a market order.
type Signal struct {
	StrategyTag    string
	Root           string
	Side           Side
	Quantity       int
	EntryPrice     float64
	ExplicitType   OrderType // empty means "infer from EntryPrice vs bid/ask"
	TakeProfit     *float64  // absolute price; nil means "use config default ticks, if enabled"
	StopLoss       *float64
	EnableTP       *bool // per-signal override; nil defers to config default
	EnableSL       *bool
}

// MarketSnapshot is the current bid/ask for a Signal's instrument, as
// read from the account's live session (session.Manager.GetMarketData)
// rather than trusted from the inbound webhook payload. A zero-valued
// snapshot is treated by Compose as a missing read.
type MarketSnapshot struct {
	Bid float64
	Ask float64
}

// Config is the account-independent configuration the composer needs:
// default bracket distances and default enable flags.
type Config struct {
	DefaultTPTicks int
	DefaultSLTicks int
	DefaultEnableTP bool
	DefaultEnableSL bool
}

// NormalizedOrderIntent is the fully resolved order ready for
// submission: contract symbol, order type, entry, and optional
// bracket legs.
type NormalizedOrderIntent struct {
	Symbol       string
	Side         Side
	Quantity     int
	OrderType    OrderType
	EntryPrice   float64 // 0 for MARKET
	TakeProfit   *float64
	StopLoss     *float64
	TickSize     float64
	Precision    int
	ComposedAt   time.Time
}

// Compose resolves a Signal into a NormalizedOrderIntent: picks the
// front-quarter contract, infers or honors the explicit order type,
// and derives bracket prices when enabled.
//
// Open Question #1 (explicit vs inferred order_type): an explicit
// ExplicitType always wins over inference when both are present.
// Open Question #2 (TP/SL enable): the per-signal EnableTP/EnableSL
// field wins when set; the config default applies otherwise.
func Compose(sig Signal, cfg Config, snapshot MarketSnapshot, asOf time.Time) (NormalizedOrderIntent, error) {
	if sig.Root == "" {
		return NormalizedOrderIntent{}, fmt.Errorf("orders: signal missing root symbol")
	}
	if sig.Side != SideBuy && sig.Side != SideSell {
		return NormalizedOrderIntent{}, fmt.Errorf("orders: signal has invalid side %q", sig.Side)
	}
	if snapshot.Bid <= 0 || snapshot.Ask <= 0 {
		return NormalizedOrderIntent{}, fmt.Errorf("orders: missing market data snapshot for %s", sig.Root)
	}

	spec, err := LookupInstrument(sig.Root)
	if err != nil {
		return NormalizedOrderIntent{}, err
	}
	symbol, err := FrontQuarterContract(sig.Root, asOf)
	if err != nil {
		return NormalizedOrderIntent{}, err
	}

	orderType := resolveOrderType(sig, snapshot)
	entry := 0.0
	if orderType != OrderMarket {
		entry = RoundToTick(sig.EntryPrice, spec)
	}

	quantity := sig.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	intent := NormalizedOrderIntent{
		Symbol:     symbol,
		Side:       sig.Side,
		Quantity:   quantity,
		OrderType:  orderType,
		EntryPrice: entry,
		TickSize:   spec.TickSize,
		Precision:  spec.Precision,
		ComposedAt: asOf,
	}

	basis := entry
	if orderType == OrderMarket {
		basis = referencePrice(sig, snapshot)
	}

	if enableTP(sig, cfg) {
		tp := resolveBracketPrice(sig.TakeProfit, basis, sig.Side, true, cfg.DefaultTPTicks, spec)
		intent.TakeProfit = &tp
	}
	if enableSL(sig, cfg) {
		sl := resolveBracketPrice(sig.StopLoss, basis, sig.Side, false, cfg.DefaultSLTicks, spec)
		intent.StopLoss = &sl
	}

	return intent, nil
}

// resolveOrderType implements Open Question #1.
func resolveOrderType(sig Signal, snapshot MarketSnapshot) OrderType {
	if sig.ExplicitType != "" {
		return sig.ExplicitType
	}
	if sig.EntryPrice == 0 {
		return OrderMarket
	}
	switch sig.Side {
	case SideBuy:
		if sig.EntryPrice >= snapshot.Ask {
			return OrderStop
		}
		return OrderLimit
	case SideSell:
		if sig.EntryPrice <= snapshot.Bid {
			return OrderStop
		}
		return OrderLimit
	default:
		return OrderMarket
	}
}

func referencePrice(sig Signal, snapshot MarketSnapshot) float64 {
	switch sig.Side {
	case SideBuy:
		return snapshot.Ask
	case SideSell:
		return snapshot.Bid
	}
	return sig.EntryPrice
}

func enableTP(sig Signal, cfg Config) bool {
	if sig.EnableTP != nil {
		return *sig.EnableTP
	}
	return cfg.DefaultEnableTP
}

func enableSL(sig Signal, cfg Config) bool {
	if sig.EnableSL != nil {
		return *sig.EnableSL
	}
	return cfg.DefaultEnableSL
}

// resolveBracketPrice returns explicit if the signal supplied one,
// otherwise derives it defaultTicks away from basis in the direction
// appropriate for the leg (profit moves with the position's favor,
// loss moves against it), rounded to the instrument's tick size.
func resolveBracketPrice(explicit *float64, basis float64, side Side, isTakeProfit bool, defaultTicks int, spec InstrumentSpec) float64 {
	if explicit != nil {
		return RoundToTick(*explicit, spec)
	}
	distance := float64(defaultTicks) * spec.TickSize
	// Buy: TP above entry, SL below entry. Sell: TP below entry, SL above entry.
	var price float64
	switch {
	case side == SideBuy && isTakeProfit:
		price = basis + distance
	case side == SideBuy && !isTakeProfit:
		price = basis - distance
	case side == SideSell && isTakeProfit:
		price = basis - distance
	case side == SideSell && !isTakeProfit:
		price = basis + distance
	}
	return RoundToTick(price, spec)
}
