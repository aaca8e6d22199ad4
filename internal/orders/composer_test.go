package orders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var asOf = time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)

func TestComposeInfersLimitOrder(t *testing.T) {
	sig := Signal{Root: "ES", Side: SideBuy, EntryPrice: 5000.10}
	intent, err := Compose(sig, Config{}, MarketSnapshot{Bid: 5000.40, Ask: 5000.50}, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderLimit, intent.OrderType)
	assert.Equal(t, "ESM6", intent.Symbol)
}

func TestComposeInfersStopOrder(t *testing.T) {
	sig := Signal{Root: "ES", Side: SideBuy, EntryPrice: 5001.00}
	intent, err := Compose(sig, Config{}, MarketSnapshot{Bid: 5000.40, Ask: 5000.50}, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderStop, intent.OrderType)
}

func TestExplicitOrderTypeWins(t *testing.T) {
	// Entry price sits below the ask, which would normally infer
	// LIMIT, but an explicit STOP must win per Open Question #1.
	sig := Signal{Root: "ES", Side: SideBuy, EntryPrice: 5000.10, ExplicitType: OrderStop}
	intent, err := Compose(sig, Config{}, MarketSnapshot{Bid: 5000.40, Ask: 5000.50}, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderStop, intent.OrderType)
}

func TestComposeMarketOrderHasZeroEntry(t *testing.T) {
	sig := Signal{Root: "ES", Side: SideSell}
	intent, err := Compose(sig, Config{}, MarketSnapshot{Bid: 5000.00, Ask: 5000.25}, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderMarket, intent.OrderType)
	assert.Zero(t, intent.EntryPrice)
}

func TestComposeBracketDefaultsDeriveFromConfigTicks(t *testing.T) {
	sig := Signal{Root: "ES", Side: SideBuy, EntryPrice: 5000.00, ExplicitType: OrderLimit}
	cfg := Config{DefaultTPTicks: 8, DefaultSLTicks: 4, DefaultEnableTP: true, DefaultEnableSL: true}
	intent, err := Compose(sig, cfg, MarketSnapshot{Bid: 5000.00, Ask: 5000.00}, asOf)
	require.NoError(t, err)
	require.NotNil(t, intent.TakeProfit)
	require.NotNil(t, intent.StopLoss)
	assert.InDelta(t, 5002.00, *intent.TakeProfit, 1e-9) // 8 ticks * 0.25
	assert.InDelta(t, 4999.00, *intent.StopLoss, 1e-9)   // 4 ticks * 0.25
}

func TestComposeSignalEnableFlagOverridesConfigDefault(t *testing.T) {
	sig := Signal{Root: "ES", Side: SideBuy, EntryPrice: 5000.00, ExplicitType: OrderLimit, EnableTP: boolPtr(false)}
	cfg := Config{DefaultTPTicks: 8, DefaultEnableTP: true}
	intent, err := Compose(sig, cfg, MarketSnapshot{Bid: 5000.00, Ask: 5000.25}, asOf)
	require.NoError(t, err)
	assert.Nil(t, intent.TakeProfit, "a per-signal false must override a config default of true")
}

func TestComposeExplicitBracketPricesAreRoundedNotRederived(t *testing.T) {
	tp := 5002.05
	sig := Signal{Root: "ES", Side: SideBuy, EntryPrice: 5000.00, ExplicitType: OrderLimit, EnableTP: boolPtr(true), TakeProfit: &tp}
	intent, err := Compose(sig, Config{}, MarketSnapshot{Bid: 5000.00, Ask: 5000.25}, asOf)
	require.NoError(t, err)
	require.NotNil(t, intent.TakeProfit)
	assert.InDelta(t, 5002.00, *intent.TakeProfit, 1e-9) // rounded to nearest 0.25 tick
}

func TestComposeSellBracketDirections(t *testing.T) {
	sig := Signal{Root: "ES", Side: SideSell, EntryPrice: 5000.00, ExplicitType: OrderLimit}
	cfg := Config{DefaultTPTicks: 4, DefaultSLTicks: 4, DefaultEnableTP: true, DefaultEnableSL: true}
	intent, err := Compose(sig, cfg, MarketSnapshot{Bid: 5000.00, Ask: 5000.25}, asOf)
	require.NoError(t, err)
	assert.InDelta(t, 4999.00, *intent.TakeProfit, 1e-9, "sell take-profit must sit below entry")
	assert.InDelta(t, 5001.00, *intent.StopLoss, 1e-9, "sell stop-loss must sit above entry")
}

func TestComposeSpecScenarioMarketBracketFromDefaults(t *testing.T) {
	// spec.md scenario 3: NQ Buy market order, ask=19000.00,
	// bid=18999.75, 15-tick TP/SL defaults -> TP=19003.75, SL=18996.25.
	sig := Signal{Root: "NQ", Side: SideBuy, Quantity: 1}
	cfg := Config{DefaultTPTicks: 15, DefaultSLTicks: 15, DefaultEnableTP: true, DefaultEnableSL: true}
	intent, err := Compose(sig, cfg, MarketSnapshot{Bid: 18999.75, Ask: 19000.00}, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderMarket, intent.OrderType)
	assert.Zero(t, intent.EntryPrice)
	require.NotNil(t, intent.TakeProfit)
	require.NotNil(t, intent.StopLoss)
	assert.InDelta(t, 19003.75, *intent.TakeProfit, 1e-9)
	assert.InDelta(t, 18996.25, *intent.StopLoss, 1e-9)
}

func TestComposeSpecScenarioLimitStopInference(t *testing.T) {
	// spec.md scenario 4.
	snapshot := MarketSnapshot{Bid: 18999.75, Ask: 19000}

	buyLimit := Signal{Root: "NQ", Side: SideBuy, EntryPrice: 18900}
	intent, err := Compose(buyLimit, Config{}, snapshot, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderLimit, intent.OrderType)

	buyStop := Signal{Root: "NQ", Side: SideBuy, EntryPrice: 19100}
	intent, err = Compose(buyStop, Config{}, snapshot, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderStop, intent.OrderType)

	sellLimit := Signal{Root: "NQ", Side: SideSell, EntryPrice: 19100}
	intent, err = Compose(sellLimit, Config{}, snapshot, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderLimit, intent.OrderType)

	sellStop := Signal{Root: "NQ", Side: SideSell, EntryPrice: 18900}
	intent, err = Compose(sellStop, Config{}, snapshot, asOf)
	require.NoError(t, err)
	assert.Equal(t, OrderStop, intent.OrderType)
}

func TestComposeFallsBackToDefaultInstrumentSpecForUnknownRoot(t *testing.T) {
	sig := Signal{Root: "ZZ", Side: SideBuy}
	intent, err := Compose(sig, Config{}, MarketSnapshot{Bid: 100, Ask: 100.25}, asOf)
	require.NoError(t, err, "an unconfigured root must fall back to defaults, not error")
	assert.InDelta(t, 0.25, intent.TickSize, 1e-9)
	assert.Equal(t, 2, intent.Precision)
}

func TestComposeRejectsMissingMarketSnapshot(t *testing.T) {
	sig := Signal{Root: "ES", Side: SideBuy}
	_, err := Compose(sig, Config{}, MarketSnapshot{}, asOf)
	assert.Error(t, err, "a missing market-data snapshot must be a hard error, not silently defaulted")
}

func boolPtr(b bool) *bool { return &b }
