package bootstrap

import (
	"context"
	"fmt"

	"botctl/internal/config"
	"botctl/internal/core"

	"github.com/shopspring/decimal"
)

// SeedBots creates a core.Bot row for every bots[] entry in cfg that isn't
// already persisted (matched by ID), then returns the full set of persisted
// bots. Re-running LoadConfig's bots[] against an already-seeded store is a
// no-op for entries that already exist.
func SeedBots(ctx context.Context, store core.Persistence, cfg *Config) ([]core.Bot, error) {
	existing, err := store.ListBots(ctx)
	if err != nil {
		return nil, fmt.Errorf("seed bots: list existing: %w", err)
	}
	haveID := make(map[int64]bool, len(existing))
	for _, b := range existing {
		haveID[b.ID] = true
	}

	for _, bc := range cfg.Bots {
		id := int64(bc.ID)
		if haveID[id] {
			continue
		}
		bot := botFromConfig(bc, cfg.BotDefaults)
		bot.ID = id
		if err := bot.Validate(); err != nil {
			return nil, fmt.Errorf("seed bots: bot %d: %w", id, err)
		}
		if _, err := store.CreateBot(ctx, bot); err != nil {
			return nil, fmt.Errorf("seed bots: create bot %d: %w", id, err)
		}
	}

	return store.ListBots(ctx)
}

func botFromConfig(bc config.BotConfig, defaults config.BotDefaultsConfig) core.Bot {
	confirmationMinutes := bc.ConfirmationMinutes
	if confirmationMinutes == 0 {
		confirmationMinutes = defaults.DefaultConfirmationMinutes
	}
	cooldownMinutes := bc.CooldownMinutes
	if cooldownMinutes == 0 {
		cooldownMinutes = defaults.DefaultCooldownMinutes
	}

	buyThresh := bc.BuyThreshold
	if buyThresh == 0 {
		buyThresh = 0.05
	}
	sellThresh := bc.SellThreshold
	if sellThresh == 0 {
		sellThresh = 0.05
	}

	status := core.BotStopped
	if bc.AutoStart {
		status = core.BotRunning
	}

	indicators := make([]core.IndicatorConfig, 0, len(bc.Indicators))
	for _, ic := range bc.Indicators {
		indicators = append(indicators, core.IndicatorConfig{
			Name:          ic.Name,
			Weight:        ic.Weight,
			RSIPeriod:     ic.RSIPeriod,
			RSIBuyThresh:  ic.RSIBuyThresh,
			RSISellThresh: ic.RSISellThresh,
			MAFastPeriod:  ic.MAFastPeriod,
			MASlowPeriod:  ic.MASlowPeriod,
			MACDFast:      ic.MACDFast,
			MACDSlow:      ic.MACDSlow,
			MACDSignal:    ic.MACDSignal,
		})
	}

	return core.Bot{
		Name:   bc.Name,
		Pair:   bc.Pair,
		Status: status,
		Signal: core.SignalConfig{Indicators: indicators},
		Envelope: core.TradeEnvelope{
			PositionSizeUSD:     decimal.NewFromFloat(bc.PositionSizeUSD),
			ConfirmationMinutes: int(confirmationMinutes),
			CooldownMinutes:     int(cooldownMinutes),
			SkipSignalsOnLowBal: bc.SkipSignalsOnLowBalance,
			MinPriceStepPct:     decimal.NewFromFloat(bc.MinPriceStepPct),
			BuyThreshold:        buyThresh,
			SellThreshold:       sellThresh,
		},
	}
}
