package tuner

import (
	"time"

	"github.com/aashath0317/fydblock-spot-grid-latest/internal/logger"
	"github.com/aashath0317/fydblock-spot-grid-latest/internal/models"
)

// Action is the tuner's verdict on the current window.
type Action string

const (
	ActionNone       Action = "NONE"
	ActionResetUp    Action = "RESET_UP"
	ActionExpandDown Action = "EXPAND_DOWN"
)

const (
	defaultCooldown  = 30 * time.Minute
	defaultRiskLevel = 10
	// Fallback when the risk-derived lower bound would not actually go lower.
	expandFallbackFactor = 0.95
)

// Adjustment carries the proposed new window. Limits are only meaningful when
// Action is not NONE.
type Adjustment struct {
	Action     Action
	LowerLimit float64
	UpperLimit float64
	GridCount  int
}

// Tuner decides when a bot's window should follow the price. It holds no
// per-bot state; everything it needs comes from the config and the clock.
type Tuner struct {
	cooldown time.Duration
	now      func() time.Time
}

func New() *Tuner {
	return &Tuner{cooldown: defaultCooldown, now: time.Now}
}

// WithClock replaces the wall clock, used by the backtester to run cooldowns
// on simulated time.
func (t *Tuner) WithClock(now func() time.Time) *Tuner {
	t.now = now
	return t
}

// Evaluate inspects the price against the bot's window. RESET_UP fires
// immediately when the price breaks out above; EXPAND_DOWN only fires below
// the window once the trailing cooldown has elapsed.
func (t *Tuner) Evaluate(bot *models.BotConfig, currentPrice float64) Adjustment {
	none := Adjustment{Action: ActionNone}
	if bot.Mode != models.ModeAuto || currentPrice <= 0 {
		return none
	}

	risk := float64(bot.RiskLevel)
	if risk <= 0 {
		risk = defaultRiskLevel
	}
	riskFrac := risk / 100

	if currentPrice > bot.UpperLimit {
		half := currentPrice * riskFrac
		adj := Adjustment{
			Action:     ActionResetUp,
			LowerLimit: currentPrice - half,
			UpperLimit: currentPrice + half,
			GridCount:  bot.GridCount,
		}
		logger.S().Infow("tuner proposes reset up",
			"bot_id", bot.ID, "price", currentPrice,
			"new_lower", adj.LowerLimit, "new_upper", adj.UpperLimit)
		return adj
	}

	if currentPrice < bot.LowerLimit {
		if bot.LastTrailingUpdate != nil &&
			t.now().Sub(*bot.LastTrailingUpdate) < t.cooldown {
			return none
		}

		newLower := currentPrice * (1 - riskFrac)
		if newLower >= bot.LowerLimit {
			newLower = bot.LowerLimit * expandFallbackFactor
		}
		adj := Adjustment{
			Action:     ActionExpandDown,
			LowerLimit: newLower,
			UpperLimit: bot.UpperLimit,
			GridCount:  bot.GridCount,
		}
		logger.S().Infow("tuner proposes expand down",
			"bot_id", bot.ID, "price", currentPrice, "new_lower", adj.LowerLimit)
		return adj
	}

	return none
}
