package models

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	UpgradeSpeed      = "speed"
	UpgradeEfficiency = "efficiency"
	UpgradeCapacity   = "capacity"
)

// LifetimeBoosts maps one-time boost purchases to their speed multiplier.
var LifetimeBoosts = map[string]float64{
	"lifetime_2x": 2,
	"lifetime_3x": 3,
	"lifetime_5x": 5,
}

type SpeedPolicy struct {
	BaseSpeed      float64
	SpeedIncrement float64
}

// MiningSpeed derives coins per second from upgrade levels and the best purchased boost.
func (p SpeedPolicy) MiningSpeed(upgrades Upgrades, boosts map[string]BoostState) float64 {
	speed := decimal.NewFromFloat(p.BaseSpeed).
		Add(decimal.NewFromFloat(p.SpeedIncrement).Mul(decimal.NewFromInt(int64(upgrades.Speed))))

	return speed.Mul(decimal.NewFromFloat(BoostMultiplier(boosts))).InexactFloat64()
}

// BoostMultiplier returns the highest purchased multiplier. Multipliers never stack.
func BoostMultiplier(boosts map[string]BoostState) float64 {
	best := 1.0
	for name, state := range boosts {
		if !state.Purchased {
			continue
		}
		if m, ok := LifetimeBoosts[name]; ok && m > best {
			best = m
		}
	}
	return best
}

// SessionEarnings computes min(elapsed, maxSession) * speed with elapsed clamped at zero.
func SessionEarnings(elapsed, maxSession time.Duration, speed float64) float64 {
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > maxSession {
		elapsed = maxSession
	}

	seconds := decimal.NewFromInt(elapsed.Milliseconds()).Div(decimal.NewFromInt(1000))
	return seconds.Mul(decimal.NewFromFloat(speed)).InexactFloat64()
}

func ExperienceForEarnings(earnings float64) int64 {
	if earnings <= 0 {
		return 0
	}
	return decimal.NewFromFloat(earnings).Mul(decimal.NewFromInt(10)).Floor().IntPart()
}

// LevelFromExperience is floor(sqrt(xp/100)) + 1. The Redis and Postgres stores evaluate the same formula.
func LevelFromExperience(xp int64) int {
	if xp <= 0 {
		return 1
	}
	return int(math.Floor(math.Sqrt(float64(xp)/100))) + 1
}

func IsKnownUpgrade(name string) bool {
	switch name {
	case UpgradeSpeed, UpgradeEfficiency, UpgradeCapacity:
		return true
	}
	return false
}
