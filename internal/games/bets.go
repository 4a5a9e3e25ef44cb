package games

import (
	"github.com/nullspace-games/casino-gateway/internal/codec"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

// Bet kinds shared by the single-amount games. Multi-bet games use the
// per-game tables below.
const (
	MainBet             uint8 = 0
	SideBet21Plus3      uint8 = 1
	SideBetPerfectPairs uint8 = 2
)

type targetRule uint8

const (
	targetForbidden targetRule = iota
	targetRequired
)

type betSpec struct {
	kind   uint8
	rule   targetRule
	minTgt int
	maxTgt int
}

var betTables = map[Type]map[string]betSpec{
	Roulette: {
		"straight": {kind: 0, rule: targetRequired, minTgt: 0, maxTgt: 36},
		"red":      {kind: 1},
		"black":    {kind: 2},
		"odd":      {kind: 3},
		"even":     {kind: 4},
		"low":      {kind: 5},
		"high":     {kind: 6},
		"dozen":    {kind: 7, rule: targetRequired, minTgt: 1, maxTgt: 3},
		"column":   {kind: 8, rule: targetRequired, minTgt: 1, maxTgt: 3},
	},
	Craps: {
		"pass":      {kind: 0},
		"dont_pass": {kind: 1},
		"field":     {kind: 2},
		"any_seven": {kind: 3},
		"any_craps": {kind: 4},
		"place":     {kind: 5, rule: targetRequired, minTgt: 4, maxTgt: 10},
		"hardway":   {kind: 6, rule: targetRequired, minTgt: 4, maxTgt: 10},
	},
	Baccarat: {
		"player":      {kind: 0},
		"banker":      {kind: 1},
		"tie":         {kind: 2},
		"player_pair": {kind: 3},
		"banker_pair": {kind: 4},
	},
	SicBo: {
		"small":      {kind: 0},
		"big":        {kind: 1},
		"total":      {kind: 2, rule: targetRequired, minTgt: 4, maxTgt: 17},
		"single":     {kind: 3, rule: targetRequired, minTgt: 1, maxTgt: 6},
		"double":     {kind: 4, rule: targetRequired, minTgt: 1, maxTgt: 6},
		"triple":     {kind: 5, rule: targetRequired, minTgt: 1, maxTgt: 6},
		"any_triple": {kind: 6},
	},
}

// ResolveBet validates a named wager for a multi-bet game and returns its
// wire form. target is nil when the client omitted the field.
func (t Type) ResolveBet(name string, target *int, amount uint64) (codec.Bet, error) {
	table, ok := betTables[t]
	if !ok {
		return codec.Bet{}, gwerrors.Newf(gwerrors.CodeInvalidBet, "%s does not take named bets", t)
	}
	spec, ok := table[name]
	if !ok {
		return codec.Bet{}, gwerrors.Newf(gwerrors.CodeInvalidBet, "unknown %s bet %q", t, name)
	}

	var tgt uint8
	switch spec.rule {
	case targetRequired:
		if target == nil {
			return codec.Bet{}, gwerrors.Newf(gwerrors.CodeInvalidBet, "%s bet %q requires a target", t, name)
		}
		if *target < spec.minTgt || *target > spec.maxTgt {
			return codec.Bet{}, gwerrors.Newf(gwerrors.CodeInvalidBet,
				"%s bet %q target must be between %d and %d", t, name, spec.minTgt, spec.maxTgt)
		}
		tgt = uint8(*target)
	default:
		if target != nil {
			return codec.Bet{}, gwerrors.Newf(gwerrors.CodeInvalidBet, "%s bet %q does not take a target", t, name)
		}
	}

	return codec.Bet{Kind: spec.kind, Target: tgt, Amount: amount}, nil
}

// BetNames lists the valid bet names for a multi-bet game, for error details.
func (t Type) BetNames() []string {
	table := betTables[t]
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	return names
}
