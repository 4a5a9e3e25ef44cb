// Package games is the static registry of casino game types: their wire ids,
// client-facing names, start verbs, mid-game moves and bet tables. The
// gateway validates every wager against this registry before anything is
// signed, so malformed bets never reach the backend.
package games

import "strings"

// Type is the backend's one-byte game identifier.
type Type uint8

const (
	Blackjack Type = iota
	Roulette
	Craps
	Baccarat
	SicBo
	ThreeCard
	UltimateTX
	VideoPoker
	CasinoWar
	HiLo

	numTypes
)

var typeNames = [numTypes]string{
	Blackjack:  "blackjack",
	Roulette:   "roulette",
	Craps:      "craps",
	Baccarat:   "baccarat",
	SicBo:      "sicbo",
	ThreeCard:  "threecard",
	UltimateTX: "ultimatetx",
	VideoPoker: "videopoker",
	CasinoWar:  "casinowar",
	HiLo:       "hilo",
}

var nameToType = func() map[string]Type {
	m := make(map[string]Type, numTypes)
	for t, name := range typeNames {
		m[name] = Type(t)
	}
	return m
}()

func (t Type) Valid() bool { return t < numTypes }

func (t Type) String() string {
	if !t.Valid() {
		return "unknown"
	}
	return typeNames[t]
}

// TypeFromName resolves a client-facing game name ("blackjack", "sicbo", ...).
func TypeFromName(name string) (Type, bool) {
	t, ok := nameToType[name]
	return t, ok
}

// All returns every registered game type in wire-id order.
func All() []Type {
	out := make([]Type, numTypes)
	for i := range out {
		out[i] = Type(i)
	}
	return out
}

// StartAction is the verb that opens a round of this game, as it appears in
// the inbound message type ("blackjack_deal", "roulette_spin", "craps_roll").
func (t Type) StartAction() string {
	switch t {
	case Roulette:
		return "spin"
	case Craps, SicBo:
		return "roll"
	default:
		return "deal"
	}
}

// MultiBet reports whether the game's start message carries a bets array
// rather than a single amount.
func (t Type) MultiBet() bool {
	switch t {
	case Roulette, Craps, Baccarat, SicBo:
		return true
	default:
		return false
	}
}

var moveCodes = map[Type]map[string]uint8{
	Blackjack: {
		"hit":    1,
		"stand":  2,
		"double": 3,
		"split":  4,
	},
	HiLo: {
		"higher":  5,
		"lower":   6,
		"cashout": 7,
	},
}

// MoveCode resolves a mid-game action name to its wire code. Games without
// mid-game moves resolve nothing.
func (t Type) MoveCode(action string) (uint8, bool) {
	code, ok := moveCodes[t][action]
	return code, ok
}

// ParseMessageType splits an inbound game message type into its game and
// action, e.g. "blackjack_deal" into (Blackjack, "deal"). Returns false for
// message types that do not start with a known game name.
func ParseMessageType(msgType string) (Type, string, bool) {
	name, action, ok := strings.Cut(msgType, "_")
	if !ok || action == "" {
		return 0, "", false
	}
	t, ok := nameToType[name]
	if !ok {
		return 0, "", false
	}
	return t, action, true
}
