package codec

import "encoding/hex"

// EventKind identifies the variant of a decoded stream event.
type EventKind uint8

const (
	EventGameStarted    EventKind = 21
	EventGameMove       EventKind = 22
	EventGameResult     EventKind = 23
	EventBalance        EventKind = 24
	EventRoundOpened    EventKind = 60
	EventRoundLocked    EventKind = 61
	EventRoundOutcome   EventKind = 62
	EventPlayerSettled  EventKind = 63
	EventRoundFinalized EventKind = 64
	EventBetAccepted    EventKind = 65
	EventBetRejected    EventKind = 66
)

func (k EventKind) String() string {
	switch k {
	case EventGameStarted:
		return "game_started"
	case EventGameMove:
		return "game_move"
	case EventGameResult:
		return "game_result"
	case EventBalance:
		return "balance_snapshot"
	case EventRoundOpened:
		return "round_opened"
	case EventRoundLocked:
		return "locked"
	case EventRoundOutcome:
		return "outcome"
	case EventPlayerSettled:
		return "player_settled"
	case EventRoundFinalized:
		return "finalized"
	case EventBetAccepted:
		return "bet_accepted"
	case EventBetRejected:
		return "bet_rejected"
	default:
		return "unknown"
	}
}

// PlayerScoped reports whether the event body carries a 32-byte player key.
func (k EventKind) PlayerScoped() bool {
	switch k {
	case EventGameStarted, EventGameMove, EventGameResult, EventBalance,
		EventPlayerSettled, EventBetAccepted, EventBetRejected:
		return true
	}
	return false
}

// Event is one decoded casino event. Kind selects which fields are set.
type Event struct {
	Kind       EventKind
	Player     []byte // 32-byte public key on player-scoped events
	GameID     uint64 // backend-assigned game session id
	Game       uint8
	Round      uint64
	Bet        uint64
	Balance    uint64
	MoveNumber uint32
	Payout     int64
	FinalChips uint64
	Won        bool
	Delta      int64
	Amount     uint64
	Reason     uint8
	Detail     string
	ClosesAt   uint64
	Outcome    []byte
}

// PlayerHex is the hex form of the player key, empty on round events.
func (e Event) PlayerHex() string {
	if len(e.Player) == 0 {
		return ""
	}
	return hex.EncodeToString(e.Player)
}

// ExtractEvents decodes every parseable event from a single update message.
// Seed updates and unknown update tags yield nil. A malformed op abandons the
// remainder of the update; everything decoded before it is returned.
func ExtractEvents(buf []byte) []Event {
	r := &reader{buf: buf}
	tag, ok := r.u8()
	if !ok {
		return nil
	}
	switch tag {
	case UpdateTagSeed:
		return nil
	case UpdateTagEvents:
	case UpdateTagFiltered:
		if _, ok := r.u8(); !ok { // filter kind
			return nil
		}
		if _, ok := r.take(32); !ok { // filter key
			return nil
		}
	default:
		return nil
	}

	if !skipStreamHeader(r) {
		return nil
	}
	n, ok := r.varint()
	if !ok {
		return nil
	}
	// Every op occupies at least context+tag.
	if n > uint64(r.remaining())/2 {
		return nil
	}

	events := make([]Event, 0, n)
	for i := uint64(0); i < n; i++ {
		ev, ok := decodeOp(r)
		if !ok {
			break
		}
		events = append(events, ev)
	}
	return events
}

// skipStreamHeader consumes Progress ‖ Certificate ‖ Proof.
func skipStreamHeader(r *reader) bool {
	if _, ok := r.u64(); !ok { // progress view
		return false
	}
	if _, ok := r.take(32); !ok { // progress digest
		return false
	}
	if _, ok := r.vec(); !ok { // certificate
		return false
	}
	if _, ok := r.vec(); !ok { // proof
		return false
	}
	return true
}

func decodeOp(r *reader) (Event, bool) {
	if _, ok := r.u8(); !ok { // context
		return Event{}, false
	}
	tag, ok := r.u8()
	if !ok {
		return Event{}, false
	}

	ev := Event{Kind: EventKind(tag)}
	if ev.Kind.PlayerScoped() {
		if ev.Player, ok = r.take(32); !ok {
			return Event{}, false
		}
	}

	switch ev.Kind {
	case EventGameStarted:
		if ev.GameID, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.Game, ok = r.u8(); !ok {
			return Event{}, false
		}
		if ev.Bet, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.Balance, ok = r.u64(); !ok {
			return Event{}, false
		}

	case EventGameMove:
		if ev.GameID, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.MoveNumber, ok = r.u32(); !ok {
			return Event{}, false
		}
		if ev.Balance, ok = r.u64(); !ok {
			return Event{}, false
		}

	case EventGameResult:
		if ev.GameID, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.Payout, ok = r.i64(); !ok {
			return Event{}, false
		}
		if ev.FinalChips, ok = r.u64(); !ok {
			return Event{}, false
		}
		var won byte
		if won, ok = r.u8(); !ok {
			return Event{}, false
		}
		ev.Won = won != 0

	case EventBalance:
		if ev.Balance, ok = r.u64(); !ok {
			return Event{}, false
		}

	case EventRoundOpened:
		if ev.Game, ok = r.u8(); !ok {
			return Event{}, false
		}
		if ev.Round, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.ClosesAt, ok = r.u64(); !ok {
			return Event{}, false
		}

	case EventRoundLocked, EventRoundFinalized:
		if ev.Game, ok = r.u8(); !ok {
			return Event{}, false
		}
		if ev.Round, ok = r.u64(); !ok {
			return Event{}, false
		}

	case EventRoundOutcome:
		if ev.Game, ok = r.u8(); !ok {
			return Event{}, false
		}
		if ev.Round, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.Outcome, ok = r.vec(); !ok {
			return Event{}, false
		}

	case EventPlayerSettled:
		if ev.Game, ok = r.u8(); !ok {
			return Event{}, false
		}
		if ev.Round, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.Delta, ok = r.i64(); !ok {
			return Event{}, false
		}
		if ev.Balance, ok = r.u64(); !ok {
			return Event{}, false
		}

	case EventBetAccepted:
		if ev.Game, ok = r.u8(); !ok {
			return Event{}, false
		}
		if ev.Round, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.Amount, ok = r.u64(); !ok {
			return Event{}, false
		}

	case EventBetRejected:
		if ev.Game, ok = r.u8(); !ok {
			return Event{}, false
		}
		if ev.Round, ok = r.u64(); !ok {
			return Event{}, false
		}
		if ev.Reason, ok = r.u8(); !ok {
			return Event{}, false
		}
		if ev.Detail, ok = r.stringU32(); !ok {
			return Event{}, false
		}

	default:
		return Event{}, false
	}
	return ev, true
}
