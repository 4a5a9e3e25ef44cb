package codec

// Round lookup replies embed the round value behind a state-read op; both
// constants must match or the reply is not a round.
const (
	roundStateOp  = 0xD2
	roundValueTag = 0x07
)

// Round phases.
const (
	RoundPhaseOpen      = 0
	RoundPhaseLocked    = 1
	RoundPhaseSettled   = 2
	RoundPhaseFinalized = 3
)

// Round is a decoded snapshot of a table round.
type Round struct {
	Game    uint8
	Round   uint64
	Phase   uint8
	Outcome []byte
}

// DecodeRoundLookup parses a single-round lookup reply:
// Progress ‖ Certificate ‖ Proof ‖ location:u64 ‖ stateOp:u8 ‖ digest:32 ‖
// valueTag:u8 ‖ RoundBody. Returns nil on any structural mismatch.
func DecodeRoundLookup(buf []byte) *Round {
	r := &reader{buf: buf}
	if !skipStreamHeader(r) {
		return nil
	}
	if _, ok := r.u64(); !ok { // location
		return nil
	}
	op, ok := r.u8()
	if !ok || op != roundStateOp {
		return nil
	}
	if _, ok := r.take(32); !ok { // state digest
		return nil
	}
	vt, ok := r.u8()
	if !ok || vt != roundValueTag {
		return nil
	}

	var rd Round
	if rd.Game, ok = r.u8(); !ok {
		return nil
	}
	if rd.Round, ok = r.u64(); !ok {
		return nil
	}
	if rd.Phase, ok = r.u8(); !ok {
		return nil
	}
	if rd.Outcome, ok = r.vec(); !ok {
		return nil
	}
	return &rd
}
