package codec

import (
	"bytes"
	"encoding/binary"
	"testing"
)

var testPlayer = bytes.Repeat([]byte{0xAB}, 32)

// appendStreamHeader writes a minimal Progress ‖ Certificate ‖ Proof prefix.
func appendStreamHeader(b []byte) []byte {
	b = binary.BigEndian.AppendUint64(b, 7)  // progress view
	b = append(b, make([]byte, 32)...)       // progress digest
	b = AppendVarint(b, 0)                   // empty certificate
	b = AppendVarint(b, 0)                   // empty proof
	return b
}

func appendOp(b []byte, tag byte, body []byte) []byte {
	b = append(b, 0x00, tag)
	return append(b, body...)
}

func buildEventsUpdate(ops ...[]byte) []byte {
	b := []byte{UpdateTagEvents}
	b = appendStreamHeader(b)
	b = AppendVarint(b, uint64(len(ops)))
	for _, op := range ops {
		b = append(b, op...)
	}
	return b
}

func gameStartedBody(player []byte, gameID uint64, game uint8, bet, balance uint64) []byte {
	b := append([]byte{}, player...)
	b = binary.BigEndian.AppendUint64(b, gameID)
	b = append(b, game)
	b = binary.BigEndian.AppendUint64(b, bet)
	return binary.BigEndian.AppendUint64(b, balance)
}

func gameResultBody(player []byte, gameID uint64, payout int64, finalChips uint64, won byte) []byte {
	b := append([]byte{}, player...)
	b = binary.BigEndian.AppendUint64(b, gameID)
	b = binary.BigEndian.AppendUint64(b, uint64(payout))
	b = binary.BigEndian.AppendUint64(b, finalChips)
	return append(b, won)
}

// ── Decoding ──────────────────────────────────────────────────────────────────

func TestExtractEvents_GameStarted(t *testing.T) {
	op := appendOp(nil, byte(EventGameStarted), gameStartedBody(testPlayer, 99999, 0, 100, 900))
	events := ExtractEvents(buildEventsUpdate(op))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Kind != EventGameStarted {
		t.Errorf("Kind: got %v want game_started", ev.Kind)
	}
	if !bytes.Equal(ev.Player, testPlayer) {
		t.Errorf("Player: got %x", ev.Player)
	}
	if ev.GameID != 99999 {
		t.Errorf("GameID: got %d want 99999", ev.GameID)
	}
	if ev.Bet != 100 {
		t.Errorf("Bet: got %d want 100", ev.Bet)
	}
	if ev.Balance != 900 {
		t.Errorf("Balance: got %d want 900", ev.Balance)
	}
}

func TestExtractEvents_GameResultNegativePayout(t *testing.T) {
	op := appendOp(nil, byte(EventGameResult), gameResultBody(testPlayer, 5, -250, 750, 0))
	events := ExtractEvents(buildEventsUpdate(op))

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Payout != -250 {
		t.Errorf("Payout: got %d want -250", ev.Payout)
	}
	if ev.FinalChips != 750 {
		t.Errorf("FinalChips: got %d want 750", ev.FinalChips)
	}
	if ev.Won {
		t.Error("Won: got true want false")
	}
}

func TestExtractEvents_RoundEvents(t *testing.T) {
	opened := []byte{3} // game
	opened = binary.BigEndian.AppendUint64(opened, 42)
	opened = binary.BigEndian.AppendUint64(opened, 1_700_000_000_000)

	outcome := []byte{3}
	outcome = binary.BigEndian.AppendUint64(outcome, 42)
	outcome = AppendVarint(outcome, 2)
	outcome = append(outcome, 4, 6) // dice

	events := ExtractEvents(buildEventsUpdate(
		appendOp(nil, byte(EventRoundOpened), opened),
		appendOp(nil, byte(EventRoundOutcome), outcome),
	))
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != EventRoundOpened || events[0].Round != 42 {
		t.Errorf("round_opened: got %+v", events[0])
	}
	if events[1].Kind != EventRoundOutcome {
		t.Fatalf("outcome kind: got %v", events[1].Kind)
	}
	if !bytes.Equal(events[1].Outcome, []byte{4, 6}) {
		t.Errorf("outcome bytes: got %v want [4 6]", events[1].Outcome)
	}
}

func TestExtractEvents_BetRejectedDetail(t *testing.T) {
	body := append([]byte{}, testPlayer...)
	body = append(body, 1) // game
	body = binary.BigEndian.AppendUint64(body, 9)
	body = append(body, 2) // reason
	detail := "round locked"
	body = binary.BigEndian.AppendUint32(body, uint32(len(detail)))
	body = append(body, detail...)

	events := ExtractEvents(buildEventsUpdate(appendOp(nil, byte(EventBetRejected), body)))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Detail != detail {
		t.Errorf("Detail: got %q want %q", events[0].Detail, detail)
	}
}

func TestExtractEvents_InvalidUTF8Replaced(t *testing.T) {
	body := append([]byte{}, testPlayer...)
	body = append(body, 1)
	body = binary.BigEndian.AppendUint64(body, 9)
	body = append(body, 2)
	body = binary.BigEndian.AppendUint32(body, 2)
	body = append(body, 0xff, 0xfe) // not UTF-8

	events := ExtractEvents(buildEventsUpdate(appendOp(nil, byte(EventBetRejected), body)))
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Detail == "" {
		t.Error("Detail empty, want replacement runes")
	}
}

func TestExtractEvents_FilteredVariant(t *testing.T) {
	b := []byte{UpdateTagFiltered, 0x01}
	b = append(b, make([]byte, 32)...) // filter key
	b = appendStreamHeader(b)
	b = AppendVarint(b, 1)
	b = append(b, appendOp(nil, byte(EventRoundLocked), append([]byte{2}, make([]byte, 8)...))...)

	events := ExtractEvents(b)
	if len(events) != 1 || events[0].Kind != EventRoundLocked {
		t.Fatalf("filtered update: got %+v", events)
	}
}

// ── Tolerated noise ───────────────────────────────────────────────────────────

func TestExtractEvents_SeedAndUnknownTags(t *testing.T) {
	if got := ExtractEvents([]byte{UpdateTagSeed, 1, 2, 3}); got != nil {
		t.Errorf("seed update: got %d events, want none", len(got))
	}
	if got := ExtractEvents([]byte{0x7E, 1, 2, 3}); got != nil {
		t.Errorf("unknown update tag: got %d events, want none", len(got))
	}
	if got := ExtractEvents(nil); got != nil {
		t.Errorf("empty input: got %d events", len(got))
	}
}

func TestExtractEvents_UnknownOpAbandonsRemainder(t *testing.T) {
	good := appendOp(nil, byte(EventRoundLocked), append([]byte{2}, make([]byte, 8)...))
	unknown := appendOp(nil, 0xEE, []byte{1, 2, 3})
	never := appendOp(nil, byte(EventRoundLocked), append([]byte{2}, make([]byte, 8)...))

	events := ExtractEvents(buildEventsUpdate(good, unknown, never))
	if len(events) != 1 {
		t.Fatalf("expected only the op before the unknown tag, got %d", len(events))
	}
}

func TestExtractEvents_TrailingGarbage(t *testing.T) {
	update := buildEventsUpdate(appendOp(nil, byte(EventRoundFinalized), append([]byte{1}, make([]byte, 8)...)))
	update = append(update, 0xDE, 0xAD, 0xBE, 0xEF)

	events := ExtractEvents(update)
	if len(events) != 1 || events[0].Kind != EventRoundFinalized {
		t.Fatalf("trailing garbage broke decode: %+v", events)
	}
}

// ── Adversarial input ─────────────────────────────────────────────────────────

func TestExtractEvents_VarintAttackOnOpsCount(t *testing.T) {
	b := []byte{UpdateTagEvents}
	b = appendStreamHeader(b)
	b = append(b, bytes.Repeat([]byte{0x80}, 10)...) // unterminated ops count

	if events := ExtractEvents(b); len(events) != 0 {
		t.Fatalf("varint attack yielded %d events, want 0", len(events))
	}
}

func TestExtractEvents_HugeOpsCount(t *testing.T) {
	b := []byte{UpdateTagEvents}
	b = appendStreamHeader(b)
	b = AppendVarint(b, 1<<30) // claims a billion ops, provides none

	if events := ExtractEvents(b); len(events) != 0 {
		t.Fatalf("huge ops count yielded %d events, want 0", len(events))
	}
}

func TestExtractEvents_OversizedVecLength(t *testing.T) {
	outcome := []byte{3}
	outcome = binary.BigEndian.AppendUint64(outcome, 42)
	outcome = AppendVarint(outcome, 1<<20) // vec claims more than remains
	outcome = append(outcome, 1, 2, 3)

	events := ExtractEvents(buildEventsUpdate(appendOp(nil, byte(EventRoundOutcome), outcome)))
	if len(events) != 0 {
		t.Fatalf("oversized vec yielded %d events, want 0", len(events))
	}
}

func TestExtractEvents_TruncationNeverPanics(t *testing.T) {
	full := buildEventsUpdate(
		appendOp(nil, byte(EventGameStarted), gameStartedBody(testPlayer, 1, 0, 50, 950)),
		appendOp(nil, byte(EventGameResult), gameResultBody(testPlayer, 1, 100, 1050, 1)),
	)
	for i := 0; i < len(full); i++ {
		events := ExtractEvents(full[:i])
		if len(events) > 2 {
			t.Fatalf("prefix %d: impossible event count %d", i, len(events))
		}
	}
}
