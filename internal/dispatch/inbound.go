package dispatch

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

// maxChipAmount is the largest stake the gateway accepts from a client.
// Browser clients lose integer precision past 2^53-1, so anything bigger is
// treated as malformed rather than silently rounded.
const maxChipAmount = uint64(1)<<53 - 1

// envelope is the discriminator read from every inbound frame before the
// type-specific payload is decoded.
type envelope struct {
	Type           string `json:"type"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Payload shapes. Amounts and targets are decoded as `any` so a wrong type in
// one field yields a precise refusal instead of an opaque unmarshal error.
type dealPayload struct {
	Amount              any `json:"amount"`
	SideBet21Plus3      any `json:"sideBet21Plus3"`
	SideBetPerfectPairs any `json:"sideBetPerfectPairs"`
}

type betInput struct {
	Type   string `json:"type"`
	Amount any    `json:"amount"`
	Target any    `json:"target"`
}

type betsPayload struct {
	Bets []betInput `json:"bets"`
}

type faucetPayload struct {
	Amount any `json:"amount"`
}

type submitRawPayload struct {
	Submission string `json:"submission"`
}

type subscribePayload struct {
	GameID any `json:"gameId"`
}

// decodePayload unmarshals a frame into its type-specific shape. Numbers stay
// json.Number so chip amounts are validated against their literal form, never
// a float approximation.
func decodePayload(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return gwerrors.Wrap(gwerrors.CodeInvalidMessage, "malformed payload", err)
	}
	return nil
}

// parseChips validates a client-supplied chip amount. The returned reason is
// empty on success. Integer literals are taken verbatim; anything else must
// be a finite, non-negative whole number within the safe-integer range.
func parseChips(v any) (uint64, string) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, "amount must be a number"
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil {
		if u > maxChipAmount {
			return 0, "amount exceeds the largest safe integer"
		}
		return u, ""
	}
	f, err := n.Float64()
	if err != nil {
		return 0, "amount is not a valid number"
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, "amount must be finite"
	}
	if f < 0 {
		return 0, "amount must not be negative"
	}
	if f != math.Trunc(f) {
		return 0, "amount must be a whole number"
	}
	if f > float64(maxChipAmount) {
		return 0, "amount exceeds the largest safe integer"
	}
	return uint64(f), ""
}

func betAmount(v any) (uint64, error) {
	if v == nil {
		return 0, gwerrors.New(gwerrors.CodeInvalidBet, "bet amount is required")
	}
	u, reason := parseChips(v)
	if reason != "" {
		return 0, gwerrors.New(gwerrors.CodeInvalidBet, "bet "+reason)
	}
	return u, nil
}

// sideStake parses an optional side-bet amount. Absent means no side bet.
func sideStake(v any) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	u, reason := parseChips(v)
	if reason != "" {
		return 0, gwerrors.New(gwerrors.CodeInvalidBet, "side bet "+reason)
	}
	return u, nil
}

func parseTarget(v any) (*int, error) {
	if v == nil {
		return nil, nil
	}
	n, ok := v.(json.Number)
	if !ok {
		return nil, gwerrors.New(gwerrors.CodeInvalidBet, "bet target must be a number")
	}
	i, err := strconv.Atoi(n.String())
	if err != nil {
		return nil, gwerrors.New(gwerrors.CodeInvalidBet, "bet target must be a small integer")
	}
	return &i, nil
}

// ── Outbound envelopes ──────────────────────────────────────────────────────

type errorMsg struct {
	Type       string         `json:"type"`
	Code       gwerrors.Code  `json:"code"`
	Message    string         `json:"message"`
	RetryAfter int            `json:"retryAfter,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

type pongMsg struct {
	Type string `json:"type"`
}

type sessionReadyMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	PublicKey string `json:"publicKey"`
}

type balanceMsg struct {
	Type       string `json:"type"`
	Balance    string `json:"balance"`
	Registered bool   `json:"registered"`
	HasBalance bool   `json:"hasBalance"`
	Message    string `json:"message,omitempty"`
}

type submitResultMsg struct {
	Type         string `json:"type"`
	Accepted     bool   `json:"accepted"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

// gameStartedMsg and gameMoveMsg are the best-effort replies sent when the
// backend accepted a submission but its confirmation event did not arrive in
// time. Pending marks them as unconfirmed; the real event is pushed when it
// lands.
type gameStartedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Bet       string `json:"bet"`
	Balance   string `json:"balance"`
	Pending   bool   `json:"pending,omitempty"`
}

type gameMoveMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Balance   string `json:"balance"`
	Pending   bool   `json:"pending,omitempty"`
}

type subscribedMsg struct {
	Type string `json:"type"`
	Game string `json:"game"`
}

type unsubscribedMsg struct {
	Type string `json:"type"`
	Game string `json:"game"`
}

type subscriptionsMsg struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics"`
}

type roundStateMsg struct {
	Type    string `json:"type"`
	Game    string `json:"game"`
	Round   uint64 `json:"round"`
	Phase   string `json:"phase"`
	Outcome []byte `json:"outcome,omitempty"`
}
