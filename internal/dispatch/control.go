package dispatch

import (
	"context"
	"encoding/base64"
	"sort"

	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/broadcast"
	"github.com/nullspace-games/casino-gateway/internal/codec"
	"github.com/nullspace-games/casino-gateway/internal/forwarder"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
	"github.com/nullspace-games/casino-gateway/internal/session"
)

func (d *Dispatcher) handleGetBalance(ctx context.Context, c Conn, sess *session.Session) error {
	var note string
	if err := d.refresher.Refresh(ctx, sess); err != nil {
		d.log.Warn("balance refresh failed",
			zap.String("session", sess.ID),
			zap.Error(err),
		)
		note = "backend unreachable, balance may be stale"
	}
	balance, registered, hasBalance := sess.Status()
	return d.reply(c, balanceMsg{
		Type:       "balance",
		Balance:    balance.String(),
		Registered: registered,
		HasBalance: hasBalance,
		Message:    note,
	})
}

func (d *Dispatcher) handleFaucet(ctx context.Context, c Conn, sess *session.Session, idemKey string, raw []byte) error {
	var p faucetPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	amount := d.cfg.FaucetDefault
	if p.Amount != nil {
		v, reason := parseChips(p.Amount)
		if reason != "" {
			return gwerrors.New(gwerrors.CodeInvalidMessage, "claim "+reason)
		}
		if v == 0 {
			return gwerrors.New(gwerrors.CodeInvalidMessage, "claim amount must be positive")
		}
		amount = v
	}

	res, err := d.submitSigned(ctx, sess, codec.EncodeFaucet(amount), raw, idemKey)
	if err != nil {
		return err
	}
	if res.Deduplicated {
		return d.reply(c, submitResultMsg{Type: "submit_result", Accepted: res.Accepted, Deduplicated: true})
	}

	if ev, ok := d.awaitPlayerEvent(ctx, sess, codec.EventBalance); ok {
		return d.pushEnvelope(c, ev, sess)
	}
	balance, registered, hasBalance := sess.Status()
	return d.reply(c, balanceMsg{
		Type:       "balance",
		Balance:    balance.String(),
		Registered: registered,
		HasBalance: hasBalance,
		Message:    "claim submitted, confirmation pending",
	})
}

// handleSubmitRaw forwards a client-signed submission untouched. The session
// key plays no part: nonces and signatures inside the blob belong to whoever
// built it.
func (d *Dispatcher) handleSubmitRaw(ctx context.Context, c Conn, sess *session.Session, idemKey string, raw []byte) error {
	var p submitRawPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if p.Submission == "" {
		return gwerrors.New(gwerrors.CodeInvalidMessage, "submission is required")
	}
	blob, err := base64.StdEncoding.DecodeString(p.Submission)
	if err != nil {
		return gwerrors.Wrap(gwerrors.CodeInvalidMessage, "submission is not valid base64", err)
	}
	if len(blob) == 0 || len(blob) > d.cfg.MaxFrameBytes {
		return gwerrors.New(gwerrors.CodeInvalidMessage, "submission size out of range")
	}

	res, err := d.fwd.Forward(ctx, sess.ID, idemKey, raw,
		func() ([]byte, error) { return blob, nil }, forwarder.Options{})
	if err != nil {
		return err
	}
	return d.reply(c, submitResultMsg{
		Type:         "submit_result",
		Accepted:     res.Accepted,
		Deduplicated: res.Deduplicated,
	})
}

// ── Round subscriptions ─────────────────────────────────────────────────────

func (d *Dispatcher) handleSubscribe(ctx context.Context, c Conn, raw []byte) error {
	var p subscribePayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	topic, err := broadcast.GameTopic(p.GameID)
	if err != nil {
		return err
	}
	d.router.Subscribe(c, topic)
	game, _ := broadcast.TopicGame(topic)
	if err := d.reply(c, subscribedMsg{Type: "subscribed", Game: game.String()}); err != nil {
		return err
	}
	d.sendRoundState(ctx, c, game.String())
	return nil
}

// sendRoundState pushes the current round snapshot for a table so a fresh
// subscriber does not wait for the next transition to learn the phase.
// Best-effort: tables without an open round simply produce nothing.
func (d *Dispatcher) sendRoundState(ctx context.Context, c Conn, game string) {
	if d.backend == nil {
		return
	}
	buf, err := d.backend.RoundSnapshot(ctx, game)
	if err != nil {
		d.log.Debug("round snapshot unavailable",
			zap.String("game", game),
			zap.Error(err),
		)
		return
	}
	rd := codec.DecodeRoundLookup(buf)
	if rd == nil {
		return
	}
	d.reply(c, roundStateMsg{ //nolint:errcheck
		Type:    "round_state",
		Game:    game,
		Round:   rd.Round,
		Phase:   phaseName(rd.Phase),
		Outcome: rd.Outcome,
	})
}

func phaseName(p uint8) string {
	switch p {
	case codec.RoundPhaseOpen:
		return "open"
	case codec.RoundPhaseLocked:
		return "locked"
	case codec.RoundPhaseSettled:
		return "settled"
	case codec.RoundPhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

func (d *Dispatcher) handleUnsubscribe(c Conn, raw []byte) error {
	var p subscribePayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	topic, err := broadcast.GameTopic(p.GameID)
	if err != nil {
		return err
	}
	d.router.UnsubscribeFromTopic(c.ID(), topic)
	game, _ := broadcast.TopicGame(topic)
	return d.reply(c, unsubscribedMsg{Type: "unsubscribed", Game: game.String()})
}

func (d *Dispatcher) handleListSubscriptions(c Conn) error {
	topics := d.router.Subscriptions(c.ID())
	if topics == nil {
		topics = []string{}
	}
	sort.Strings(topics)
	return d.reply(c, subscriptionsMsg{Type: "subscriptions", Topics: topics})
}
