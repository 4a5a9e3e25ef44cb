package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strconv"

	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/codec"
	"github.com/nullspace-games/casino-gateway/internal/forwarder"
	"github.com/nullspace-games/casino-gateway/internal/games"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
	"github.com/nullspace-games/casino-gateway/internal/nonce"
	"github.com/nullspace-games/casino-gateway/internal/session"
	"github.com/nullspace-games/casino-gateway/internal/updates"
)

func (d *Dispatcher) handleGame(ctx context.Context, c Conn, sess *session.Session, game games.Type, action, idemKey string, raw []byte) error {
	if action == game.StartAction() {
		if game.MultiBet() {
			return d.handleTableDeal(ctx, c, sess, game, idemKey, raw)
		}
		return d.handleDeal(ctx, c, sess, game, idemKey, raw)
	}
	if code, ok := game.MoveCode(action); ok {
		return d.handleMove(ctx, c, sess, game, code, idemKey, raw)
	}
	return gwerrors.Newf(gwerrors.CodeInvalidMessage, "game %s has no action %q", game, action)
}

// handleDeal starts a single-stake game. The game id is minted locally so the
// session is marked in-game before the backend confirms; the confirmation
// event carries the authoritative id, which the session adopts.
func (d *Dispatcher) handleDeal(ctx context.Context, c Conn, sess *session.Session, game games.Type, idemKey string, raw []byte) error {
	if err := readyToDeal(sess); err != nil {
		return err
	}

	var p dealPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	amount, err := betAmount(p.Amount)
	if err != nil {
		return err
	}
	bets := []codec.Bet{{Kind: games.MainBet, Amount: amount}}
	if game == games.Blackjack {
		if side, err := sideStake(p.SideBet21Plus3); err != nil {
			return err
		} else if side > 0 {
			bets = append(bets, codec.Bet{Kind: games.SideBet21Plus3, Amount: side})
		}
		if side, err := sideStake(p.SideBetPerfectPairs); err != nil {
			return err
		} else if side > 0 {
			bets = append(bets, codec.Bet{Kind: games.SideBetPerfectPairs, Amount: side})
		}
	}

	return d.startGame(ctx, c, sess, game, bets, amount, idemKey, raw,
		codec.EventGameStarted)
}

// handleTableDeal starts a round-table game from a multi-bet payload.
func (d *Dispatcher) handleTableDeal(ctx context.Context, c Conn, sess *session.Session, game games.Type, idemKey string, raw []byte) error {
	if err := readyToDeal(sess); err != nil {
		return err
	}

	var p betsPayload
	if err := decodePayload(raw, &p); err != nil {
		return err
	}
	if len(p.Bets) == 0 {
		return gwerrors.New(gwerrors.CodeInvalidBet, "at least one bet is required")
	}

	var total uint64
	resolved := make([]codec.Bet, 0, len(p.Bets))
	for i, b := range p.Bets {
		amount, err := betAmount(b.Amount)
		if err != nil {
			return betIndexed(err, i)
		}
		target, err := parseTarget(b.Target)
		if err != nil {
			return betIndexed(err, i)
		}
		bet, err := game.ResolveBet(b.Type, target, amount)
		if err != nil {
			return betIndexed(err, i)
		}
		resolved = append(resolved, bet)
		total += amount
	}

	// Table rounds can also answer with a bet acknowledgement before the
	// per-player game record appears.
	return d.startGame(ctx, c, sess, game, resolved, total, idemKey, raw,
		codec.EventGameStarted, codec.EventBetAccepted, codec.EventBetRejected)
}

func readyToDeal(sess *session.Session) error {
	if _, registered, _ := sess.Status(); !registered {
		return gwerrors.New(gwerrors.CodeNotRegistered, "account not registered yet")
	}
	if sess.InGame() {
		return gwerrors.New(gwerrors.CodeGameInProgress, "finish the current game first")
	}
	return nil
}

// betIndexed annotates a bet validation error with its position in the bets
// array.
func betIndexed(err error, i int) error {
	ge := gwerrors.As(err)
	dup := *ge
	dup.Details = map[string]any{"index": i}
	return &dup
}

func (d *Dispatcher) startGame(ctx context.Context, c Conn, sess *session.Session, game games.Type, bets []codec.Bet, staked uint64, idemKey string, frame []byte, kinds ...codec.EventKind) error {
	gameID := newGameID()
	if err := sess.StartGame(gameID, game); err != nil {
		return err
	}

	instr := codec.EncodeGameStart(uint8(game), gameID, bets)
	res, err := d.submitSigned(ctx, sess, instr, frame, idemKey)
	if err != nil {
		sess.EndGame()
		return err
	}
	if res.Deduplicated {
		// The first submission with this key owns the game state; this one
		// only started a phantom local record.
		sess.EndGame()
		return d.reply(c, submitResultMsg{Type: "submit_result", Accepted: res.Accepted, Deduplicated: true})
	}

	ev, ok := d.awaitPlayerEvent(ctx, sess, kinds...)
	if !ok {
		d.log.Warn("game start confirmation timed out",
			zap.String("session", sess.ID),
			zap.String("game", game.String()),
			zap.Uint64("game_id", gameID),
		)
		id := gameID
		if adopted, _, active := sess.ActiveGame(); active {
			id = adopted
		}
		return d.reply(c, gameStartedMsg{
			Type:      "game_started",
			SessionID: strconv.FormatUint(id, 10),
			Bet:       strconv.FormatUint(staked, 10),
			Balance:   sess.BalanceString(),
			Pending:   true,
		})
	}
	if ev.Kind == codec.EventBetRejected {
		sess.EndGame()
	}
	return d.pushEnvelope(c, ev, sess)
}

func (d *Dispatcher) handleMove(ctx context.Context, c Conn, sess *session.Session, game games.Type, move uint8, idemKey string, raw []byte) error {
	gameID, active, ok := sess.ActiveGame()
	if !ok {
		return gwerrors.New(gwerrors.CodeNoActiveGame, "no game in progress")
	}
	if active != game {
		return gwerrors.Newf(gwerrors.CodeInvalidGameType,
			"active game is %s, not %s", active, game)
	}

	instr := codec.EncodeGameMove(uint8(game), gameID, move)
	res, err := d.submitSigned(ctx, sess, instr, raw, idemKey)
	if err != nil {
		return err
	}
	if res.Deduplicated {
		return d.reply(c, submitResultMsg{Type: "submit_result", Accepted: res.Accepted, Deduplicated: true})
	}

	// A move either advances the game or concludes it.
	ev, ok := d.awaitPlayerEvent(ctx, sess, codec.EventGameMove, codec.EventGameResult)
	if !ok {
		d.log.Warn("move confirmation timed out",
			zap.String("session", sess.ID),
			zap.Uint64("game_id", gameID),
		)
		return d.reply(c, gameMoveMsg{
			Type:      "game_move",
			SessionID: strconv.FormatUint(gameID, 10),
			Balance:   sess.BalanceString(),
			Pending:   true,
		})
	}
	return d.pushEnvelope(c, ev, sess)
}

// ── Submission pipeline ─────────────────────────────────────────────────────

// submitSigned signs instr under the session's key and forwards it, holding
// the key's nonce lock across sign and submit so concurrent submissions for
// one key cannot interleave. The client's frame is the dedup fingerprint;
// signing runs inside the forwarder's build step so a replayed frame never
// consumes a nonce. A rejection that names a nonce mismatch clears local
// nonce state and schedules a resync before surfacing NONCE_MISMATCH.
func (d *Dispatcher) submitSigned(ctx context.Context, sess *session.Session, instr, frame []byte, idemKey string) (forwarder.Result, error) {
	pub := sess.PublicKeyHex
	if d.nonces.NeedsSync(pub) {
		if err := d.refresher.Refresh(ctx, sess); err != nil {
			d.log.Warn("nonce resync before submit failed",
				zap.String("session", sess.ID),
				zap.Error(err),
			)
		}
	}

	var res forwarder.Result
	err := d.nonces.WithLock(pub, func(h *nonce.Handle) error {
		var n uint64
		signed := false
		r, ferr := d.fwd.Forward(ctx, sess.ID, idemKey, frame, func() ([]byte, error) {
			n = h.Use()
			signed = true
			return codec.EncodeSubmission(sess.SignTransaction(d.namespace, n, instr)), nil
		}, forwarder.Options{})
		if ferr != nil {
			return ferr
		}
		if signed {
			h.Confirm(n)
		}
		res = r
		return nil
	})
	if err != nil {
		ge := gwerrors.As(err)
		if d.nonces.NoteRejection(pub, ge.Message) {
			go func() {
				if rerr := d.refresher.Refresh(context.Background(), sess); rerr != nil {
					d.log.Debug("post-rejection refresh failed",
						zap.String("session", sess.ID),
						zap.Error(rerr),
					)
				}
			}()
			if ge.Code != gwerrors.CodeNonceMismatch {
				return res, gwerrors.Wrap(gwerrors.CodeNonceMismatch, ge.Message, err)
			}
		}
		return res, err
	}
	return res, nil
}

// awaitPlayerEvent blocks until the updates stream delivers one of the wanted
// event kinds for this session's key, the event timeout elapses, or the
// session goes away.
func (d *Dispatcher) awaitPlayerEvent(ctx context.Context, sess *session.Session, kinds ...codec.EventKind) (codec.Event, bool) {
	wctx, cancel := context.WithTimeout(ctx, d.cfg.EventTimeout)
	defer cancel()
	ev, err := d.waiters.Wait(wctx, sess.PublicKeyHex, kinds...)
	if err != nil {
		return codec.Event{}, false
	}
	return ev, true
}

func (d *Dispatcher) pushEnvelope(c Conn, ev codec.Event, sess *session.Session) error {
	msg := updates.PlayerEnvelope(ev, sess)
	if msg == nil {
		return gwerrors.Newf(gwerrors.CodeInternalError, "no envelope for event kind %s", ev.Kind)
	}
	if err := c.Enqueue(msg); err != nil {
		d.log.Debug("reply dropped", zap.String("socket", c.ID()), zap.Error(err))
	}
	return nil
}

// newGameID mints a non-zero random game id. Zero is reserved as the "not
// yet assigned" sentinel.
func newGameID() uint64 {
	var buf [8]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			panic(err)
		}
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id
		}
	}
}
