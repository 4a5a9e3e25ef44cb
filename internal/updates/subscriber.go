package updates

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/broadcast"
	"github.com/nullspace-games/casino-gateway/internal/codec"
	"github.com/nullspace-games/casino-gateway/internal/games"
	"github.com/nullspace-games/casino-gateway/internal/session"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
	writeWait    = 10 * time.Second
)

// DirectSender delivers a message straight to one socket, implemented by the
// ws hub. Returns false when the socket is gone.
type DirectSender interface {
	SendTo(socketID string, msg []byte) bool
}

// Config locates the backend stream and bounds the reconnect backoff.
type Config struct {
	URL            string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Stats counts stream activity, for metrics.
type Stats struct {
	UpdatesReceived uint64 `json:"updates_received"`
	EventsDecoded   uint64 `json:"events_decoded"`
	Reconnects      uint64 `json:"reconnects"`
}

// Subscriber consumes the backend event stream. Player-scoped events are
// applied to their session and pushed to its socket unless a submit handler
// is already waiting on them; round events fan out to game topics.
type Subscriber struct {
	cfg      Config
	sessions *session.Manager
	router   *broadcast.Router
	sender   DirectSender
	waiters  *Waiters
	log      *zap.Logger

	updatesReceived atomic.Uint64
	eventsDecoded   atomic.Uint64
	reconnects      atomic.Uint64
}

func NewSubscriber(cfg Config, sessions *session.Manager, router *broadcast.Router, sender DirectSender, waiters *Waiters, log *zap.Logger) *Subscriber {
	return &Subscriber{
		cfg:      cfg,
		sessions: sessions,
		router:   router,
		sender:   sender,
		waiters:  waiters,
		log:      log,
	}
}

// Run dials the stream and reads until the context is canceled, reconnecting
// with exponential backoff on every failure.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := s.cfg.InitialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
		if resp != nil {
			resp.Body.Close() //nolint:errcheck
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("backend stream dial failed",
				zap.String("url", s.cfg.URL),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > s.cfg.MaxBackoff {
				backoff = s.cfg.MaxBackoff
			}
			continue
		}

		s.log.Info("backend stream connected", zap.String("url", s.cfg.URL))
		backoff = s.cfg.InitialBackoff
		s.readLoop(ctx, conn)
		s.reconnects.Add(1)
	}
}

func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close() //nolint:errcheck

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				conn.Close() //nolint:errcheck
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		mt, buf, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.log.Warn("backend stream read failed", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout)) //nolint:errcheck
		if mt != websocket.BinaryMessage {
			continue
		}
		s.handleUpdate(buf)
	}
}

func (s *Subscriber) handleUpdate(buf []byte) {
	s.updatesReceived.Add(1)
	for _, ev := range codec.ExtractEvents(buf) {
		s.eventsDecoded.Add(1)
		if ev.Kind.PlayerScoped() {
			s.deliverPlayer(ev)
		} else {
			s.publishRound(ev)
		}
	}
}

// deliverPlayer routes a player event. A handler already waiting on it owns
// the client reply; otherwise the session's socket gets a push.
func (s *Subscriber) deliverPlayer(ev codec.Event) {
	consumed := s.waiters.Deliver(ev)

	sess, ok := s.sessions.ByPubKey(ev.PlayerHex())
	if !ok {
		return
	}
	applyToSession(sess, ev)
	if consumed {
		return
	}
	if msg := PlayerEnvelope(ev, sess); msg != nil {
		s.sender.SendTo(sess.SocketID, msg)
	}
}

func (s *Subscriber) publishRound(ev codec.Event) {
	game := games.Type(ev.Game)
	if !game.Valid() {
		s.log.Debug("round event for unknown game", zap.Uint8("game", ev.Game))
		return
	}
	env := roundEnvelope(ev, game)
	if env == nil {
		return
	}
	if err := s.router.PublishJSON("game:"+game.String(), env); err != nil {
		s.log.Warn("round event publish failed", zap.Error(err))
	}
}

func (s *Subscriber) Stats() Stats {
	return Stats{
		UpdatesReceived: s.updatesReceived.Load(),
		EventsDecoded:   s.eventsDecoded.Load(),
		Reconnects:      s.reconnects.Load(),
	}
}

// applyToSession folds a player event into cached session state.
func applyToSession(sess *session.Session, ev codec.Event) {
	switch ev.Kind {
	case codec.EventGameStarted:
		sess.AdoptServerGameID(ev.GameID)
		sess.SetBalanceU64(ev.Balance)
	case codec.EventGameMove:
		sess.SetBalanceU64(ev.Balance)
	case codec.EventGameResult:
		sess.SetBalanceU64(ev.FinalChips)
		sess.EndGame()
	case codec.EventBalance, codec.EventPlayerSettled:
		sess.SetBalanceU64(ev.Balance)
	}
}

// PlayerEnvelope renders a player event as its outbound JSON message.
// Chip amounts are decimal strings. Returns nil for kinds without a client
// push form.
func PlayerEnvelope(ev codec.Event, sess *session.Session) []byte {
	var v any
	switch ev.Kind {
	case codec.EventGameStarted:
		v = gameStartedMsg{
			Type:      "game_started",
			SessionID: strconv.FormatUint(ev.GameID, 10),
			Bet:       strconv.FormatUint(ev.Bet, 10),
			Balance:   strconv.FormatUint(ev.Balance, 10),
		}
	case codec.EventGameMove:
		v = gameMoveMsg{
			Type:       "game_move",
			SessionID:  strconv.FormatUint(ev.GameID, 10),
			MoveNumber: ev.MoveNumber,
			Balance:    strconv.FormatUint(ev.Balance, 10),
		}
	case codec.EventGameResult:
		v = gameResultMsg{
			Type:       "game_result",
			SessionID:  strconv.FormatUint(ev.GameID, 10),
			Payout:     strconv.FormatInt(ev.Payout, 10),
			FinalChips: strconv.FormatUint(ev.FinalChips, 10),
			Won:        ev.Won,
		}
	case codec.EventBalance:
		_, registered, hasBalance := sess.Status()
		v = balanceMsg{
			Type:       "balance",
			Balance:    strconv.FormatUint(ev.Balance, 10),
			Registered: registered,
			HasBalance: hasBalance,
		}
	case codec.EventPlayerSettled:
		v = playerSettledMsg{
			Type:    "player_settled",
			Game:    games.Type(ev.Game).String(),
			Round:   ev.Round,
			Delta:   strconv.FormatInt(ev.Delta, 10),
			Balance: strconv.FormatUint(ev.Balance, 10),
		}
	case codec.EventBetAccepted:
		v = betAcceptedMsg{
			Type:   "bet_accepted",
			Game:   games.Type(ev.Game).String(),
			Round:  ev.Round,
			Amount: strconv.FormatUint(ev.Amount, 10),
		}
	case codec.EventBetRejected:
		v = betRejectedMsg{
			Type:   "bet_rejected",
			Game:   games.Type(ev.Game).String(),
			Round:  ev.Round,
			Reason: ev.Reason,
			Detail: ev.Detail,
		}
	default:
		return nil
	}

	msg, _ := json.Marshal(v)
	return msg
}

func roundEnvelope(ev codec.Event, game games.Type) any {
	switch ev.Kind {
	case codec.EventRoundOpened:
		return roundOpenedMsg{
			Type:     "round_opened",
			Game:     game.String(),
			Round:    ev.Round,
			ClosesAt: ev.ClosesAt,
		}
	case codec.EventRoundLocked:
		return roundPhaseMsg{Type: "locked", Game: game.String(), Round: ev.Round}
	case codec.EventRoundOutcome:
		return roundOutcomeMsg{
			Type:    "outcome",
			Game:    game.String(),
			Round:   ev.Round,
			Outcome: ev.Outcome,
		}
	case codec.EventRoundFinalized:
		return roundPhaseMsg{Type: "finalized", Game: game.String(), Round: ev.Round}
	default:
		return nil
	}
}

type gameStartedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Bet       string `json:"bet"`
	Balance   string `json:"balance"`
}

type gameMoveMsg struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	MoveNumber uint32 `json:"moveNumber"`
	Balance    string `json:"balance"`
}

type gameResultMsg struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId"`
	Payout     string `json:"payout"`
	FinalChips string `json:"finalChips"`
	Won        bool   `json:"won"`
}

type balanceMsg struct {
	Type       string `json:"type"`
	Balance    string `json:"balance"`
	Registered bool   `json:"registered"`
	HasBalance bool   `json:"hasBalance"`
}

type playerSettledMsg struct {
	Type    string `json:"type"`
	Game    string `json:"game"`
	Round   uint64 `json:"round"`
	Delta   string `json:"delta"`
	Balance string `json:"balance"`
}

type betAcceptedMsg struct {
	Type   string `json:"type"`
	Game   string `json:"game"`
	Round  uint64 `json:"round"`
	Amount string `json:"amount"`
}

type betRejectedMsg struct {
	Type   string `json:"type"`
	Game   string `json:"game"`
	Round  uint64 `json:"round"`
	Reason uint8  `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

type roundOpenedMsg struct {
	Type     string `json:"type"`
	Game     string `json:"game"`
	Round    uint64 `json:"round"`
	ClosesAt uint64 `json:"closesAt"`
}

type roundPhaseMsg struct {
	Type  string `json:"type"`
	Game  string `json:"game"`
	Round uint64 `json:"round"`
}

type roundOutcomeMsg struct {
	Type    string `json:"type"`
	Game    string `json:"game"`
	Round   uint64 `json:"round"`
	Outcome []byte `json:"outcome"`
}
