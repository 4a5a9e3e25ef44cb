package codec

import (
	"crypto/ed25519"
	"encoding/binary"
)

// DefaultNamespace domain-separates transaction signatures from other chains
// and applications sharing the key format.
const DefaultNamespace = "_NULLSPACE_TX"

// Submission envelope tags.
const SubmissionTagTransactions = 0x01

// Instruction tags.
const (
	InstrRegister  = 0x01
	InstrFaucet    = 0x0A
	InstrGameStart = 0x10
	InstrGameMove  = 0x11
)

// Game move codes carried by InstrGameMove.
const (
	MoveHit     = 1
	MoveStand   = 2
	MoveDouble  = 3
	MoveSplit   = 4
	MoveHigher  = 5
	MoveLower   = 6
	MoveCashout = 7
)

const betWireSize = 10 // kind:u8 + target:u8 + amount:u64

// Bet is a single wager inside a game-start instruction.
type Bet struct {
	Kind   uint8
	Target uint8
	Amount uint64
}

// EncodeRegister builds the account-registration instruction. The account key
// is carried by the transaction envelope, so the body is empty.
func EncodeRegister() []byte {
	return []byte{InstrRegister}
}

// EncodeFaucet builds a faucet-claim instruction for the given chip amount.
func EncodeFaucet(amount uint64) []byte {
	out := make([]byte, 0, 9)
	out = append(out, InstrFaucet)
	return binary.BigEndian.AppendUint64(out, amount)
}

// EncodeGameStart builds a game-start instruction. gameID is the optimistic
// client-side id; the backend may assign its own in the started event.
func EncodeGameStart(game uint8, gameID uint64, bets []Bet) []byte {
	out := make([]byte, 0, 1+1+8+1+len(bets)*betWireSize)
	out = append(out, InstrGameStart, game)
	out = binary.BigEndian.AppendUint64(out, gameID)
	out = AppendVarint(out, uint64(len(bets)))
	for _, b := range bets {
		out = append(out, b.Kind, b.Target)
		out = binary.BigEndian.AppendUint64(out, b.Amount)
	}
	return out
}

// EncodeGameMove builds a mid-game move instruction.
func EncodeGameMove(game uint8, gameID uint64, move uint8) []byte {
	out := make([]byte, 0, 11)
	out = append(out, InstrGameMove, game)
	out = binary.BigEndian.AppendUint64(out, gameID)
	return append(out, move)
}

// SigningPayload is the byte string actually signed for a transaction:
// varint(len(ns)) ‖ ns ‖ nonce:8 BE ‖ instruction.
func SigningPayload(namespace []byte, nonce uint64, instr []byte) []byte {
	p := AppendVarint(nil, uint64(len(namespace)))
	p = append(p, namespace...)
	p = binary.BigEndian.AppendUint64(p, nonce)
	return append(p, instr...)
}

// BuildTransaction signs instr under namespace and assembles the wire form
// nonce:8 BE ‖ instruction ‖ pubkey:32 ‖ signature:64.
func BuildTransaction(namespace []byte, nonce uint64, instr []byte, priv ed25519.PrivateKey) []byte {
	sig := ed25519.Sign(priv, SigningPayload(namespace, nonce, instr))
	pub := priv.Public().(ed25519.PublicKey)

	out := make([]byte, 0, 8+len(instr)+ed25519.PublicKeySize+ed25519.SignatureSize)
	out = binary.BigEndian.AppendUint64(out, nonce)
	out = append(out, instr...)
	out = append(out, pub...)
	return append(out, sig...)
}

// EncodeSubmission wraps one or more wire transactions in the submission
// envelope: tag ‖ varint(count) ‖ tx_1 … tx_n.
func EncodeSubmission(txs ...[]byte) []byte {
	out := []byte{SubmissionTagTransactions}
	out = AppendVarint(out, uint64(len(txs)))
	for _, tx := range txs {
		out = append(out, tx...)
	}
	return out
}

// instructionLen returns the length of the self-delimiting instruction at the
// front of b, or false if it is structurally invalid.
func instructionLen(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	switch b[0] {
	case InstrRegister:
		return 1, true
	case InstrFaucet:
		if len(b) < 9 {
			return 0, false
		}
		return 9, true
	case InstrGameMove:
		if len(b) < 11 {
			return 0, false
		}
		return 11, true
	case InstrGameStart:
		r := &reader{buf: b, off: 1}
		if _, ok := r.u8(); !ok { // game
			return 0, false
		}
		if _, ok := r.u64(); !ok { // gameID
			return 0, false
		}
		n, ok := r.varint()
		if !ok {
			return 0, false
		}
		need := n * betWireSize
		if need > uint64(r.remaining()) {
			return 0, false
		}
		return r.off + int(need), true
	default:
		return 0, false
	}
}

// VerifyTransaction reports whether tx is a structurally valid transaction
// carrying a correct signature under namespace. Any tampered byte fails.
func VerifyTransaction(namespace, tx []byte) bool {
	const trailer = ed25519.PublicKeySize + ed25519.SignatureSize
	if len(tx) < 8+1+trailer {
		return false
	}
	nonce := binary.BigEndian.Uint64(tx[:8])
	body := tx[8:]

	ilen, ok := instructionLen(body)
	if !ok || len(body) != ilen+trailer {
		return false
	}
	instr := body[:ilen]
	pub := ed25519.PublicKey(body[ilen : ilen+ed25519.PublicKeySize])
	sig := body[ilen+ed25519.PublicKeySize:]
	return ed25519.Verify(pub, SigningPayload(namespace, nonce, instr), sig)
}

// TransactionNonce extracts the nonce from a wire transaction without
// verifying it.
func TransactionNonce(tx []byte) (uint64, bool) {
	if len(tx) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(tx[:8]), true
}
