package broadcast

import (
	"encoding/json"
	"strconv"

	"github.com/nullspace-games/casino-gateway/internal/games"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

const gameTopicPrefix = "game:"

// GameTopic canonicalizes a client-supplied game identifier into its topic.
// Clients may send the numeric wire id (0-9) or the game name; anything else
// fails validation.
func GameTopic(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if t, ok := games.TypeFromName(x); ok {
			return gameTopicPrefix + t.String(), nil
		}
		if n, err := strconv.ParseUint(x, 10, 8); err == nil {
			return topicForID(n)
		}
	case json.Number:
		if n, err := strconv.ParseUint(x.String(), 10, 8); err == nil {
			return topicForID(n)
		}
	case float64:
		if x == float64(uint64(x)) && x >= 0 {
			return topicForID(uint64(x))
		}
	}
	return "", gwerrors.Newf(gwerrors.CodeInvalidGameType, "unknown game id %v", v)
}

func topicForID(n uint64) (string, error) {
	t := games.Type(n)
	if n > 255 || !t.Valid() {
		return "", gwerrors.Newf(gwerrors.CodeInvalidGameType, "unknown game id %d", n)
	}
	return gameTopicPrefix + t.String(), nil
}

// TopicGame resolves a game topic back to its type.
func TopicGame(topic string) (games.Type, bool) {
	if len(topic) <= len(gameTopicPrefix) || topic[:len(gameTopicPrefix)] != gameTopicPrefix {
		return 0, false
	}
	return games.TypeFromName(topic[len(gameTopicPrefix):])
}
