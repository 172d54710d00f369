package session

type Role string

const (
	User      Role = "user"
	Assistant Role = "assistant"
)

type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// DefaultHistoryTurns is how many turns a session remembers.
const DefaultHistoryTurns = 6

// History is a sliding window over the most recent turns. It is not safe for
// concurrent use; Session guards it.
type History struct {
	turns []Turn
	limit int
}

func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistoryTurns
	}
	return &History{
		turns: make([]Turn, 0, limit+1),
		limit: limit,
	}
}

// Append adds a turn and drops the oldest ones past the limit.
func (h *History) Append(t Turn) {
	h.turns = append(h.turns, t)
	if over := len(h.turns) - h.limit; over > 0 {
		n := copy(h.turns, h.turns[over:])
		h.turns = h.turns[:n]
	}
}

func (h *History) Turns() []Turn {
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *History) Len() int { return len(h.turns) }

func (h *History) Limit() int { return h.limit }

func (h *History) Clear() {
	h.turns = h.turns[:0]
}
