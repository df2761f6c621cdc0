package streamablehttp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Token is the routing handle this transport attaches to every Envelope
// it hands to the dispatcher (see dispatcher.ReplyToken). It identifies
// the logical POST stream a response must be written to. The zero Token
// (streamID == uuid.Nil) means "no particular POST": responses and
// notifications tagged with it land on the session's unsolicited GET
// channel instead.
type Token struct {
	streamID uuid.UUID
}

// unsolicitedToken is the Token used for messages with no associated
// POST — delivered via the shared GET stream.
var unsolicitedToken = Token{}

func newStreamToken() Token {
	return Token{streamID: uuid.New()}
}

func (t Token) isUnsolicited() bool { return t.streamID == uuid.Nil }

// formatEventID encodes a logical stream id and the index of a message
// within it as a single SSE event id, of the form "<streamID>_<index>",
// matching the shape peer SDKs use so Last-Event-ID values remain
// cross-compatible.
func formatEventID(sid uuid.UUID, idx int) string {
	return fmt.Sprintf("%s_%d", sid, idx)
}

// parseEventID is the inverse of formatEventID.
func parseEventID(eventID string) (sid uuid.UUID, idx int, ok bool) {
	i := strings.LastIndexByte(eventID, '_')
	if i < 0 {
		return uuid.Nil, 0, false
	}
	sid, err := uuid.Parse(eventID[:i])
	if err != nil {
		return uuid.Nil, 0, false
	}
	idx, err = strconv.Atoi(eventID[i+1:])
	if err != nil || idx < 0 {
		return uuid.Nil, 0, false
	}
	return sid, idx, true
}
