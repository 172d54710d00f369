package relay

import (
	log "log/slog"
	"strings"
	"unicode/utf8"

	"voxrelay/internal/session"
	"voxrelay/pkg/protocol"
	"voxrelay/pkg/stt"
)

// MinTranscriptRunes is the shortest final transcript that reaches the
// pipeline; anything at or below it is treated as noise.
const MinTranscriptRunes = 2

// bridge drains one recognition stream. It only ever releases its own
// handle, so a stream replaced by a newer start_recording is left to the
// session.
func (c *client) bridge(h *session.Handle) {
	defer c.sess.ReleaseRecognition(h)

	for ev := range h.Stream.Events() {
		switch ev.Kind {
		case stt.Partial:
			log.Debug("Interim", "session", c.sess.ID, "text", ev.Text)

		case stt.Final:
			text := strings.TrimSpace(ev.Text)
			if utf8.RuneCountInString(text) <= MinTranscriptRunes {
				log.Debug("Ignored short transcript", "session", c.sess.ID, "text", text)
				continue
			}
			log.Info("Transcript", "session", c.sess.ID, "text", text)
			c.srv.pipe.Submit(c.sess, text)

		case stt.Failed:
			log.Error("Recognition failed", "session", c.sess.ID, "handle", h.ID, "err", ev.Err)
			c.srv.metrics.Stream("failed")
			msg := "error de reconocimiento"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			_ = c.sess.Send(protocol.Error(protocol.CodeSTT, msg))
			return

		case stt.Ended:
			log.Debug("Recognition ended", "session", c.sess.ID, "handle", h.ID)
			c.srv.metrics.Stream("ended")
			return
		}
	}
}
