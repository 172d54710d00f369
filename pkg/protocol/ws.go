package protocol

import (
	log "log/slog"
	"time"

	ws "github.com/gorilla/websocket"
)

// WebSocket is the caller side of a relay connection.
type WebSocket struct {
	conn    *ws.Conn
	url     string
	timeout time.Duration
}

func NewWebSocket(url string, timeout time.Duration) (*WebSocket, error) {
	log.Debug("dial relay", "url", url)

	dialer := *ws.DefaultDialer
	if timeout > 0 {
		dialer.HandshakeTimeout = timeout
	}

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		log.Error("Failed to dial url", "url", url, "err", err)
		return nil, err
	}

	return &WebSocket{
		conn:    conn,
		url:     url,
		timeout: timeout,
	}, nil
}

func (web *WebSocket) Send(event string) error {
	payload, err := Encode(Control{Event: event})
	if err != nil {
		return err
	}
	log.Debug("Write ws", "msg", string(payload))
	return web.conn.WriteMessage(ws.TextMessage, payload)
}

func (web *WebSocket) SendAudio(chunk []byte) error {
	return web.conn.WriteMessage(ws.BinaryMessage, chunk)
}

func (web *WebSocket) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = web.conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), deadline)
	return web.conn.Close()
}

type IncomeKind uint

const (
	CONN_CLOSE IncomeKind = iota
	READ_FAILURE
	READ_OK
)

type Income struct {
	Kind  IncomeKind
	Event Event
	Err   error
}

func (web *WebSocket) Read() Income {
	if web.timeout > 0 {
		_ = web.conn.SetReadDeadline(time.Now().Add(web.timeout))
	}

	_, msg, err := web.conn.ReadMessage()
	if err != nil {
		if WsIsClosed(err) {
			return Income{Kind: CONN_CLOSE, Err: err}
		}
		return Income{Kind: READ_FAILURE, Err: err}
	}

	ev, err := Decode(msg)
	if err != nil {
		return Income{Kind: READ_FAILURE, Err: err}
	}

	log.Debug("Read ws", "event", ev.String())
	return Income{Kind: READ_OK, Event: ev}
}

func WsIsClosed(err error) bool {
	return ws.IsCloseError(err,
		ws.CloseNormalClosure,
		ws.CloseGoingAway,
		ws.CloseAbnormalClosure)
}
