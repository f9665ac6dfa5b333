package transport

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/protocol"
)

// pingMessage namespaces the ticks so that unsolicited pongs are not read as
// RTT samples.
type pingMessage struct {
	TeleviewTS *int64 `json:"TeleviewTS"`
}

// SendTicks sends the time elapsed since start as a ping message.
func SendTicks(conn *websocket.Conn, start time.Time, deadline time.Time) error {
	var ticks int64 = time.Since(start).Nanoseconds()
	data, err := json.Marshal(pingMessage{TeleviewTS: &ticks})
	if err == nil {
		err = conn.WriteControl(websocket.PingMessage, data, deadline)
	}
	return err
}

// ParseTicks returns the round trip time of a pong echoing a ping sent by
// SendTicks.
func ParseTicks(s string, start time.Time) (d time.Duration, err error) {
	elapsed := time.Since(start).Nanoseconds()
	var msg pingMessage
	err = json.Unmarshal([]byte(s), &msg)
	if err != nil {
		return
	}
	if msg.TeleviewTS == nil {
		err = errors.New("missing TeleviewTS")
		return
	}
	prev := *msg.TeleviewTS
	if prev > elapsed {
		err = errors.New("RTT is negative")
		return
	}
	d = time.Duration(elapsed - prev)
	return
}

// StartClosing will start closing the websocket connection.
func StartClosing(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(
		websocket.CloseNormalClosure, "Done")
	d := time.Now().Add(protocol.DefaultCloseDeadline) // Liveness!
	err := conn.WriteControl(websocket.CloseMessage, msg, d)
	if err != nil {
		logging.Logger.WithError(err).Warn("transport: conn.WriteControl failed")
		return
	}
	logging.Logger.Debug("transport: sending Close message")
}
