package pump

import (
	"context"
	"errors"

	"github.com/coder/websocket"
	"github.com/cryguy/streamhost/internal/channel"
	"github.com/cryguy/streamhost/internal/core"
	"go.uber.org/zap"
)

// maxMessageBytes caps a single inbound message.
const maxMessageBytes = 1 << 20

// FromWebSocket writes every message read from conn into ch. A normal or
// going-away close from the peer closes ch; any other failure errors it.
func FromWebSocket(ctx context.Context, conn *websocket.Conn, ch *channel.Channel) error {
	conn.SetReadLimit(maxMessageBytes)
	log := core.Logger().With(zap.String("channel", ch.Name()))
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				ch.Close()
				return nil
			}
			log.Debug("websocket read failed", zap.Error(err))
			ch.Error(err)
			return err
		}
		if len(data) == 0 {
			continue
		}
		if werr := ch.WriteAsync(ctx, data); werr != nil {
			if errors.Is(werr, core.ErrClosed) {
				_ = conn.Close(websocket.StatusGoingAway, "stream cancelled")
			}
			return stopped(ctx, ch, werr)
		}
	}
}

// ToWebSocket sends every chunk from rd as one message of type typ. When the
// channel closes the connection is closed normally; when it errors the
// connection closes with an internal error status. rd is released on return.
func ToWebSocket(ctx context.Context, rd *channel.Reader, conn *websocket.Conn, typ websocket.MessageType) error {
	defer rd.Release()
	for {
		chunk, err := rd.Read(ctx)
		if errors.Is(err, core.ErrClosed) {
			return conn.Close(websocket.StatusNormalClosure, "")
		}
		if err != nil {
			_ = conn.Close(websocket.StatusInternalError, "stream errored")
			return err
		}
		if err := conn.Write(ctx, typ, chunk); err != nil {
			rd.Cancel(err)
			return err
		}
	}
}
