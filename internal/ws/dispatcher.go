package ws

import (
	"github.com/sirupsen/logrus"

	"github.com/whisper/pairchat/internal/protocol"
)

// CodeUnsupportedType is sent for a valid message type with no handler.
const CodeUnsupportedType = "unsupported_type"

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes parsed frames to handlers by message type. Ping
// is answered internally; malformed or invalid frames get an error event
// and the connection stays open.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		code := protocol.ErrorCode(err)
		log.WithFields(logrus.Fields{"client": conn.ID, "type": msgType, "code": code}).WithError(err).Debug("rejected frame")
		message := "invalid message format"
		if code == protocol.CodeInvalidPayload {
			message = "invalid " + msgType + " payload"
		}
		d.send(conn, protocol.NewError(code, message))
		return
	}

	if msgType == protocol.TypePing {
		d.send(conn, protocol.Event{Type: protocol.TypePong, Payload: protocol.PongMsg{}})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.WithFields(logrus.Fields{"client": conn.ID, "type": msgType}).Warn("unsupported message type")
		d.send(conn, protocol.NewError(CodeUnsupportedType, "unsupported message type"))
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) send(conn *Connection, ev protocol.Event) {
	data, err := ev.Encode()
	if err != nil {
		log.WithError(err).WithField("type", ev.Type).Error("encode failed")
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.WithError(err).WithField("client", conn.ID).Debug("write failed")
	}
}
