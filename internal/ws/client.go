package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/internal/pusher"
	"github.com/bryanhonof/workadventure/pkg/messages"
)

// Connection parameters.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period.  Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 65536
)

/*
client manages one WebSocket connection lifecycle and feeds decoded
frames into the multiplexer.

The send channel exists because frames must be written sequentially: the
Gorilla WebSocket library allows only one concurrent writer per
connection.
*/
type client struct {
	id    string
	conn  *websocket.Conn
	mux   *pusher.SessionMultiplexer
	data  *pusher.SocketData
	admin bool
	log   zerolog.Logger

	// ctx is cancelled when the connection goes away, releasing every
	// in-flight back or admin call made on behalf of this client.
	ctx    context.Context
	cancel context.CancelFunc

	send     chan messages.Envelope
	closeMu  sync.Mutex
	closed   bool
	teardown sync.Once
}

func newClient(id string, conn *websocket.Conn, mux *pusher.SessionMultiplexer, data *pusher.SocketData, admin bool, log zerolog.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &client{
		id:     id,
		conn:   conn,
		mux:    mux,
		data:   data,
		admin:  admin,
		log:    log.With().Str("client", id).Logger(),
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan messages.Envelope, 192),
	}

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	return c
}

// ID implements pusher.Client.
func (c *client) ID() string { return c.id }

// Data implements pusher.Client.
func (c *client) Data() *pusher.SocketData { return c.data }

/*
Send implements pusher.Client.  Frames are queued for the write pump; a
full queue means the client cannot keep up and the frame is dropped with
an error.
*/
func (c *client) Send(e messages.Envelope) error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return errors.New("connection closed")
	}
	c.closeMu.Unlock()

	select {
	case c.send <- e:
		return nil
	default:
		return errors.New("client send queue full")
	}
}

// Close implements pusher.Client.  The close frame goes out as a control
// message, which Gorilla allows concurrently with the write pump.
func (c *client) Close(code int, reason string) {
	c.closeMu.Lock()
	if !c.closed {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
	}
	c.closeMu.Unlock()

	c.conn.Close()
}

/*
read reads and dispatches frames sequentially until the connection is
interrupted, then runs the session teardown.
*/
func (c *client) read() {
	defer c.cleanup()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var e messages.Envelope
		if err := json.Unmarshal(raw, &e); err != nil {
			c.log.Warn().Err(err).Msg("closing client sending malformed frames")
			return
		}
		c.dispatch(e)
	}
}

/*
write drains the send channel into the connection sequentially and keeps
the heartbeat going.
*/
func (c *client) write() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		c.cleanup()
	}()

	for {
		select {
		case e, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.writeFrame(e); err != nil {
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

/*
writeFrame writes one frame.  Admin sockets speak the plain {type,data}
text protocol, so the envelope wrapper is stripped before writing.
*/
func (c *client) writeFrame(e messages.Envelope) error {
	if c.admin && e.Case == messages.CaseAdminEnvelope {
		return c.conn.WriteMessage(websocket.TextMessage, e.Payload)
	}
	return c.conn.WriteJSON(e)
}

func (c *client) cleanup() {
	c.teardown.Do(func() {
		c.closeMu.Lock()
		c.closed = true
		c.closeMu.Unlock()

		c.cancel()
		c.conn.Close()
		c.mux.Disconnect(c)
	})
}

// reportError sends an errorMessage frame; dispatch failures all end up
// here rather than crashing the connection.
func (c *client) reportError(err error) {
	c.log.Warn().Err(err).Msg("client operation failed")
	if c.data.Disconnecting {
		return
	}
	frame := messages.MustWrap(messages.CaseError, messages.ErrorMessage{Message: err.Error()})
	if sendErr := c.Send(frame); sendErr != nil {
		c.log.Debug().Err(sendErr).Msg("cannot deliver error frame")
	}
}

/*
dispatch routes one decoded frame to the multiplexer.  Tags without a
dedicated handler are client actions forwarded verbatim on the room
stream.
*/
func (c *client) dispatch(e messages.Envelope) {
	switch e.Case {
	case messages.CaseViewport:
		var vp messages.Viewport
		if err := e.Decode(&vp); err != nil {
			c.reportError(err)
			return
		}
		c.mux.HandleViewport(c, vp)

	case messages.CaseUserMoves:
		var m messages.UserMovesMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleUserMoves(c, m); err != nil {
			c.reportError(err)
		}

	case messages.CaseSetPlayerDetails:
		var m messages.SetPlayerDetailsMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleSetPlayerDetails(c.ctx, c, m); err != nil {
			c.reportError(err)
		}

	case messages.CaseJoinSpace:
		var m messages.JoinSpaceMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleJoinSpace(c.ctx, c, m.SpaceName, m.LocalName); err != nil {
			c.reportError(err)
		}

	case messages.CaseLeaveSpace:
		var m messages.LeaveSpaceMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleLeaveSpace(c, m.SpaceName); err != nil {
			c.reportError(err)
		}

	case messages.CaseUpdateSpaceMetadata:
		var m messages.UpdateSpaceMetadataMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		var meta map[string]any
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			c.reportError(errors.New("space metadata is not a JSON object"))
			return
		}
		if err := c.mux.HandleUpdateSpaceMetadata(c, m.SpaceName, meta); err != nil {
			c.reportError(err)
		}

	case messages.CaseAddSpaceFilter:
		var m messages.AddSpaceFilterMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleAddSpaceFilter(c, m.Filter); err != nil {
			c.reportError(err)
		}

	case messages.CaseUpdateSpaceFilter:
		var m messages.UpdateSpaceFilterMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleUpdateSpaceFilter(c, m.Filter); err != nil {
			c.reportError(err)
		}

	case messages.CaseRemoveSpaceFilter:
		var m messages.RemoveSpaceFilterMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleRemoveSpaceFilter(c, m.SpaceName, m.FilterName); err != nil {
			c.reportError(err)
		}

	case messages.CaseUpdateSpaceUser:
		var m messages.UpdateSpaceUserMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleUpdateSpaceUser(c, m); err != nil {
			c.reportError(err)
		}

	case messages.CasePublicEvent:
		var m messages.PublicEventMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandlePublicEvent(c, m); err != nil {
			c.reportError(err)
		}

	case messages.CasePrivateEvent:
		var m messages.PrivateEventMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandlePrivateEvent(c, m); err != nil {
			c.reportError(err)
		}

	case messages.CaseKickOffUser:
		var m messages.KickOffMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleKickOffUser(c.ctx, c, m.SpaceName, m.UserID); err != nil {
			c.reportError(err)
		}

	case messages.CaseBanUser:
		var m messages.BanUserMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		c.mux.EmitBan(c.ctx, c, m, c.data.RoomID)

	case messages.CaseSendUserMessage:
		var m messages.SendUserMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.EmitSendUserMessage(c.ctx, c, m, c.data.RoomID); err != nil {
			c.reportError(err)
		}

	case messages.CasePlayGlobal:
		var m messages.PlayGlobalMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.EmitPlayGlobalMessage(c.ctx, c, m); err != nil {
			c.reportError(err)
		}

	case messages.CaseQuery:
		var m messages.QueryMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		c.mux.HandleQuery(c.ctx, c, m)

	case messages.CaseEditMapCommand:
		if err := c.mux.HandleEditMapCommand(c, e); err != nil {
			c.reportError(err)
		}

	case messages.CaseReportPlayer:
		var m messages.ReportPlayerMessage
		if err := e.Decode(&m); err != nil {
			c.reportError(err)
			return
		}
		if err := c.mux.HandleReportPlayer(c.ctx, c, m); err != nil {
			c.reportError(err)
		}

	default:
		if err := c.mux.ForwardMessageToBack(c, e); err != nil {
			c.reportError(err)
		}
	}
}
