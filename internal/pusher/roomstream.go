package pusher

import (
	"errors"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/internal/back"
	"github.com/bryanhonof/workadventure/pkg/messages"
)

/*
RoomStream is the client-scoped bidirectional stream to the back owning
the client's room.  Frames from the client are forwarded as-is; frames
from the back are re-emitted to the client unchanged, except the two
snooped ones (roomJoinedMessage, refreshRoomMessage) and the group zone
frames which only update pusher-local room state.
*/
type RoomStream struct {
	client Client
	roomID string
	stream back.Stream
	mux    *SessionMultiplexer
	log    zerolog.Logger

	writeMu sync.Mutex
	closed  bool
}

func newRoomStream(client Client, roomID string, stream back.Stream, mux *SessionMultiplexer) *RoomStream {
	return &RoomStream{
		client: client,
		roomID: roomID,
		stream: stream,
		mux:    mux,
		log: mux.log.With().
			Str("component", "roomstream").
			Str("room", roomID).
			Str("client", client.ID()).Logger(),
	}
}

// Send writes one frame towards the back.
func (rs *RoomStream) Send(e messages.Envelope) error {
	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()

	if rs.closed {
		return errors.New("room stream already closed")
	}
	return rs.stream.Send(e)
}

// Close half-closes the stream towards the back.
func (rs *RoomStream) Close() {
	rs.writeMu.Lock()
	defer rs.writeMu.Unlock()

	if rs.closed {
		return
	}
	rs.closed = true
	if err := rs.stream.CloseSend(); err != nil {
		rs.log.Debug().Err(err).Msg("cannot close room stream")
	}
}

/*
run pumps back frames to the client until the stream ends.  Runs on its
own goroutine, one per client-room pair.
*/
func (rs *RoomStream) run() {
	for {
		e, err := rs.stream.Recv()
		if err != nil {
			rs.mux.roomStreamClosed(rs.client, err)
			return
		}

		switch e.Case {
		case messages.CaseRoomJoined:
			var m messages.RoomJoinedMessage
			if err := e.Decode(&m); err != nil {
				rs.log.Error().Err(err).Msg("dropping malformed roomJoinedMessage")
				continue
			}
			rs.mux.roomJoined(rs.client, rs, m)
			rs.forward(e)

		case messages.CaseRefreshRoom:
			var m messages.RefreshRoomMessage
			if err := e.Decode(&m); err != nil {
				rs.log.Error().Err(err).Msg("dropping malformed refreshRoomMessage")
				continue
			}
			// Stale refresh frames are swallowed.
			if room := rs.mux.roomFor(rs.roomID); room != nil && room.NeedsUpdate(m.VersionNumber) {
				rs.forward(e)
			}

		case messages.CaseGroupZone:
			var m messages.GroupUpdateMessage
			if err := e.Decode(&m); err != nil {
				rs.log.Error().Err(err).Msg("dropping malformed group update")
				continue
			}
			if room := rs.mux.roomFor(rs.roomID); room != nil {
				room.UpdateGroup(m)
			}

		case messages.CaseGroupLeft:
			var m messages.GroupDeleteMessage
			if err := e.Decode(&m); err != nil {
				rs.log.Error().Err(err).Msg("dropping malformed group delete")
				continue
			}
			if room := rs.mux.roomFor(rs.roomID); room != nil {
				room.DeleteGroup(m.GroupID)
			}

		default:
			rs.forward(e)
		}
	}
}

func (rs *RoomStream) forward(e messages.Envelope) {
	if rs.client.Data().Disconnecting {
		return
	}
	if err := rs.client.Send(e); err != nil {
		rs.log.Debug().Err(err).Msg("cannot forward back frame to client")
	}
}

// isStreamEnd reports whether the error is a clean end of stream.
func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF)
}
