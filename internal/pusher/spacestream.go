package pusher

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/internal/back"
	"github.com/bryanhonof/workadventure/pkg/messages"
)

/*
SpaceStream is the shared bidirectional stream to one back server,
carrying the traffic of every space placed on that back.  Its lifetime is
the union of those spaces' lifetimes: it is disposed when the last space
with this backID is deleted, when the back ends it or it fails, or when its
ping watchdog expires.
*/
type SpaceStream struct {
	backID int
	stream back.Stream
	mux    *SessionMultiplexer
	log    zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	watchdog *time.Timer
	closed   bool
}

func newSpaceStream(backID int, stream back.Stream, mux *SessionMultiplexer) *SpaceStream {
	ss := &SpaceStream{
		backID: backID,
		stream: stream,
		mux:    mux,
		log: mux.log.With().
			Str("component", "spacestream").
			Int("back", backID).Logger(),
	}
	ss.armWatchdog()
	return ss
}

// Send writes one frame towards the back.  Safe for concurrent use by
// every space sharing the stream.
func (ss *SpaceStream) Send(e messages.Envelope) error {
	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	return ss.stream.Send(e)
}

/*
armWatchdog arms the ping watchdog.  The back must ping at least once per
timeout; expiry ends the stream and evicts every space on this back.
*/
func (ss *SpaceStream) armWatchdog() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.closed {
		return
	}
	if ss.watchdog != nil {
		ss.watchdog.Stop()
	}
	ss.watchdog = time.AfterFunc(ss.mux.cfg.SpacePingTimeout, func() {
		ss.log.Warn().Msg("ping watchdog expired, ending space stream")
		ss.mux.spaceStreamLost(ss)
	})
}

// Close stops the watchdog and half-closes the stream.  Idempotent.
func (ss *SpaceStream) Close() {
	ss.mu.Lock()
	if ss.closed {
		ss.mu.Unlock()
		return
	}
	ss.closed = true
	if ss.watchdog != nil {
		ss.watchdog.Stop()
	}
	ss.mu.Unlock()

	ss.writeMu.Lock()
	defer ss.writeMu.Unlock()
	if err := ss.stream.CloseSend(); err != nil {
		ss.log.Debug().Err(err).Msg("cannot close space stream")
	}
}

/*
run demultiplexes back frames to the owning spaces until the stream ends.
One goroutine per back.
*/
func (ss *SpaceStream) run() {
	for {
		e, err := ss.stream.Recv()
		if err != nil {
			if !isStreamEnd(err) {
				ss.log.Error().Err(err).Msg("space stream failed")
			}
			ss.mux.spaceStreamLost(ss)
			return
		}
		ss.dispatch(e)
	}
}

func (ss *SpaceStream) dispatch(e messages.Envelope) {
	switch e.Case {
	case messages.CasePing:
		if err := ss.Send(messages.MustWrap(messages.CasePong, struct{}{})); err != nil {
			ss.log.Debug().Err(err).Msg("cannot answer ping")
		}
		ss.armWatchdog()

	case messages.CaseAddSpaceUser:
		var m messages.AddSpaceUserMessage
		if err := e.Decode(&m); err != nil {
			ss.log.Error().Err(err).Msg("dropping malformed addSpaceUserMessage")
			return
		}
		if space := ss.mux.spaceFor(m.SpaceName); space != nil {
			space.LocalAddUser(m.User)
		}

	case messages.CaseUpdateSpaceUser:
		var m messages.UpdateSpaceUserMessage
		if err := e.Decode(&m); err != nil {
			ss.log.Error().Err(err).Msg("dropping malformed updateSpaceUserMessage")
			return
		}
		if space := ss.mux.spaceFor(m.SpaceName); space != nil {
			space.LocalUpdateUser(m.User, m.UpdateMask)
		}

	case messages.CaseRemoveSpaceUser:
		var m messages.RemoveSpaceUserMessage
		if err := e.Decode(&m); err != nil {
			ss.log.Error().Err(err).Msg("dropping malformed removeSpaceUserMessage")
			return
		}
		if space := ss.mux.spaceFor(m.SpaceName); space != nil {
			space.LocalRemoveUser(m.UserID)
		}

	case messages.CaseUpdateSpaceMetadata:
		var m messages.UpdateSpaceMetadataMessage
		if err := e.Decode(&m); err != nil {
			ss.log.Error().Err(err).Msg("dropping malformed updateSpaceMetadataMessage")
			return
		}
		var meta map[string]any
		if err := json.Unmarshal(m.Metadata, &meta); err != nil {
			// Invalid blobs are dropped without crashing the stream.
			ss.log.Error().Err(err).Str("space", m.SpaceName).
				Msg("dropping space metadata that does not parse")
			return
		}
		if space := ss.mux.spaceFor(m.SpaceName); space != nil {
			space.LocalUpdateMetadata(meta, true)
		}

	case messages.CaseKickOff:
		// The back expects the pusher to relay the kick command back to
		// itself after authorization.
		if err := ss.Send(e); err != nil {
			ss.log.Debug().Err(err).Msg("cannot relay kickOffMessage")
		}

	case messages.CasePublicEvent:
		var m messages.PublicEventMessage
		if err := e.Decode(&m); err != nil {
			ss.log.Error().Err(err).Msg("dropping malformed publicEvent")
			return
		}
		if space := ss.mux.spaceFor(m.SpaceName); space != nil {
			space.SendPublicEvent(m)
		}

	case messages.CasePrivateEvent:
		var m messages.PrivateEventMessage
		if err := e.Decode(&m); err != nil {
			ss.log.Error().Err(err).Msg("dropping malformed privateEvent")
			return
		}
		if space := ss.mux.spaceFor(m.SpaceName); space != nil {
			space.SendPrivateEvent(m)
		}

	default:
		ss.log.Error().Str("case", e.Case).Msg("protocol violation: unknown space frame tag")
	}
}
