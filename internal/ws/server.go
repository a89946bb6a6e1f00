package ws

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/internal/pusher"
	"github.com/bryanhonof/workadventure/pkg/messages"
)

/*
upgrader is used to establish WebSocket connections.  It is safe for
concurrent use.
*/
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

/*
Server upgrades HTTP requests into client and admin WebSocket sessions
and hands them to the multiplexer.
*/
type Server struct {
	mux *pusher.SessionMultiplexer
	log zerolog.Logger
}

func NewServer(mux *pusher.SessionMultiplexer, log zerolog.Logger) *Server {
	return &Server{
		mux: mux,
		log: log.With().Str("component", "ws").Logger(),
	}
}

/*
HandleClientConnection upgrades a front client.  Identity comes from the
query parameters; the authentication layer in front of the pusher has
already validated them.
*/
func (s *Server) HandleClientConnection(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	roomID := q.Get("roomId")
	if roomID == "" {
		http.Error(rw, "Missing roomId parameter.", http.StatusBadRequest)
		return
	}
	userUUID := q.Get("uuid")
	if userUUID == "" {
		userUUID = uuid.NewString()
	}

	data := &pusher.SocketData{
		UserUUID:      userUUID,
		IPAddress:     remoteAddr(r),
		Name:          q.Get("name"),
		RoomID:        roomID,
		SpacesFilters: make(map[string][]messages.SpaceFilter),
	}
	if tags := q.Get("tags"); tags != "" {
		data.Tags = strings.Split(tags, ",")
	}
	data.SpaceUser.UUID = userUUID
	data.SpaceUser.Name = data.Name

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}

	c := newClient(uuid.NewString(), conn, s.mux, data, false, s.log)
	go c.write()

	if err := s.mux.HandleJoinRoom(c.ctx, c); err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("room join failed")
		c.Close(pusher.CloseBackError, "cannot join room")
		c.cleanup()
		return
	}

	go c.read()
}

/*
HandleAdminConnection upgrades an administrative client watching a room.
Admin sockets receive MemberJoin/MemberLeave envelopes for that one room;
frames they send are ignored.
*/
func (s *Server) HandleAdminConnection(rw http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		http.Error(rw, "Missing roomId parameter.", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}

	data := &pusher.SocketData{
		RoomID:        roomID,
		Tags:          []string{"admin"},
		SpacesFilters: make(map[string][]messages.SpaceFilter),
	}
	c := newClient(uuid.NewString(), conn, s.mux, data, true, s.log)
	go c.write()

	if err := s.mux.HandleAdminRoom(c, roomID); err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("admin watch failed")
		c.Close(pusher.CloseBackError, "cannot watch room")
		c.cleanup()
		return
	}

	go s.adminRead(c, roomID)
}

/*
adminRead drains the admin socket until it closes; inbound frames other
than the close are ignored, the protocol is push-only.
*/
func (s *Server) adminRead(c *client, roomID string) {
	defer func() {
		s.mux.LeaveAdminRoom(c, roomID)
		c.cleanup()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}
