/*
Package pusher implements the session multiplexer: the in-memory map of
rooms and spaces, the lifecycle of the back streams, the per-client filter
state and the fan-out of user, group and space notifications.
*/
package pusher

import "github.com/bryanhonof/workadventure/pkg/messages"

// WebSocket close code sent when the back server is lost.
const CloseBackError = 1011

/*
Client is a connected front socket as seen by the multiplexer.  The
WebSocket layer owns the connection; the multiplexer owns the session
state attached to it.
*/
type Client interface {
	ID() string
	Data() *SocketData
	// Send writes one frame to the client.  Writes to a disconnected
	// client fail and are dropped by the caller.
	Send(e messages.Envelope) error
	// Close closes the underlying socket with the given close code.
	Close(code int, reason string)
}

/*
SocketData is the per-session state attached to a client socket.  It is
mutated only by code paths originating from that client's socket, plus the
room-stream snoop that fills in the back-assigned user id.
*/
type SocketData struct {
	UserUUID  string
	UserID    int32
	IPAddress string
	Name      string
	Tags      []string
	CanEdit   bool

	RoomID   string
	Viewport messages.Viewport
	Position messages.PositionMessage

	// BackConn is the client's room stream; it exists iff the client has
	// completed a room join and is closed before the client is removed.
	BackConn *RoomStream

	// Spaces lists the names of every space the client watches.  Kept as
	// the client-side half of the client/space link; the space's watcher
	// set is the other half and both are maintained by the multiplexer.
	Spaces []string

	// SpacesFilters mirrors the filters installed per space name.
	SpacesFilters map[string][]messages.SpaceFilter

	// SpaceUser is the canonical presence record, mutated via field-mask
	// merges.
	SpaceUser messages.SpaceUser

	// Disconnecting is sticky and gates every outbound send.
	Disconnecting bool
}

// IsAdmin reports whether the session carries the "admin" tag.
func (d *SocketData) IsAdmin() bool {
	for _, t := range d.Tags {
		if t == "admin" {
			return true
		}
	}
	return false
}

// InSpace reports whether the client currently watches the named space.
func (d *SocketData) InSpace(name string) bool {
	for _, s := range d.Spaces {
		if s == name {
			return true
		}
	}
	return false
}
