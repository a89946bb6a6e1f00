/*
Package back resolves which back server owns a given room or space and
hands out a memoized RPC client per back.  Placement is a stable hash of
the key modulo the configured back count, so every pusher instance agrees
on the owner without coordination.
*/
package back

import (
	"context"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/bryanhonof/workadventure/pkg/messages"
)

/*
Stream is a bidirectional frame stream to a back server.  Both the
client-scoped room stream and the back-scoped shared space stream satisfy
it.
*/
type Stream interface {
	Send(messages.Envelope) error
	Recv() (messages.Envelope, error)
	CloseSend() error
}

/*
Client is the RPC surface of a single back server.
*/
type Client interface {
	JoinRoom(ctx context.Context) (Stream, error)
	WatchSpace(ctx context.Context) (Stream, error)
	SendAdminMessage(ctx context.Context, msg messages.AdminMessage) error
	Ban(ctx context.Context, msg messages.BanMessage) error
	SendAdminMessageToRoom(ctx context.Context, msg messages.AdminRoomMessage) error
	Close() error
}

// Dialer connects to the back server at the given address.
type Dialer func(addr string) (Client, error)

/*
Directory maps room and space keys onto the ordered back list.  One client
is dialed lazily per back and shared by every caller.
*/
type Directory struct {
	addrs   []string
	dial    Dialer
	mu      sync.Mutex
	clients []Client
}

func NewDirectory(addrs []string, dial Dialer) (*Directory, error) {
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no back servers configured")
	}
	return &Directory{
		addrs:   addrs,
		dial:    dial,
		clients: make([]Client, len(addrs)),
	}, nil
}

// Count returns the number of configured backs.
func (d *Directory) Count() int {
	return len(d.addrs)
}

/*
Index resolves the back owning the given key.  Stable over the process
lifetime as long as the back list does not change.
*/
func (d *Directory) Index(key string) int {
	return int(crc32.ChecksumIEEE([]byte(key))) % len(d.addrs)
}

/*
ClientFor returns the shared client for the given back index, dialing it
on first use.
*/
func (d *Directory) ClientFor(index int) (Client, error) {
	if index < 0 || index >= len(d.addrs) {
		return nil, fmt.Errorf("back index %d out of range [0, %d)", index, len(d.addrs))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.clients[index] == nil {
		c, err := d.dial(d.addrs[index])
		if err != nil {
			return nil, fmt.Errorf("cannot dial back %d at %q: %w", index, d.addrs[index], err)
		}
		d.clients[index] = c
	}
	return d.clients[index], nil
}

// GetRoomClient returns the client for the back owning the room.
func (d *Directory) GetRoomClient(roomID string) (Client, error) {
	return d.ClientFor(d.Index(roomID))
}

// GetSpaceClient returns the owning back index and its client for a space.
func (d *Directory) GetSpaceClient(spaceName string) (int, Client, error) {
	index := d.Index(spaceName)
	c, err := d.ClientFor(index)
	return index, c, err
}

// Close closes every dialed client.
func (d *Directory) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, c := range d.clients {
		if c != nil {
			c.Close()
			d.clients[i] = nil
		}
	}
}
