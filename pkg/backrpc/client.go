package backrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/bryanhonof/workadventure/internal/back"
	"github.com/bryanhonof/workadventure/pkg/messages"
)

const service = "/workadventure.RoomManager/"

var (
	joinRoomDesc = grpc.StreamDesc{
		StreamName:    "joinRoom",
		ServerStreams: true,
		ClientStreams: true,
	}
	watchSpaceDesc = grpc.StreamDesc{
		StreamName:    "watchSpace",
		ServerStreams: true,
		ClientStreams: true,
	}
)

/*
Client talks to one back server over a single shared connection.  It
satisfies [back.Client].
*/
type Client struct {
	cc *grpc.ClientConn
}

/*
Dial connects to a back server.  The connection is established lazily by
grpc itself; streams opened before the back is reachable fail on first use.
*/
func Dial(addr string) (back.Client, error) {
	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create back connection to %q: %w", addr, err)
	}
	return &Client{cc: cc}, nil
}

// JoinRoom opens a fresh client-scoped room stream.
func (c *Client) JoinRoom(ctx context.Context) (back.Stream, error) {
	s, err := c.cc.NewStream(ctx, &joinRoomDesc, service+"joinRoom")
	if err != nil {
		return nil, fmt.Errorf("cannot open room stream: %w", err)
	}
	return stream{s}, nil
}

// WatchSpace opens the back-scoped space stream shared by every space on
// that back.
func (c *Client) WatchSpace(ctx context.Context) (back.Stream, error) {
	s, err := c.cc.NewStream(ctx, &watchSpaceDesc, service+"watchSpace")
	if err != nil {
		return nil, fmt.Errorf("cannot open space stream: %w", err)
	}
	return stream{s}, nil
}

func (c *Client) SendAdminMessage(ctx context.Context, msg messages.AdminMessage) error {
	return c.cc.Invoke(ctx, service+"sendAdminMessage", &msg, &emptyReply{})
}

func (c *Client) Ban(ctx context.Context, msg messages.BanMessage) error {
	return c.cc.Invoke(ctx, service+"ban", &msg, &emptyReply{})
}

func (c *Client) SendAdminMessageToRoom(ctx context.Context, msg messages.AdminRoomMessage) error {
	return c.cc.Invoke(ctx, service+"sendAdminMessageToRoom", &msg, &emptyReply{})
}

func (c *Client) Close() error {
	return c.cc.Close()
}

type emptyReply struct{}

// stream adapts a grpc.ClientStream to the envelope-typed [back.Stream].
type stream struct {
	grpc.ClientStream
}

func (s stream) Send(e messages.Envelope) error {
	return s.SendMsg(&e)
}

func (s stream) Recv() (messages.Envelope, error) {
	var e messages.Envelope
	err := s.RecvMsg(&e)
	return e, err
}
