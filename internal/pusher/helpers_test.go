package pusher

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/internal/back"
	"github.com/bryanhonof/workadventure/pkg/messages"
)

// fakeClient records every frame the multiplexer sends it.
type fakeClient struct {
	id   string
	data *SocketData

	mu        sync.Mutex
	sent      []messages.Envelope
	closed    bool
	closeCode int
}

func newFakeClient(id, roomID string) *fakeClient {
	return &fakeClient{
		id: id,
		data: &SocketData{
			UserUUID:      "uuid-" + id,
			Name:          id,
			RoomID:        roomID,
			SpacesFilters: make(map[string][]messages.SpaceFilter),
		},
	}
}

func (c *fakeClient) ID() string        { return c.id }
func (c *fakeClient) Data() *SocketData { return c.data }

func (c *fakeClient) Send(e messages.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, e)
	return nil
}

func (c *fakeClient) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
}

func (c *fakeClient) frames(caseName string) []messages.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []messages.Envelope
	for _, e := range c.sent {
		if e.Case == caseName {
			out = append(out, e)
		}
	}
	return out
}

// batchSubs flattens every batch frame the client received into the
// carried sub-messages.
func (c *fakeClient) batchSubs() []messages.Envelope {
	var subs []messages.Envelope
	for _, e := range c.frames(messages.CaseBatch) {
		var b messages.BatchMessage
		if err := json.Unmarshal(e.Payload, &b); err == nil {
			subs = append(subs, b.Payload...)
		}
	}
	return subs
}

// fakeStream is an in-memory back.Stream fed by tests.
type fakeStream struct {
	mu     sync.Mutex
	sent   []messages.Envelope
	in     chan messages.Envelope
	closed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{in: make(chan messages.Envelope, 16)}
}

func (s *fakeStream) Send(e messages.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, e)
	return nil
}

func (s *fakeStream) Recv() (messages.Envelope, error) {
	e, ok := <-s.in
	if !ok {
		return messages.Envelope{}, io.EOF
	}
	return e, nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.in)
	}
	return nil
}

// push delivers a frame as if the back had produced it.
func (s *fakeStream) push(e messages.Envelope) {
	s.in <- e
}

func (s *fakeStream) sentFrames(caseName string) []messages.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []messages.Envelope
	for _, e := range s.sent {
		if e.Case == caseName {
			out = append(out, e)
		}
	}
	return out
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeBackClient hands out fake streams and records unary calls.
type fakeBackClient struct {
	mu           sync.Mutex
	roomStreams  []*fakeStream
	spaceStreams []*fakeStream
	adminToRoom  []messages.AdminRoomMessage
	bans         []messages.BanMessage
	adminMsgs    []messages.AdminMessage
}

func (b *fakeBackClient) JoinRoom(ctx context.Context) (back.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newFakeStream()
	b.roomStreams = append(b.roomStreams, s)
	return s, nil
}

func (b *fakeBackClient) WatchSpace(ctx context.Context) (back.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := newFakeStream()
	b.spaceStreams = append(b.spaceStreams, s)
	return s, nil
}

func (b *fakeBackClient) SendAdminMessage(ctx context.Context, msg messages.AdminMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adminMsgs = append(b.adminMsgs, msg)
	return nil
}

func (b *fakeBackClient) Ban(ctx context.Context, msg messages.BanMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bans = append(b.bans, msg)
	return nil
}

func (b *fakeBackClient) SendAdminMessageToRoom(ctx context.Context, msg messages.AdminRoomMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adminToRoom = append(b.adminToRoom, msg)
	return nil
}

func (b *fakeBackClient) Close() error { return nil }

func (b *fakeBackClient) roomStreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.roomStreams)
}

func (b *fakeBackClient) spaceStreamCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spaceStreams)
}

func (b *fakeBackClient) lastRoomStream() *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.roomStreams) == 0 {
		return nil
	}
	return b.roomStreams[len(b.roomStreams)-1]
}

func (b *fakeBackClient) lastSpaceStream() *fakeStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.spaceStreams) == 0 {
		return nil
	}
	return b.spaceStreams[len(b.spaceStreams)-1]
}

// fakeDirectory places every key on back 0 unless pinned explicitly.
type fakeDirectory struct {
	backs   []*fakeBackClient
	indexes map[string]int

	mu               sync.Mutex
	spaceClientCalls int
}

func newFakeDirectory(backCount int) *fakeDirectory {
	d := &fakeDirectory{indexes: make(map[string]int)}
	for i := 0; i < backCount; i++ {
		d.backs = append(d.backs, &fakeBackClient{})
	}
	return d
}

func (d *fakeDirectory) Index(key string) int {
	if i, ok := d.indexes[key]; ok {
		return i
	}
	return 0
}

func (d *fakeDirectory) GetRoomClient(roomID string) (back.Client, error) {
	return d.backs[d.Index(roomID)], nil
}

func (d *fakeDirectory) GetSpaceClient(spaceName string) (int, back.Client, error) {
	d.mu.Lock()
	d.spaceClientCalls++
	d.mu.Unlock()

	i := d.Index(spaceName)
	return i, d.backs[i], nil
}

func (d *fakeDirectory) spaceClientCallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.spaceClientCalls
}

// fakeAdmin answers admin-service calls from canned data.
type fakeAdmin struct {
	mu        sync.Mutex
	tags      []string
	tagsErr   error
	worldURLs []string
	chatIDs   map[string]string
	banned    []string
}

func (a *fakeAdmin) GetTagsList(ctx context.Context, roomURL string) ([]string, error) {
	return a.tags, a.tagsErr
}

func (a *fakeAdmin) GetURLRoomsFromSameWorld(ctx context.Context, roomURL string) ([]string, error) {
	return a.worldURLs, nil
}

func (a *fakeAdmin) SearchMembers(ctx context.Context, roomURL, searchText string) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (a *fakeAdmin) SearchTags(ctx context.Context, searchText string) ([]string, error) {
	return a.tags, nil
}

func (a *fakeAdmin) GetMember(ctx context.Context, uuid string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (a *fakeAdmin) GetWorldChatMembers(ctx context.Context, roomURL, searchText string) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (a *fakeAdmin) UpdateChatID(ctx context.Context, uuid, chatID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.chatIDs == nil {
		a.chatIDs = make(map[string]string)
	}
	a.chatIDs[uuid] = chatID
	return nil
}

func (a *fakeAdmin) RefreshOauthToken(ctx context.Context, token string) (json.RawMessage, error) {
	return json.RawMessage(`{"token":"refreshed"}`), nil
}

func (a *fakeAdmin) BanUserByUUID(ctx context.Context, uuid, roomURL, name, message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.banned = append(a.banned, uuid)
	return nil
}

func (a *fakeAdmin) bannedUUIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.banned...)
}

func (a *fakeAdmin) ReportPlayer(ctx context.Context, reportedUUID, comment, reporterUUID, roomURL string) error {
	return nil
}

type fakeEmbed struct{}

func (fakeEmbed) Embeddable(ctx context.Context, rawURL string) (bool, string) {
	return true, ""
}

func newTestMux(dir *fakeDirectory, cfg Config) *SessionMultiplexer {
	return NewSessionMultiplexer(dir, &fakeAdmin{}, fakeEmbed{}, cfg, nil, zerolog.Nop())
}

// waitFor polls the condition until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
