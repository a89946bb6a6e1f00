package pusher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/internal/back"
	"github.com/bryanhonof/workadventure/internal/metrics"
	"github.com/bryanhonof/workadventure/pkg/messages"
)

/*
BackDirectory resolves rooms and spaces to back servers.  Implemented by
[back.Directory]; tests substitute fakes.
*/
type BackDirectory interface {
	Index(key string) int
	GetRoomClient(roomID string) (back.Client, error)
	GetSpaceClient(spaceName string) (int, back.Client, error)
}

/*
AdminAPI is the slice of the admin REST service the multiplexer calls.
Calls are opaque and awaitable; failures degrade per operation.
*/
type AdminAPI interface {
	GetTagsList(ctx context.Context, roomURL string) ([]string, error)
	GetURLRoomsFromSameWorld(ctx context.Context, roomURL string) ([]string, error)
	SearchMembers(ctx context.Context, roomURL, searchText string) (json.RawMessage, error)
	SearchTags(ctx context.Context, searchText string) ([]string, error)
	GetMember(ctx context.Context, uuid string) (json.RawMessage, error)
	GetWorldChatMembers(ctx context.Context, roomURL, searchText string) (json.RawMessage, error)
	UpdateChatID(ctx context.Context, uuid, chatID string) error
	RefreshOauthToken(ctx context.Context, token string) (json.RawMessage, error)
	BanUserByUUID(ctx context.Context, uuid, roomURL, name, message string) error
	ReportPlayer(ctx context.Context, reportedUUID, comment, reporterUUID, roomURL string) error
}

// EmbedChecker probes whether a URL may be embedded in an iframe.
type EmbedChecker interface {
	Embeddable(ctx context.Context, rawURL string) (bool, string)
}

// Config tunes the multiplexer.
type Config struct {
	// SpacePingTimeout is how long the shared space stream waits for a
	// back ping before it is considered lost.
	SpacePingTimeout time.Duration
	// ForwardUnknownKickOff keeps the historical behavior of forwarding
	// a kickOffUserMessage to the back even when the space is unknown
	// locally.
	ForwardUnknownKickOff bool
	BatchSize             int
	BatchInterval         time.Duration
}

func (c *Config) withDefaults() {
	if c.SpacePingTimeout <= 0 {
		c.SpacePingTimeout = 60 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 100 * time.Millisecond
	}
}

/*
roomEntry holds either a ready room or the pending creation of one.  The
entry is stored synchronously so concurrent joins to the same room url
converge on a single creation; latecomers wait on ready.
*/
type roomEntry struct {
	ready chan struct{}
	room  *Room
	err   error
}

// spaceStreamEntry is the same pending-handle pattern for the shared
// per-back space stream.
type spaceStreamEntry struct {
	ready  chan struct{}
	stream *SpaceStream
	err    error
}

/*
SessionMultiplexer owns the rooms, spaces and shared space streams of the
process, creates and destroys them, and handles every client event.  The
three maps are serialized behind one mutex; everything awaited happens
outside of it.
*/
type SessionMultiplexer struct {
	directory BackDirectory
	admin     AdminAPI
	embed     EmbedChecker
	batch     *BatchEmitter
	gauges    *metrics.Set
	cfg       Config
	log       zerolog.Logger

	mu           sync.Mutex
	rooms        map[string]*roomEntry
	spaces       map[string]*Space
	spaceStreams map[int]*spaceStreamEntry
	closed       bool
}

func NewSessionMultiplexer(
	directory BackDirectory,
	adminAPI AdminAPI,
	embed EmbedChecker,
	cfg Config,
	gauges *metrics.Set,
	log zerolog.Logger,
) *SessionMultiplexer {
	cfg.withDefaults()

	m := &SessionMultiplexer{
		directory:    directory,
		admin:        adminAPI,
		embed:        embed,
		gauges:       gauges,
		cfg:          cfg,
		log:          log.With().Str("component", "multiplexer").Logger(),
		rooms:        make(map[string]*roomEntry),
		spaces:       make(map[string]*Space),
		spaceStreams: make(map[int]*spaceStreamEntry),
	}
	m.batch = NewBatchEmitter(cfg.BatchSize, cfg.BatchInterval, log)

	return m
}

/*
Close disposes every room, space and stream.  Meant for process shutdown
and test teardown.
*/
func (m *SessionMultiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	rooms := m.rooms
	streams := m.spaceStreams
	m.rooms = make(map[string]*roomEntry)
	m.spaces = make(map[string]*Space)
	m.spaceStreams = make(map[int]*spaceStreamEntry)
	m.mu.Unlock()

	for _, e := range rooms {
		if e.room != nil {
			e.room.Close()
		}
	}
	for _, e := range streams {
		if e.stream != nil {
			e.stream.Close()
		}
	}
	m.batch.Close()
}

// HandleJoinRoom opens the client's room stream, announces the join to
// the back and registers the client in the room.
func (m *SessionMultiplexer) HandleJoinRoom(ctx context.Context, c Client) error {
	d := c.Data()
	if d.RoomID == "" {
		return fmt.Errorf("client %q has no room id", c.ID())
	}

	backClient, err := m.directory.GetRoomClient(d.RoomID)
	if err != nil {
		return fmt.Errorf("cannot resolve back for room %q: %w", d.RoomID, err)
	}
	stream, err := backClient.JoinRoom(ctx)
	if err != nil {
		return fmt.Errorf("cannot open room stream for %q: %w", d.RoomID, err)
	}

	rs := newRoomStream(c, d.RoomID, stream, m)
	d.BackConn = rs

	if err := rs.Send(messages.MustWrap(messages.CaseJoinRoom, messages.JoinRoomMessage{
		RoomID:    d.RoomID,
		UserUUID:  d.UserUUID,
		Name:      d.Name,
		IPAddress: d.IPAddress,
		Tags:      d.Tags,
		Viewport:  d.Viewport,
	})); err != nil {
		rs.Close()
		d.BackConn = nil
		return fmt.Errorf("cannot send joinRoomMessage: %w", err)
	}

	go rs.run()

	room, err := m.getOrCreateRoom(d.RoomID)
	if err != nil {
		rs.Close()
		d.BackConn = nil
		return err
	}
	room.Join(c)
	m.gauges.ClientsAdd(1)

	return nil
}

// HandleViewport stores the client's viewport and recomputes its zone.
func (m *SessionMultiplexer) HandleViewport(c Client, vp messages.Viewport) {
	d := c.Data()
	d.Viewport = vp

	if room := m.roomFor(d.RoomID); room != nil {
		room.SetViewport(c, vp)
	}
}

/*
HandleUserMoves forwards the move to the back, then updates the viewport
and the room-local position mirror used for zone fan-out.
*/
func (m *SessionMultiplexer) HandleUserMoves(c Client, msg messages.UserMovesMessage) error {
	d := c.Data()
	if d.BackConn == nil {
		return fmt.Errorf("client %q moves without a back connection", c.ID())
	}

	if err := d.BackConn.Send(messages.MustWrap(messages.CaseUserMoves, msg)); err != nil {
		return fmt.Errorf("cannot forward userMovesMessage: %w", err)
	}

	d.Position = msg.Position
	if !msg.Viewport.IsZero() {
		m.HandleViewport(c, msg.Viewport)
	}

	if room := m.roomFor(d.RoomID); room != nil && d.UserID != 0 {
		room.UpdateUser(messages.UserDescription{
			UserID:             d.UserID,
			UserUUID:           d.UserUUID,
			Name:               d.Name,
			Position:           msg.Position,
			AvailabilityStatus: d.SpaceUser.AvailabilityStatus,
			ChatID:             d.SpaceUser.ChatID,
		})
	}
	return nil
}

/*
HandleSetPlayerDetails forwards the details to the back, then computes the
field-mask diff against the client's space user: availabilityStatus when
changed and non-zero, chatID when changed and non-empty.  A non-empty diff
is broadcast as an updateUser to every space the client is in.
*/
func (m *SessionMultiplexer) HandleSetPlayerDetails(ctx context.Context, c Client, msg messages.SetPlayerDetailsMessage) error {
	d := c.Data()
	if d.BackConn != nil {
		if err := d.BackConn.Send(messages.MustWrap(messages.CaseSetPlayerDetails, msg)); err != nil {
			return fmt.Errorf("cannot forward setPlayerDetailsMessage: %w", err)
		}
	}

	var mask messages.FieldMask
	if msg.AvailabilityStatus != 0 && msg.AvailabilityStatus != d.SpaceUser.AvailabilityStatus {
		mask = append(mask, "availabilityStatus")
		d.SpaceUser.AvailabilityStatus = msg.AvailabilityStatus
	}
	if msg.ChatID != "" && msg.ChatID != d.SpaceUser.ChatID {
		mask = append(mask, "chatID")
		d.SpaceUser.ChatID = msg.ChatID

		if m.admin != nil {
			if err := m.admin.UpdateChatID(ctx, d.UserUUID, msg.ChatID); err != nil {
				m.log.Warn().Err(err).Str("uuid", d.UserUUID).Msg("cannot push chat id to admin service")
			}
		}
	}
	if len(mask) == 0 {
		return nil
	}

	for _, name := range append([]string(nil), d.Spaces...) {
		if space := m.spaceFor(name); space != nil {
			if err := space.UpdateUser(d.SpaceUser, mask); err != nil {
				m.log.Warn().Err(err).Str("space", name).Msg("cannot broadcast player details update")
			}
		}
	}

	if room := m.roomFor(d.RoomID); room != nil && d.UserID != 0 {
		room.UpdatePlayerDetails(messages.PlayerDetailsUpdatedMessage{
			UserID:  d.UserID,
			Details: msg,
		})
	}
	return nil
}

/*
HandleJoinSpace adds the client to the space, creating the space and the
shared back stream on first use.  The client receives the current metadata
snapshot.
*/
func (m *SessionMultiplexer) HandleJoinSpace(ctx context.Context, c Client, spaceName, localName string) error {
	d := c.Data()
	if d.InSpace(spaceName) {
		return nil
	}

	space, err := m.getOrCreateSpace(ctx, spaceName, localName)
	if err != nil {
		return err
	}

	// Both halves of the client/space link are established together so
	// invariant "c in s.watchers iff s in c.spaces" holds.
	space.AddClientWatcher(c)
	d.Spaces = append(d.Spaces, spaceName)

	user := d.SpaceUser
	user.Name = d.Name
	if user.Name == "" {
		user.Name = d.UserUUID
	}
	user.UUID = d.UserUUID
	if err := space.AddUser(user, c); err != nil {
		m.log.Warn().Err(err).Str("space", spaceName).Msg("cannot announce space user to back")
	}

	space.NotifyMe(c, space.MetadataFrame())

	return nil
}

// HandleLeaveSpace removes the client from the space and deletes the
// space when its watcher set becomes empty.
func (m *SessionMultiplexer) HandleLeaveSpace(c Client, spaceName string) error {
	d := c.Data()
	space := m.spaceFor(spaceName)
	if space == nil || !d.InSpace(spaceName) {
		return m.unknownSpaceError(c, spaceName)
	}

	m.leaveSingleSpace(c, space)
	return nil
}

func (m *SessionMultiplexer) leaveSingleSpace(c Client, space *Space) {
	d := c.Data()

	space.RemoveClientWatcher(c)
	if d.SpaceUser.ID != 0 {
		if err := space.RemoveUser(d.SpaceUser.ID); err != nil {
			m.log.Debug().Err(err).Str("space", space.Name()).Msg("cannot announce space leave to back")
		}
	}

	for i, name := range d.Spaces {
		if name == space.Name() {
			d.Spaces = append(d.Spaces[:i], d.Spaces[i+1:]...)
			break
		}
	}
	delete(d.SpacesFilters, space.Name())

	m.deleteSpaceIfEmpty(space)
}

/*
HandleUpdateSpaceMetadata merges the metadata locally without propagating
and forwards the update to the back; the propagated fan-out happens when
the back echoes it to every watching pusher.
*/
func (m *SessionMultiplexer) HandleUpdateSpaceMetadata(c Client, spaceName string, meta map[string]any) error {
	d := c.Data()
	space := m.spaceFor(spaceName)
	if space == nil || !d.InSpace(spaceName) {
		return m.unknownSpaceError(c, spaceName)
	}

	space.LocalUpdateMetadata(meta, false)

	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("cannot encode metadata for space %q: %w", spaceName, err)
	}
	return space.SendToBack(messages.MustWrap(messages.CaseUpdateSpaceMetadata, messages.UpdateSpaceMetadataMessage{
		SpaceName: spaceName,
		Metadata:  raw,
	}))
}

// HandleAddSpaceFilter installs a filter; idempotent by filter name.
func (m *SessionMultiplexer) HandleAddSpaceFilter(c Client, f messages.SpaceFilter) error {
	d := c.Data()
	space := m.spaceFor(f.SpaceName)
	if space == nil || !d.InSpace(f.SpaceName) {
		return m.unknownSpaceError(c, f.SpaceName)
	}

	space.HandleAddFilter(c, f)
	m.mirrorFilterAdd(d, f)
	return nil
}

// HandleUpdateSpaceFilter updates a filter by name; unknown names are
// logged and dropped by the space.
func (m *SessionMultiplexer) HandleUpdateSpaceFilter(c Client, f messages.SpaceFilter) error {
	d := c.Data()
	space := m.spaceFor(f.SpaceName)
	if space == nil || !d.InSpace(f.SpaceName) {
		return m.unknownSpaceError(c, f.SpaceName)
	}

	space.HandleUpdateFilter(c, f)
	m.mirrorFilterUpdate(d, f)
	return nil
}

// HandleRemoveSpaceFilter removes a filter by name.  Idempotent.
func (m *SessionMultiplexer) HandleRemoveSpaceFilter(c Client, spaceName, filterName string) error {
	d := c.Data()
	space := m.spaceFor(spaceName)
	if space == nil || !d.InSpace(spaceName) {
		return m.unknownSpaceError(c, spaceName)
	}

	space.HandleRemoveFilter(c, filterName)

	list := d.SpacesFilters[spaceName]
	for i := range list {
		if list[i].Name == filterName {
			d.SpacesFilters[spaceName] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}

// HandleUpdateSpaceUser merges the masked fields into the client's space
// user and delegates the update to the space.
func (m *SessionMultiplexer) HandleUpdateSpaceUser(c Client, msg messages.UpdateSpaceUserMessage) error {
	d := c.Data()
	space := m.spaceFor(msg.SpaceName)
	if space == nil || !d.InSpace(msg.SpaceName) {
		return m.unknownSpaceError(c, msg.SpaceName)
	}

	messages.MergeSpaceUser(&d.SpaceUser, msg.User, msg.UpdateMask)
	return space.UpdateUser(d.SpaceUser, msg.UpdateMask)
}

/*
HandlePublicEvent stamps the sender and forwards the event to the back,
which redistributes it to every watching pusher.
*/
func (m *SessionMultiplexer) HandlePublicEvent(c Client, msg messages.PublicEventMessage) error {
	d := c.Data()
	space := m.spaceFor(msg.SpaceName)
	if space == nil || !d.InSpace(msg.SpaceName) {
		return m.unknownSpaceError(c, msg.SpaceName)
	}
	if d.UserID == 0 {
		return fmt.Errorf("client %q sends a public event before room join completed", c.ID())
	}

	msg.SenderUserID = d.UserID
	return space.SendToBack(messages.MustWrap(messages.CasePublicEvent, msg))
}

// HandlePrivateEvent stamps the sender and forwards the event to the back.
func (m *SessionMultiplexer) HandlePrivateEvent(c Client, msg messages.PrivateEventMessage) error {
	d := c.Data()
	space := m.spaceFor(msg.SpaceName)
	if space == nil || !d.InSpace(msg.SpaceName) {
		return m.unknownSpaceError(c, msg.SpaceName)
	}
	if d.UserID == 0 {
		return fmt.Errorf("client %q sends a private event before room join completed", c.ID())
	}

	msg.SenderUserID = d.UserID
	return space.SendToBack(messages.MustWrap(messages.CasePrivateEvent, msg))
}

/*
HandleKickOffUser forwards a kick command.  For a space unknown locally
the command is still forwarded to the owning back when the historical
forwarding flag is set.
*/
func (m *SessionMultiplexer) HandleKickOffUser(ctx context.Context, c Client, spaceName, participantID string) error {
	d := c.Data()

	if space := m.spaceFor(spaceName); space != nil && d.InSpace(spaceName) {
		return space.KickOffUser(d.SpaceUser.ID, participantID)
	}

	if !m.cfg.ForwardUnknownKickOff {
		return m.unknownSpaceError(c, spaceName)
	}

	entry, err := m.getOrCreateSpaceStream(ctx, m.directory.Index(spaceName), spaceName)
	if err != nil {
		return err
	}
	return entry.Send(messages.MustWrap(messages.CaseKickOff, messages.KickOffMessage{
		SpaceName:    spaceName,
		UserID:       participantID,
		SenderUserID: d.SpaceUser.ID,
	}))
}

/*
ForwardMessageToBack forwards an arbitrary client action on the client's
room stream.
*/
func (m *SessionMultiplexer) ForwardMessageToBack(c Client, e messages.Envelope) error {
	d := c.Data()
	if d.BackConn == nil {
		return fmt.Errorf("client %q has no back connection", c.ID())
	}
	return d.BackConn.Send(e)
}

/*
HandleEditMapCommand forwards a map edit to the back.  Clients without
edit rights receive an errorMessage frame and the command is dropped.
*/
func (m *SessionMultiplexer) HandleEditMapCommand(c Client, e messages.Envelope) error {
	d := c.Data()
	if !d.CanEdit {
		if !d.Disconnecting {
			if err := c.Send(messages.MustWrap(messages.CaseError, messages.ErrorMessage{
				Message: "editing this map is not allowed",
			})); err != nil {
				m.log.Debug().Err(err).Str("client", c.ID()).Msg("cannot deliver edit rejection")
			}
		}
		return nil
	}
	return m.ForwardMessageToBack(c, e)
}

/*
LeaveRoom removes the client from its room, deletes the room when it
became empty and ends the client's room stream.
*/
func (m *SessionMultiplexer) LeaveRoom(c Client) {
	d := c.Data()

	if room := m.roomFor(d.RoomID); room != nil {
		if d.UserID != 0 {
			room.RemoveUser(d.UserID)
		}
		if room.Leave(c) {
			m.gauges.ClientsAdd(-1)
		}
		m.deleteRoomIfEmpty(room)
	}

	if d.BackConn != nil {
		d.BackConn.Close()
		d.BackConn = nil
	}
}

// LeaveSpaces removes the client from every space it watches and resets
// its filter mirror.
func (m *SessionMultiplexer) LeaveSpaces(c Client) {
	d := c.Data()

	for _, name := range append([]string(nil), d.Spaces...) {
		if space := m.spaceFor(name); space != nil {
			m.leaveSingleSpace(c, space)
		}
	}
	d.Spaces = nil
	d.SpacesFilters = make(map[string][]messages.SpaceFilter)
}

/*
Disconnect runs the full teardown for a closing client socket.  The
disconnecting flag is sticky and gates every outbound send from here on.
*/
func (m *SessionMultiplexer) Disconnect(c Client) {
	d := c.Data()
	if d.Disconnecting {
		return
	}
	d.Disconnecting = true

	m.LeaveRoom(c)
	m.LeaveSpaces(c)
	m.batch.Forget(c)
}

/*
HandleReportPlayer relays a player report to the admin service.
*/
func (m *SessionMultiplexer) HandleReportPlayer(ctx context.Context, c Client, msg messages.ReportPlayerMessage) error {
	d := c.Data()
	if err := m.admin.ReportPlayer(ctx, msg.ReportedUserUUID, msg.ReportComment, d.UserUUID, d.RoomID); err != nil {
		return fmt.Errorf("cannot report player %q: %w", msg.ReportedUserUUID, err)
	}
	return nil
}

// HandleAdminRoom registers an administrative watcher on a room.
func (m *SessionMultiplexer) HandleAdminRoom(c Client, roomURL string) error {
	room, err := m.getOrCreateRoom(roomURL)
	if err != nil {
		return err
	}
	room.JoinAdmin(c)
	return nil
}

// LeaveAdminRoom unregisters an administrative watcher.
func (m *SessionMultiplexer) LeaveAdminRoom(c Client, roomURL string) {
	if room := m.roomFor(roomURL); room != nil {
		room.LeaveAdmin(c)
		m.deleteRoomIfEmpty(room)
	}
}

/*
EmitBan bans a user: the ban is recorded at the admin service and relayed
to the back owning the room.  Rejected silently when the sender does not
carry the admin tag.
*/
func (m *SessionMultiplexer) EmitBan(ctx context.Context, c Client, msg messages.BanUserMessage, roomURL string) {
	if !c.Data().IsAdmin() {
		m.log.Warn().Str("client", c.ID()).Msg("ban rejected: sender is not admin")
		return
	}

	// The admin-service record is best effort; the back still enforces
	// the ban even when the admin service is down.
	if err := m.admin.BanUserByUUID(ctx, msg.UUID, roomURL, msg.Name, msg.Message); err != nil {
		m.log.Warn().Err(err).Str("uuid", msg.UUID).Msg("cannot record ban at admin service")
	}

	backClient, err := m.directory.GetRoomClient(roomURL)
	if err != nil {
		m.log.Error().Err(err).Str("room", roomURL).Msg("cannot resolve back for ban")
		return
	}
	if err := backClient.Ban(ctx, messages.BanMessage{
		RecipientUUID: msg.UUID,
		RoomID:        roomURL,
		Message:       msg.Message,
		Type:          "ban",
	}); err != nil {
		m.log.Error().Err(err).Str("uuid", msg.UUID).Msg("ban failed")
	}
}

// EmitSendUserMessage sends an admin text message to one user.
func (m *SessionMultiplexer) EmitSendUserMessage(ctx context.Context, c Client, msg messages.SendUserMessage, roomURL string) error {
	if !c.Data().IsAdmin() {
		return fmt.Errorf("client %q is not admin", c.ID())
	}

	backClient, err := m.directory.GetRoomClient(roomURL)
	if err != nil {
		return fmt.Errorf("cannot resolve back for room %q: %w", roomURL, err)
	}
	return backClient.SendAdminMessage(ctx, messages.AdminMessage{
		RecipientUUID: msg.UUID,
		RoomID:        roomURL,
		Message:       msg.Message,
		Type:          msg.Type,
	})
}

/*
EmitPlayGlobalMessage broadcasts an admin message to the sender's room,
or, with broadcastToWorld set, to every room of the same world as listed
by the admin service.
*/
func (m *SessionMultiplexer) EmitPlayGlobalMessage(ctx context.Context, c Client, msg messages.PlayGlobalMessage) error {
	d := c.Data()
	if !d.IsAdmin() {
		return fmt.Errorf("client %q is not admin", c.ID())
	}

	roomURLs := []string{d.RoomID}
	if msg.BroadcastToWorld {
		urls, err := m.admin.GetURLRoomsFromSameWorld(ctx, d.RoomID)
		if err != nil {
			return fmt.Errorf("cannot list rooms of the world of %q: %w", d.RoomID, err)
		}
		roomURLs = urls
	}

	for _, url := range roomURLs {
		backClient, err := m.directory.GetRoomClient(url)
		if err != nil {
			m.log.Error().Err(err).Str("room", url).Msg("cannot resolve back for global message")
			continue
		}
		if err := backClient.SendAdminMessageToRoom(ctx, messages.AdminRoomMessage{
			RoomID:  url,
			Message: msg.Content,
			Type:    msg.Type,
		}); err != nil {
			m.log.Error().Err(err).Str("room", url).Msg("cannot send global message")
		}
	}
	return nil
}

/*
HandleQuery answers a client query.  Every branch wraps an admin-service
or probe call; failures produce an error answer except roomTags, which
degrades to an empty list.
*/
func (m *SessionMultiplexer) HandleQuery(ctx context.Context, c Client, q messages.QueryMessage) {
	d := c.Data()

	answer := m.answerQuery(ctx, d, q.Query)
	if d.Disconnecting {
		return
	}
	if err := c.Send(messages.MustWrap(messages.CaseAnswer, messages.AnswerMessage{
		ID:     q.ID,
		Answer: answer,
	})); err != nil {
		m.log.Debug().Err(err).Str("client", c.ID()).Msg("cannot deliver query answer")
	}
}

func (m *SessionMultiplexer) answerQuery(ctx context.Context, d *SocketData, query messages.Envelope) messages.Envelope {
	switch query.Case {
	case messages.QueryRoomTags:
		tags, err := m.admin.GetTagsList(ctx, d.RoomID)
		if err != nil {
			// Degrades to an empty tags list.
			m.log.Warn().Err(err).Str("room", d.RoomID).Msg("tags list unavailable")
			tags = []string{}
		}
		return messages.MustWrap(messages.AnswerRoomTags, messages.RoomTagsAnswer{Tags: tags})

	case messages.QueryRoomsFromSameWorld:
		urls, err := m.admin.GetURLRoomsFromSameWorld(ctx, d.RoomID)
		if err != nil {
			return errorAnswer(err)
		}
		return messages.MustWrap(messages.AnswerRoomsFromSameWorld, messages.RoomsFromSameWorldAnswer{RoomURLs: urls})

	case messages.QuerySearchMember:
		var sq messages.SearchMemberQuery
		if err := query.Decode(&sq); err != nil {
			return errorAnswer(err)
		}
		raw, err := m.admin.SearchMembers(ctx, d.RoomID, sq.SearchText)
		if err != nil {
			return errorAnswer(err)
		}
		return messages.Envelope{Case: messages.AnswerSearchMember, Payload: raw}

	case messages.QuerySearchTags:
		var sq messages.SearchTagsQuery
		if err := query.Decode(&sq); err != nil {
			return errorAnswer(err)
		}
		tags, err := m.admin.SearchTags(ctx, sq.SearchText)
		if err != nil {
			return errorAnswer(err)
		}
		return messages.MustWrap(messages.AnswerSearchTags, messages.RoomTagsAnswer{Tags: tags})

	case messages.QueryGetMember:
		var gq messages.GetMemberQuery
		if err := query.Decode(&gq); err != nil {
			return errorAnswer(err)
		}
		raw, err := m.admin.GetMember(ctx, gq.UUID)
		if err != nil {
			return errorAnswer(err)
		}
		return messages.Envelope{Case: messages.AnswerGetMember, Payload: raw}

	case messages.QueryChatMembers:
		var cq messages.ChatMembersQuery
		if err := query.Decode(&cq); err != nil {
			return errorAnswer(err)
		}
		raw, err := m.admin.GetWorldChatMembers(ctx, d.RoomID, cq.SearchText)
		if err != nil {
			return errorAnswer(err)
		}
		return messages.Envelope{Case: messages.AnswerChatMembers, Payload: raw}

	case messages.QueryEmbeddableWebsite:
		var eq messages.EmbeddableWebsiteQuery
		if err := query.Decode(&eq); err != nil {
			return errorAnswer(err)
		}
		embeddable, reason := m.embed.Embeddable(ctx, eq.URL)
		return messages.MustWrap(messages.AnswerEmbeddableWebsite, messages.EmbeddableWebsiteAnswer{
			URL:        eq.URL,
			Embeddable: embeddable,
			Message:    reason,
		})

	case messages.QueryOauthRefreshToken:
		var oq messages.OauthRefreshTokenQuery
		if err := query.Decode(&oq); err != nil {
			return errorAnswer(err)
		}
		raw, err := m.admin.RefreshOauthToken(ctx, oq.Token)
		if err != nil {
			return errorAnswer(err)
		}
		return messages.Envelope{Case: messages.AnswerOauthRefreshToken, Payload: raw}

	default:
		return errorAnswer(fmt.Errorf("unknown query %q", query.Case))
	}
}

func errorAnswer(err error) messages.Envelope {
	return messages.MustWrap(messages.AnswerError, messages.ErrorMessage{Message: err.Error()})
}

// RoomCount reports the number of live rooms.
func (m *SessionMultiplexer) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// SpaceCount reports the number of live spaces.
func (m *SessionMultiplexer) SpaceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spaces)
}

// SpaceStreamCount reports the number of shared back streams.
func (m *SessionMultiplexer) SpaceStreamCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.spaceStreams)
}

// roomFor returns the ready room for the url, or nil.
func (m *SessionMultiplexer) roomFor(url string) *Room {
	m.mu.Lock()
	entry, exists := m.rooms[url]
	m.mu.Unlock()

	if !exists {
		return nil
	}
	<-entry.ready
	return entry.room
}

// spaceFor returns the space with the given name, or nil.
func (m *SessionMultiplexer) spaceFor(name string) *Space {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spaces[name]
}

/*
getOrCreateRoom returns the room for the url, creating it when absent.
The pending entry is stored synchronously under the lock, so two
concurrent joins to the same url converge on one creation.
*/
func (m *SessionMultiplexer) getOrCreateRoom(url string) (*Room, error) {
	m.mu.Lock()
	if entry, exists := m.rooms[url]; exists {
		m.mu.Unlock()
		<-entry.ready
		return entry.room, entry.err
	}

	entry := &roomEntry{ready: make(chan struct{})}
	m.rooms[url] = entry
	m.mu.Unlock()

	entry.room = NewRoom(url, m.zoneListener(), m.log)
	m.gauges.RoomsAdd(1)
	close(entry.ready)

	return entry.room, nil
}

func (m *SessionMultiplexer) deleteRoomIfEmpty(room *Room) {
	if !room.IsEmpty() {
		return
	}

	m.mu.Lock()
	entry, exists := m.rooms[room.URL()]
	if exists && entry.room == room && room.IsEmpty() {
		delete(m.rooms, room.URL())
	} else {
		exists = false
	}
	m.mu.Unlock()

	if exists {
		room.Close()
		m.gauges.RoomsAdd(-1)
	}
}

/*
getOrCreateSpace returns the named space, creating it and announcing the
watch to the owning back on first use.
*/
func (m *SessionMultiplexer) getOrCreateSpace(ctx context.Context, spaceName, localName string) (*Space, error) {
	m.mu.Lock()
	if space, exists := m.spaces[spaceName]; exists {
		m.mu.Unlock()
		return space, nil
	}
	m.mu.Unlock()

	backID := m.directory.Index(spaceName)
	stream, err := m.getOrCreateSpaceStream(ctx, backID, spaceName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if space, exists := m.spaces[spaceName]; exists {
		m.mu.Unlock()
		return space, nil
	}
	space := NewSpace(spaceName, localName, backID, stream, m.log)
	m.spaces[spaceName] = space
	m.mu.Unlock()
	m.gauges.SpacesAdd(1)

	if err := stream.Send(messages.MustWrap(messages.CaseJoinSpace, messages.JoinSpaceMessage{
		SpaceName: spaceName,
		LocalName: localName,
	})); err != nil {
		m.log.Warn().Err(err).Str("space", spaceName).Msg("cannot announce space watch to back")
	}

	return space, nil
}

/*
getOrCreateSpaceStream returns the shared stream for the back, creating
it when absent.  The pending entry is stored synchronously so concurrent
joiners of different spaces on the same back converge on one connection;
on creation failure the entry is removed so the next joiner retries.
*/
func (m *SessionMultiplexer) getOrCreateSpaceStream(ctx context.Context, backID int, spaceName string) (*SpaceStream, error) {
	m.mu.Lock()
	if entry, exists := m.spaceStreams[backID]; exists {
		m.mu.Unlock()
		<-entry.ready
		if entry.err != nil {
			return nil, entry.err
		}
		return entry.stream, nil
	}

	entry := &spaceStreamEntry{ready: make(chan struct{})}
	m.spaceStreams[backID] = entry
	m.mu.Unlock()

	entry.stream, entry.err = m.openSpaceStream(ctx, spaceName)
	if entry.err != nil {
		m.mu.Lock()
		delete(m.spaceStreams, backID)
		m.mu.Unlock()
	} else {
		m.gauges.SpaceStreamsAdd(1)
	}
	close(entry.ready)

	if entry.err != nil {
		return nil, entry.err
	}
	return entry.stream, nil
}

func (m *SessionMultiplexer) openSpaceStream(ctx context.Context, spaceName string) (*SpaceStream, error) {
	backID, backClient, err := m.directory.GetSpaceClient(spaceName)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve back for space %q: %w", spaceName, err)
	}
	stream, err := backClient.WatchSpace(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot open space stream to back %d: %w", backID, err)
	}

	ss := newSpaceStream(backID, stream, m)
	go ss.run()
	return ss, nil
}

/*
deleteSpaceIfEmpty removes an empty space and disposes the shared back
stream when no other space references its back.  Stream disposal is
refcounted implicitly via the space-set cardinality.
*/
func (m *SessionMultiplexer) deleteSpaceIfEmpty(space *Space) {
	if !space.IsEmpty() {
		return
	}

	m.mu.Lock()
	if current, exists := m.spaces[space.Name()]; !exists || current != space || !space.IsEmpty() {
		m.mu.Unlock()
		return
	}
	delete(m.spaces, space.Name())

	backInUse := false
	for _, s := range m.spaces {
		if s.BackID() == space.BackID() {
			backInUse = true
			break
		}
	}
	var stream *SpaceStream
	if !backInUse {
		if entry, exists := m.spaceStreams[space.BackID()]; exists {
			delete(m.spaceStreams, space.BackID())
			stream = entry.stream
		}
	}
	m.mu.Unlock()

	m.gauges.SpacesAdd(-1)

	if err := space.SendToBack(messages.MustWrap(messages.CaseLeaveSpace, messages.LeaveSpaceMessage{
		SpaceName: space.Name(),
	})); err != nil {
		m.log.Debug().Err(err).Str("space", space.Name()).Msg("cannot announce space unwatch to back")
	}

	if stream != nil {
		stream.Close()
		m.gauges.SpaceStreamsAdd(-1)
	}
}

/*
spaceStreamLost tears a shared stream down after an end, an error or a
watchdog expiry: the stream entry is dropped and every space on that back
is evicted, since it became unreachable.  Client sockets stay open;
subsequent writes surface as client-level errors.
*/
func (m *SessionMultiplexer) spaceStreamLost(ss *SpaceStream) {
	ss.Close()

	m.mu.Lock()
	if entry, exists := m.spaceStreams[ss.backID]; exists && entry.stream == ss {
		delete(m.spaceStreams, ss.backID)
		m.gauges.SpaceStreamsAdd(-1)
	}
	var evicted []*Space
	for name, s := range m.spaces {
		if s.BackID() == ss.backID {
			delete(m.spaces, name)
			evicted = append(evicted, s)
		}
	}
	m.mu.Unlock()

	for _, s := range evicted {
		m.gauges.SpacesAdd(-1)
		m.log.Warn().Str("space", s.Name()).Int("back", ss.backID).
			Msg("space evicted after back stream loss")
	}
}

/*
roomJoined applies the snooped roomJoinedMessage: the back-assigned user
id is captured and the current viewport is re-issued to force an initial
zone computation.
*/
func (m *SessionMultiplexer) roomJoined(c Client, rs *RoomStream, msg messages.RoomJoinedMessage) {
	d := c.Data()
	d.UserID = msg.CurrentUserID
	d.SpaceUser.ID = msg.CurrentUserID
	d.CanEdit = msg.CanEdit
	if len(msg.Tags) > 0 {
		d.Tags = msg.Tags
	}

	if err := rs.Send(messages.MustWrap(messages.CaseViewport, d.Viewport)); err != nil {
		m.log.Debug().Err(err).Str("client", c.ID()).Msg("cannot re-issue viewport after join")
	}
}

/*
roomStreamClosed handles the loss of a client's room stream: unless the
client is already disconnecting, its socket is closed with code 1011.
*/
func (m *SessionMultiplexer) roomStreamClosed(c Client, err error) {
	d := c.Data()
	if d.Disconnecting {
		return
	}

	if !isStreamEnd(err) {
		m.log.Error().Err(err).Str("client", c.ID()).Str("room", d.RoomID).
			Msg("room stream failed")
	}
	c.Close(CloseBackError, "connection to back server lost")
}

func (m *SessionMultiplexer) unknownSpaceError(c Client, spaceName string) error {
	d := c.Data()
	known := append([]string(nil), d.Spaces...)
	sort.Strings(known)
	return fmt.Errorf("client %q is not in space %q; known spaces: [%s]",
		c.ID(), spaceName, strings.Join(known, ", "))
}

// zoneListener adapts the batch emitter to the ZoneEventListener the
// rooms call back on.
func (m *SessionMultiplexer) zoneListener() ZoneEventListener {
	return batchListener{batch: m.batch}
}

// batchListener delivers zone events through the per-client batch queue.
type batchListener struct {
	batch *BatchEmitter
}

func (l batchListener) OnUserEnters(c Client, user messages.UserDescription) {
	l.batch.Emit(c, messages.MustWrap(messages.CaseUserJoined, user))
}

func (l batchListener) OnUserMoves(c Client, userID int32, position messages.PositionMessage) {
	l.batch.Emit(c, messages.MustWrap(messages.CaseUserMoved, messages.UserMovedMessage{
		UserID:   userID,
		Position: position,
	}))
}

func (l batchListener) OnUserLeaves(c Client, userID int32) {
	l.batch.Emit(c, messages.MustWrap(messages.CaseUserLeft, messages.UserLeftMessage{UserID: userID}))
}

func (l batchListener) OnGroupEnters(c Client, group messages.GroupUpdateMessage) {
	l.batch.Emit(c, messages.MustWrap(messages.CaseGroupUpdate, group))
}

// Group moves are encoded as groupUpdate; the protocol has no separate
// move event.
func (l batchListener) OnGroupMoves(c Client, group messages.GroupUpdateMessage) {
	l.batch.Emit(c, messages.MustWrap(messages.CaseGroupUpdate, group))
}

func (l batchListener) OnGroupLeaves(c Client, groupID int32) {
	l.batch.Emit(c, messages.MustWrap(messages.CaseGroupDelete, messages.GroupDeleteMessage{GroupID: groupID}))
}

func (l batchListener) OnEmote(c Client, emote messages.EmoteEventMessage) {
	l.batch.Emit(c, messages.MustWrap(messages.CaseEmoteEvent, emote))
}

func (l batchListener) OnPlayerDetailsUpdated(c Client, update messages.PlayerDetailsUpdatedMessage) {
	l.batch.Emit(c, messages.MustWrap(messages.CasePlayerDetailsUpdated, update))
}

func (l batchListener) OnError(c Client, message string) {
	l.batch.Emit(c, messages.MustWrap(messages.CaseError, messages.ErrorMessage{Message: message}))
}

func (m *SessionMultiplexer) mirrorFilterAdd(d *SocketData, f messages.SpaceFilter) {
	if d.SpacesFilters == nil {
		d.SpacesFilters = make(map[string][]messages.SpaceFilter)
	}
	list := d.SpacesFilters[f.SpaceName]
	for i := range list {
		if list[i].Name == f.Name {
			list[i] = f
			d.SpacesFilters[f.SpaceName] = list
			return
		}
	}
	d.SpacesFilters[f.SpaceName] = append(list, f)
}

func (m *SessionMultiplexer) mirrorFilterUpdate(d *SocketData, f messages.SpaceFilter) {
	list := d.SpacesFilters[f.SpaceName]
	for i := range list {
		if list[i].Name == f.Name {
			list[i] = f
			return
		}
	}
}
