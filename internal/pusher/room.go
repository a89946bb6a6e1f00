package pusher

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/pkg/messages"
)

type entityRef struct {
	group bool
	id    int32
}

type roomUser struct {
	desc messages.UserDescription
}

type roomGroup struct {
	update messages.GroupUpdateMessage
}

/*
Room is the per-room state: the set of connected clients, the viewport
index and the mirrored entity positions used to fan zone events out to
clients whose viewport overlaps.  User positions are mirrored from client
moves once they have been forwarded to the back; group positions are
mirrored from frames snooped off the room streams.
*/
type Room struct {
	url      string
	listener ZoneEventListener
	log      zerolog.Logger

	mu        sync.Mutex
	clients   map[string]Client
	admins    map[string]Client
	viewports map[string]messages.Viewport
	// visible tracks, per client, which entities already produced an
	// enter event.  It is what makes enter/move/leave ordering hold.
	visible map[string]map[entityRef]struct{}
	users   map[int32]*roomUser
	groups  map[int32]*roomGroup
	version int64
}

func NewRoom(url string, listener ZoneEventListener, log zerolog.Logger) *Room {
	return &Room{
		url:       url,
		listener:  listener,
		log:       log.With().Str("room", url).Logger(),
		clients:   make(map[string]Client),
		admins:    make(map[string]Client),
		viewports: make(map[string]messages.Viewport),
		visible:   make(map[string]map[entityRef]struct{}),
		users:     make(map[int32]*roomUser),
		groups:    make(map[int32]*roomGroup),
	}
}

// URL returns the room url, its primary key.
func (r *Room) URL() string {
	return r.url
}

/*
Join adds the client to the room.  Idempotent.  Administrative watchers
are notified about the new member.
*/
func (r *Room) Join(c Client) {
	r.mu.Lock()
	if _, exists := r.clients[c.ID()]; exists {
		r.mu.Unlock()
		return
	}
	r.clients[c.ID()] = c
	r.visible[c.ID()] = make(map[entityRef]struct{})
	admins := r.adminsLocked()
	r.mu.Unlock()

	r.notifyAdmins(admins, messages.AdminMemberJoin, c)
}

/*
Leave removes the client, its viewport and its visibility state, and
reports whether the client was present.  No error if absent.
*/
func (r *Room) Leave(c Client) bool {
	r.mu.Lock()
	_, existed := r.clients[c.ID()]
	delete(r.clients, c.ID())
	delete(r.viewports, c.ID())
	delete(r.visible, c.ID())
	admins := r.adminsLocked()
	r.mu.Unlock()

	if existed {
		r.notifyAdmins(admins, messages.AdminMemberLeave, c)
	}
	return existed
}

// IsEmpty reports whether neither a client nor an administrative watcher
// is registered on the room.
func (r *Room) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients) == 0 && len(r.admins) == 0
}

/*
NeedsUpdate returns true iff version is newer than the room's current
version number, and records it.  The version is monotone non-decreasing,
so stale refresh frames are ignored.
*/
func (r *Room) NeedsUpdate(version int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if version > r.version {
		r.version = version
		return true
	}
	return false
}

/*
SetViewport updates the client's viewport and recomputes its zone: enter
events for entities that came into view since the last update, leave
events for entities that left it.
*/
func (r *Room) SetViewport(c Client, vp messages.Viewport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[c.ID()]; !exists {
		return
	}
	r.viewports[c.ID()] = vp

	seen := r.visible[c.ID()]
	ownID := c.Data().UserID

	for id, u := range r.users {
		if id == ownID {
			continue
		}
		r.reconcileUser(c, seen, u, vp.Contains(u.desc.Position.X, u.desc.Position.Y))
	}
	for _, g := range r.groups {
		r.reconcileGroup(c, seen, g, vp.Contains(g.update.Position.X, g.update.Position.Y))
	}
}

/*
UpdateUser upserts the mirrored position and details of a room member and
fans enter/move/leave events out to every client whose viewport gained,
kept or lost the user.  The user's own client never receives events about
itself.
*/
func (r *Room) UpdateUser(desc messages.UserDescription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, exists := r.users[desc.UserID]
	if !exists {
		u = &roomUser{}
		r.users[desc.UserID] = u
	}
	u.desc = desc

	ref := entityRef{id: desc.UserID}
	for id, c := range r.clients {
		if c.Data().UserID == desc.UserID {
			continue
		}
		vp, hasVP := r.viewports[id]
		in := hasVP && vp.Contains(desc.Position.X, desc.Position.Y)
		seen := r.visible[id]
		_, was := seen[ref]

		switch {
		case in && !was:
			seen[ref] = struct{}{}
			r.listener.OnUserEnters(c, desc)
		case in && was:
			r.listener.OnUserMoves(c, desc.UserID, desc.Position)
		case !in && was:
			delete(seen, ref)
			r.listener.OnUserLeaves(c, desc.UserID)
		}
	}
}

/*
RemoveUser drops the mirrored member and emits a leave to every client
that could see it.
*/
func (r *Room) RemoveUser(userID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.users[userID]; !exists {
		return
	}
	delete(r.users, userID)

	ref := entityRef{id: userID}
	for id, c := range r.clients {
		seen := r.visible[id]
		if _, was := seen[ref]; was {
			delete(seen, ref)
			r.listener.OnUserLeaves(c, userID)
		}
	}
}

/*
UpdateGroup upserts a mirrored group and fans enter/move/leave events out
by viewport overlap, mirroring UpdateUser.
*/
func (r *Room) UpdateGroup(update messages.GroupUpdateMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, exists := r.groups[update.GroupID]
	if !exists {
		g = &roomGroup{}
		r.groups[update.GroupID] = g
	}
	g.update = update

	ref := entityRef{group: true, id: update.GroupID}
	for id, c := range r.clients {
		vp, hasVP := r.viewports[id]
		in := hasVP && vp.Contains(update.Position.X, update.Position.Y)
		seen := r.visible[id]
		_, was := seen[ref]

		switch {
		case in && !was:
			seen[ref] = struct{}{}
			r.listener.OnGroupEnters(c, update)
		case in && was:
			r.listener.OnGroupMoves(c, update)
		case !in && was:
			delete(seen, ref)
			r.listener.OnGroupLeaves(c, update.GroupID)
		}
	}
}

// DeleteGroup drops a mirrored group and emits a leave to clients seeing it.
func (r *Room) DeleteGroup(groupID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[groupID]; !exists {
		return
	}
	delete(r.groups, groupID)

	ref := entityRef{group: true, id: groupID}
	for id, c := range r.clients {
		seen := r.visible[id]
		if _, was := seen[ref]; was {
			delete(seen, ref)
			r.listener.OnGroupLeaves(c, groupID)
		}
	}
}

// Emote delivers an emote to every client currently seeing the actor.
func (r *Room) Emote(emote messages.EmoteEventMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref := entityRef{id: emote.ActorUserID}
	for id, c := range r.clients {
		if _, sees := r.visible[id][ref]; sees {
			r.listener.OnEmote(c, emote)
		}
	}
}

/*
UpdatePlayerDetails delivers a details update to every client currently
seeing the user and refreshes the mirrored description.
*/
func (r *Room) UpdatePlayerDetails(update messages.PlayerDetailsUpdatedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if u, exists := r.users[update.UserID]; exists {
		u.desc.AvailabilityStatus = update.Details.AvailabilityStatus
		if update.Details.ChatID != "" {
			u.desc.ChatID = update.Details.ChatID
		}
	}

	ref := entityRef{id: update.UserID}
	for id, c := range r.clients {
		if _, sees := r.visible[id][ref]; sees {
			r.listener.OnPlayerDetailsUpdated(c, update)
		}
	}
}

/*
JoinAdmin registers an administrative watcher and replays the current
member list as MemberJoin envelopes.
*/
func (r *Room) JoinAdmin(a Client) {
	r.mu.Lock()
	r.admins[a.ID()] = a
	members := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		members = append(members, c)
	}
	r.mu.Unlock()

	for _, c := range members {
		r.notifyAdmins([]Client{a}, messages.AdminMemberJoin, c)
	}
}

// LeaveAdmin removes an administrative watcher.
func (r *Room) LeaveAdmin(a Client) {
	r.mu.Lock()
	delete(r.admins, a.ID())
	r.mu.Unlock()
}

// Close releases the room state.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients = make(map[string]Client)
	r.admins = make(map[string]Client)
	r.viewports = make(map[string]messages.Viewport)
	r.visible = make(map[string]map[entityRef]struct{})
	r.users = make(map[int32]*roomUser)
	r.groups = make(map[int32]*roomGroup)
}

func (r *Room) reconcileUser(c Client, seen map[entityRef]struct{}, u *roomUser, in bool) {
	ref := entityRef{id: u.desc.UserID}
	_, was := seen[ref]

	switch {
	case in && !was:
		seen[ref] = struct{}{}
		r.listener.OnUserEnters(c, u.desc)
	case in && was:
		r.listener.OnUserMoves(c, u.desc.UserID, u.desc.Position)
	case !in && was:
		delete(seen, ref)
		r.listener.OnUserLeaves(c, u.desc.UserID)
	}
}

func (r *Room) reconcileGroup(c Client, seen map[entityRef]struct{}, g *roomGroup, in bool) {
	ref := entityRef{group: true, id: g.update.GroupID}
	_, was := seen[ref]

	switch {
	case in && !was:
		seen[ref] = struct{}{}
		r.listener.OnGroupEnters(c, g.update)
	case in && was:
		r.listener.OnGroupMoves(c, g.update)
	case !in && was:
		delete(seen, ref)
		r.listener.OnGroupLeaves(c, g.update.GroupID)
	}
}

func (r *Room) adminsLocked() []Client {
	admins := make([]Client, 0, len(r.admins))
	for _, a := range r.admins {
		admins = append(admins, a)
	}
	return admins
}

func (r *Room) notifyAdmins(admins []Client, envType string, member Client) {
	if len(admins) == 0 {
		return
	}

	d := member.Data()
	data := messages.MustWrap(messages.CaseAdminEnvelope, adminEnvelopeFor(envType, messages.MemberData{
		UUID:      d.UserUUID,
		Name:      d.Name,
		IPAddress: d.IPAddress,
		RoomID:    r.url,
	}))

	for _, a := range admins {
		if a.Data().Disconnecting {
			continue
		}
		if err := a.Send(data); err != nil {
			r.log.Debug().Err(err).Str("admin", a.ID()).Msg("cannot notify admin watcher")
		}
	}
}

func adminEnvelopeFor(envType string, member messages.MemberData) messages.AdminEnvelope {
	raw, _ := json.Marshal(member)
	return messages.AdminEnvelope{Type: envType, Data: raw}
}

// ClientCount returns the number of connected clients, admins excluded.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
