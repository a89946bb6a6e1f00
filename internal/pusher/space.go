package pusher

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/pkg/messages"
)

/*
BackWriter writes frames to a back server.  The shared space stream
implements it; tests substitute a recording fake.
*/
type BackWriter interface {
	Send(e messages.Envelope) error
}

/*
Space is the per-space state: the mirrored user list, the metadata, the
watcher set and the per-client filters.  A space lives on exactly one back
(backID is immutable) and shares that back's space stream with every other
space placed there.
*/
type Space struct {
	name      string
	localName string
	backID    int
	stream    BackWriter
	log       zerolog.Logger

	mu       sync.Mutex
	users    map[int32]messages.SpaceUser
	metadata map[string]any
	watchers map[string]Client
	filters  map[string][]messages.SpaceFilter
}

func NewSpace(name, localName string, backID int, stream BackWriter, log zerolog.Logger) *Space {
	return &Space{
		name:      name,
		localName: localName,
		backID:    backID,
		stream:    stream,
		log:       log.With().Str("space", name).Logger(),
		users:     make(map[int32]messages.SpaceUser),
		metadata:  make(map[string]any),
		watchers:  make(map[string]Client),
		filters:   make(map[string][]messages.SpaceFilter),
	}
}

// Name returns the globally unique space name.
func (s *Space) Name() string { return s.name }

// LocalName returns the client-facing alias the space was joined under.
func (s *Space) LocalName() string { return s.localName }

// BackID returns the index of the back this space lives on.
func (s *Space) BackID() int { return s.backID }

// AddClientWatcher registers a client for inbound space notifications.
func (s *Space) AddClientWatcher(c Client) {
	s.mu.Lock()
	s.watchers[c.ID()] = c
	s.mu.Unlock()
}

// RemoveClientWatcher unregisters the client and drops its filters.
func (s *Space) RemoveClientWatcher(c Client) {
	s.mu.Lock()
	delete(s.watchers, c.ID())
	delete(s.filters, c.ID())
	s.mu.Unlock()
}

// IsEmpty reports whether no client watches the space anymore.
func (s *Space) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers) == 0
}

/*
AddUser registers a user in the space and propagates it to the admitted
watchers.  A first-time registration is also announced to the back.
*/
func (s *Space) AddUser(user messages.SpaceUser, c Client) error {
	s.mu.Lock()
	_, existed := s.users[user.ID]
	s.users[user.ID] = user
	targets := s.admittedWatchersLocked(user)
	s.mu.Unlock()

	s.fanOut(targets, messages.MustWrap(messages.CaseAddSpaceUser, messages.AddSpaceUserMessage{
		SpaceName: s.name,
		User:      user,
	}))

	if existed {
		return nil
	}
	return s.stream.Send(messages.MustWrap(messages.CaseAddSpaceUser, messages.AddSpaceUserMessage{
		SpaceName: s.name,
		User:      user,
	}))
}

/*
LocalAddUser applies a remote-originated registration to the mirror and
fans it out to the watchers whose filters admit the user.
*/
func (s *Space) LocalAddUser(user messages.SpaceUser) {
	s.mu.Lock()
	s.users[user.ID] = user
	targets := s.admittedWatchersLocked(user)
	s.mu.Unlock()

	s.fanOut(targets, messages.MustWrap(messages.CaseAddSpaceUser, messages.AddSpaceUserMessage{
		SpaceName: s.name,
		User:      user,
	}))
}

/*
LocalUpdateUser merges the fields named by the mask into the mirrored user
and notifies watchers according to the visibility transition: a watcher
that could not see the user before the update receives an add, a watcher
that can no longer see it receives a remove, everyone else an update.
*/
func (s *Space) LocalUpdateUser(user messages.SpaceUser, mask messages.FieldMask) {
	s.mu.Lock()
	prev, existed := s.users[user.ID]
	merged := prev
	if !existed {
		merged = user
	} else {
		messages.MergeSpaceUser(&merged, user, mask)
	}
	s.users[user.ID] = merged

	type transition struct {
		c        Client
		was, now bool
	}
	transitions := make([]transition, 0, len(s.watchers))
	for id, c := range s.watchers {
		was := existed && s.admitsLocked(id, prev)
		now := s.admitsLocked(id, merged)
		if was || now {
			transitions = append(transitions, transition{c: c, was: was, now: now})
		}
	}
	s.mu.Unlock()

	addFrame := messages.MustWrap(messages.CaseAddSpaceUser, messages.AddSpaceUserMessage{
		SpaceName: s.name,
		User:      merged,
	})
	updateFrame := messages.MustWrap(messages.CaseUpdateSpaceUser, messages.UpdateSpaceUserMessage{
		SpaceName:  s.name,
		User:       merged,
		UpdateMask: mask,
	})
	removeFrame := messages.MustWrap(messages.CaseRemoveSpaceUser, messages.RemoveSpaceUserMessage{
		SpaceName: s.name,
		UserID:    user.ID,
	})

	for _, t := range transitions {
		switch {
		case !t.was && t.now:
			s.sendTo(t.c, addFrame)
		case t.was && t.now:
			s.sendTo(t.c, updateFrame)
		case t.was && !t.now:
			s.sendTo(t.c, removeFrame)
		}
	}
}

/*
UpdateUser applies a client-originated update: forwards it to the back and
mirrors it locally.
*/
func (s *Space) UpdateUser(user messages.SpaceUser, mask messages.FieldMask) error {
	err := s.stream.Send(messages.MustWrap(messages.CaseUpdateSpaceUser, messages.UpdateSpaceUserMessage{
		SpaceName:  s.name,
		User:       user,
		UpdateMask: mask,
	}))
	s.LocalUpdateUser(user, mask)
	return err
}

/*
RemoveUser drops the user locally, notifies the watchers that saw it and
announces the removal to the back.
*/
func (s *Space) RemoveUser(userID int32) error {
	s.localRemove(userID)
	return s.stream.Send(messages.MustWrap(messages.CaseRemoveSpaceUser, messages.RemoveSpaceUserMessage{
		SpaceName: s.name,
		UserID:    userID,
	}))
}

// LocalRemoveUser applies a remote-originated removal to the mirror.
func (s *Space) LocalRemoveUser(userID int32) {
	s.localRemove(userID)
}

func (s *Space) localRemove(userID int32) {
	s.mu.Lock()
	user, existed := s.users[userID]
	if !existed {
		s.mu.Unlock()
		return
	}
	delete(s.users, userID)
	targets := s.admittedWatchersLocked(user)
	s.mu.Unlock()

	s.fanOut(targets, messages.MustWrap(messages.CaseRemoveSpaceUser, messages.RemoveSpaceUserMessage{
		SpaceName: s.name,
		UserID:    userID,
	}))
}

/*
LocalUpdateMetadata merge-overwrites the top-level metadata keys.  With
propagate set (the default for remote updates) the new metadata snapshot
is fanned out to every watcher.
*/
func (s *Space) LocalUpdateMetadata(meta map[string]any, propagate bool) {
	s.mu.Lock()
	for k, v := range meta {
		s.metadata[k] = v
	}
	var targets []Client
	var frame messages.Envelope
	if propagate {
		targets = s.allWatchersLocked()
		frame = s.metadataFrameLocked()
	}
	s.mu.Unlock()

	if propagate {
		s.fanOut(targets, frame)
	}
}

// Metadata returns a copy of the current metadata.
func (s *Space) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		snapshot[k] = v
	}
	return snapshot
}

// MetadataFrame returns the current metadata as a ready-to-send frame.
func (s *Space) MetadataFrame() messages.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadataFrameLocked()
}

func (s *Space) metadataFrameLocked() messages.Envelope {
	raw, err := json.Marshal(s.metadata)
	if err != nil {
		s.log.Error().Err(err).Msg("cannot encode space metadata")
		raw = []byte("{}")
	}
	return messages.MustWrap(messages.CaseUpdateSpaceMetadata, messages.UpdateSpaceMetadataMessage{
		SpaceName: s.name,
		Metadata:  raw,
	})
}

/*
HandleAddFilter installs a filter for the client, replacing any filter
with the same name, and sends the client an add for every current user the
new filter admits.
*/
func (s *Space) HandleAddFilter(c Client, f messages.SpaceFilter) {
	s.mu.Lock()
	list := s.filters[c.ID()]
	replaced := false
	for i := range list {
		if list[i].Name == f.Name {
			list[i] = f
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, f)
	}
	s.filters[c.ID()] = list

	var admitted []messages.SpaceUser
	for _, u := range s.users {
		if f.Matches(u) {
			admitted = append(admitted, u)
		}
	}
	s.mu.Unlock()

	for _, u := range admitted {
		s.sendTo(c, messages.MustWrap(messages.CaseAddSpaceUser, messages.AddSpaceUserMessage{
			SpaceName: s.name,
			User:      u,
		}))
	}
}

/*
HandleUpdateFilter replaces the filter with the same name.  Users no
longer admitted by the updated filter produce a remove, newly admitted
ones an add.  An unknown filter name is logged and dropped.
*/
func (s *Space) HandleUpdateFilter(c Client, f messages.SpaceFilter) {
	s.mu.Lock()
	list := s.filters[c.ID()]
	idx := -1
	for i := range list {
		if list[i].Name == f.Name {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.log.Warn().Str("client", c.ID()).Str("filter", f.Name).
			Msg("update for unknown filter dropped")
		return
	}
	old := list[idx]
	list[idx] = f

	var added, removed []messages.SpaceUser
	for _, u := range s.users {
		was, now := old.Matches(u), f.Matches(u)
		switch {
		case !was && now:
			added = append(added, u)
		case was && !now:
			removed = append(removed, u)
		}
	}
	s.mu.Unlock()

	for _, u := range added {
		s.sendTo(c, messages.MustWrap(messages.CaseAddSpaceUser, messages.AddSpaceUserMessage{
			SpaceName: s.name,
			User:      u,
		}))
	}
	for _, u := range removed {
		s.sendTo(c, messages.MustWrap(messages.CaseRemoveSpaceUser, messages.RemoveSpaceUserMessage{
			SpaceName: s.name,
			UserID:    u.ID,
		}))
	}
}

// HandleRemoveFilter drops the named filter.  Idempotent.
func (s *Space) HandleRemoveFilter(c Client, filterName string) {
	s.mu.Lock()
	list := s.filters[c.ID()]
	for i := range list {
		if list[i].Name == filterName {
			s.filters[c.ID()] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

// SendPublicEvent fans a public event out to every watcher of the space.
func (s *Space) SendPublicEvent(evt messages.PublicEventMessage) {
	s.mu.Lock()
	targets := s.allWatchersLocked()
	s.mu.Unlock()

	s.fanOut(targets, messages.MustWrap(messages.CasePublicEvent, evt))
}

/*
SendPrivateEvent delivers a private event to the single watcher whose user
id matches the receiver.  Events for absent receivers are dropped.
*/
func (s *Space) SendPrivateEvent(evt messages.PrivateEventMessage) {
	s.mu.Lock()
	var target Client
	for _, c := range s.watchers {
		if c.Data().UserID == evt.ReceiverUserID {
			target = c
			break
		}
	}
	s.mu.Unlock()

	if target == nil {
		return
	}
	s.sendTo(target, messages.MustWrap(messages.CasePrivateEvent, evt))
}

// KickOffUser forwards a kick command to the back.
func (s *Space) KickOffUser(senderUserID int32, participantID string) error {
	return s.stream.Send(messages.MustWrap(messages.CaseKickOff, messages.KickOffMessage{
		SpaceName:    s.name,
		UserID:       participantID,
		SenderUserID: senderUserID,
	}))
}

// NotifyMe unicasts a frame to one watcher.
func (s *Space) NotifyMe(c Client, e messages.Envelope) {
	s.sendTo(c, e)
}

// SendToBack writes a frame on the shared back stream.
func (s *Space) SendToBack(e messages.Envelope) error {
	return s.stream.Send(e)
}

// Users returns a copy of the mirrored user list.
func (s *Space) Users() map[int32]messages.SpaceUser {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[int32]messages.SpaceUser, len(s.users))
	for id, u := range s.users {
		snapshot[id] = u
	}
	return snapshot
}

/*
admitsLocked applies the client's filters to the user.  A client without
filters sees everybody; with filters, any match admits.
*/
func (s *Space) admitsLocked(clientID string, u messages.SpaceUser) bool {
	list := s.filters[clientID]
	if len(list) == 0 {
		return true
	}
	for _, f := range list {
		if f.Matches(u) {
			return true
		}
	}
	return false
}

func (s *Space) admittedWatchersLocked(u messages.SpaceUser) []Client {
	targets := make([]Client, 0, len(s.watchers))
	for id, c := range s.watchers {
		if s.admitsLocked(id, u) {
			targets = append(targets, c)
		}
	}
	return targets
}

func (s *Space) allWatchersLocked() []Client {
	targets := make([]Client, 0, len(s.watchers))
	for _, c := range s.watchers {
		targets = append(targets, c)
	}
	return targets
}

func (s *Space) fanOut(targets []Client, e messages.Envelope) {
	for _, c := range targets {
		s.sendTo(c, e)
	}
}

func (s *Space) sendTo(c Client, e messages.Envelope) {
	if c.Data().Disconnecting {
		return
	}
	if err := c.Send(e); err != nil {
		s.log.Debug().Err(err).Str("client", c.ID()).Msg("cannot deliver space frame")
	}
}
