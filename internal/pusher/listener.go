package pusher

import "github.com/bryanhonof/workadventure/pkg/messages"

/*
ZoneEventListener receives the per-client zone events a room emits while
clients and groups cross viewport boundaries.  The multiplexer implements
it on top of the batch emitter.

For a given client the room guarantees that an enter event precedes any
move event for the same entity, and that a leave event is the last event
for that entity until another enter is observed.
*/
type ZoneEventListener interface {
	OnUserEnters(c Client, user messages.UserDescription)
	OnUserMoves(c Client, userID int32, position messages.PositionMessage)
	OnUserLeaves(c Client, userID int32)

	OnGroupEnters(c Client, group messages.GroupUpdateMessage)
	OnGroupMoves(c Client, group messages.GroupUpdateMessage)
	OnGroupLeaves(c Client, groupID int32)

	OnEmote(c Client, emote messages.EmoteEventMessage)
	OnPlayerDetailsUpdated(c Client, update messages.PlayerDetailsUpdatedMessage)
	OnError(c Client, message string)
}
