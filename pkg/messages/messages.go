/*
Package messages declares the tagged-union frames exchanged between the
front clients, the pusher and the back servers.  Every frame is an Envelope
carrying the sub-message tag and the raw payload, so the pusher can forward
frames it does not understand without decoding them.
*/
package messages

import (
	"fmt"

	"github.com/goccy/go-json"
)

/*
Envelope is a single tagged frame.  The tag strings are the wire contract
shared with the back servers and must not be renamed.
*/
type Envelope struct {
	Case    string          `json:"$case"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Frames sent by clients.
const (
	CaseViewport          = "viewportMessage"
	CaseUserMoves         = "userMovesMessage"
	CaseSetPlayerDetails  = "setPlayerDetailsMessage"
	CaseJoinSpace         = "joinSpaceMessage"
	CaseLeaveSpace        = "leaveSpaceMessage"
	CaseAddSpaceFilter    = "addSpaceFilterMessage"
	CaseUpdateSpaceFilter = "updateSpaceFilterMessage"
	CaseRemoveSpaceFilter = "removeSpaceFilterMessage"
	CaseKickOffUser       = "kickOffUserMessage"
	CaseBanUser           = "banUserMessage"
	CaseSendUserMessage   = "sendUserMessage"
	CasePlayGlobal        = "playGlobalMessage"
	CaseQuery             = "queryMessage"
	CaseEditMapCommand    = "editMapCommandMessage"
	CaseReportPlayer      = "reportPlayerMessage"
)

// Frames exchanged with the back over the room stream.
const (
	CaseJoinRoom    = "joinRoomMessage"
	CaseRoomJoined  = "roomJoinedMessage"
	CaseRefreshRoom = "refreshRoomMessage"
	CaseGroupZone   = "groupUpdateZoneMessage"
	CaseGroupLeft   = "groupLeftZoneMessage"
)

// Frames exchanged with the back over the shared space stream.
const (
	CaseAddSpaceUser        = "addSpaceUserMessage"
	CaseUpdateSpaceUser     = "updateSpaceUserMessage"
	CaseRemoveSpaceUser     = "removeSpaceUserMessage"
	CaseUpdateSpaceMetadata = "updateSpaceMetadataMessage"
	CasePing                = "pingMessage"
	CasePong                = "pongMessage"
	CaseKickOff             = "kickOffMessage"
	CasePublicEvent         = "publicEvent"
	CasePrivateEvent        = "privateEvent"
)

// Frames sent to clients, including the batch sub-message tags.
const (
	CaseBatch                = "batchMessage"
	CaseAnswer               = "answerMessage"
	CaseError                = "errorMessage"
	CaseUserJoined           = "userJoinedMessage"
	CaseUserMoved            = "userMovedMessage"
	CaseUserLeft             = "userLeftMessage"
	CaseGroupUpdate          = "groupUpdateMessage"
	CaseGroupDelete          = "groupDeleteMessage"
	CaseEmoteEvent           = "emoteEventMessage"
	CasePlayerDetailsUpdated = "playerDetailsUpdatedMessage"
)

/*
Wrap encodes the payload and wraps it into an envelope with the given tag.
*/
func Wrap(caseName string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("cannot encode %q payload: %w", caseName, err)
	}
	return Envelope{Case: caseName, Payload: raw}, nil
}

/*
MustWrap is Wrap for payloads assembled by the pusher itself, which always
encode.  Panics otherwise.
*/
func MustWrap(caseName string, payload any) Envelope {
	e, err := Wrap(caseName, payload)
	if err != nil {
		panic(err)
	}
	return e
}

/*
Decode unmarshals the envelope payload into v.
*/
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("cannot decode %q payload: %w", e.Case, err)
	}
	return nil
}

/*
Viewport is the rectangle of room coordinates a client currently sees.
*/
type Viewport struct {
	Left   int32 `json:"left"`
	Bottom int32 `json:"bottom"`
	Right  int32 `json:"right"`
	Top    int32 `json:"top"`
}

// IsZero reports whether the viewport was never set.
func (v Viewport) IsZero() bool {
	return v.Left == 0 && v.Bottom == 0 && v.Right == 0 && v.Top == 0
}

// Contains reports whether the point lies inside the viewport.
func (v Viewport) Contains(x, y int32) bool {
	return x >= v.Left && x <= v.Right && y >= v.Bottom && y <= v.Top
}

/*
PositionMessage is a player position inside a room.
*/
type PositionMessage struct {
	X         int32  `json:"x"`
	Y         int32  `json:"y"`
	Direction string `json:"direction,omitempty"`
	Moving    bool   `json:"moving,omitempty"`
}

type JoinRoomMessage struct {
	RoomID    string   `json:"roomId"`
	UserUUID  string   `json:"userUuid"`
	Name      string   `json:"name"`
	IPAddress string   `json:"ipAddress"`
	Tags      []string `json:"tags,omitempty"`
	Viewport  Viewport `json:"viewport"`
}

type RoomJoinedMessage struct {
	CurrentUserID int32    `json:"currentUserId"`
	Tags          []string `json:"tags,omitempty"`
	CanEdit       bool     `json:"canEdit"`
}

type RefreshRoomMessage struct {
	RoomID        string `json:"roomId"`
	VersionNumber int64  `json:"versionNumber"`
}

type UserMovesMessage struct {
	Position PositionMessage `json:"position"`
	Viewport Viewport        `json:"viewport"`
}

type SetPlayerDetailsMessage struct {
	AvailabilityStatus int32  `json:"availabilityStatus"`
	ChatID             string `json:"chatID"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

type JoinSpaceMessage struct {
	SpaceName string `json:"spaceName"`
	LocalName string `json:"localName,omitempty"`
}

type LeaveSpaceMessage struct {
	SpaceName string `json:"spaceName"`
}

type AddSpaceUserMessage struct {
	SpaceName string    `json:"spaceName"`
	User      SpaceUser `json:"user"`
}

type UpdateSpaceUserMessage struct {
	SpaceName  string    `json:"spaceName"`
	User       SpaceUser `json:"user"`
	UpdateMask FieldMask `json:"updateMask"`
}

type RemoveSpaceUserMessage struct {
	SpaceName string `json:"spaceName"`
	UserID    int32  `json:"userId"`
}

/*
UpdateSpaceMetadataMessage carries the metadata as an opaque JSON blob; the
receiving side parses it into a string-keyed object and drops the frame when
it does not parse.
*/
type UpdateSpaceMetadataMessage struct {
	SpaceName string          `json:"spaceName"`
	Metadata  json.RawMessage `json:"metadata"`
}

type KickOffMessage struct {
	SpaceName    string `json:"spaceName"`
	UserID       string `json:"userId"`
	SenderUserID int32  `json:"senderUserId,omitempty"`
}

type PublicEventMessage struct {
	SpaceName    string          `json:"spaceName"`
	SenderUserID int32           `json:"senderUserId"`
	Event        json.RawMessage `json:"event"`
}

type PrivateEventMessage struct {
	SpaceName      string          `json:"spaceName"`
	SenderUserID   int32           `json:"senderUserId"`
	ReceiverUserID int32           `json:"receiverUserId"`
	Event          json.RawMessage `json:"event"`
}

type AddSpaceFilterMessage struct {
	Filter SpaceFilter `json:"filter"`
}

type UpdateSpaceFilterMessage struct {
	Filter SpaceFilter `json:"filter"`
}

type RemoveSpaceFilterMessage struct {
	SpaceName  string `json:"spaceName"`
	FilterName string `json:"filterName"`
}

// Zone sub-messages, delivered to clients inside a batch frame.

type UserDescription struct {
	UserID             int32           `json:"userId"`
	UserUUID           string          `json:"userUuid"`
	Name               string          `json:"name"`
	Position           PositionMessage `json:"position"`
	AvailabilityStatus int32           `json:"availabilityStatus,omitempty"`
	ChatID             string          `json:"chatID,omitempty"`
}

type UserMovedMessage struct {
	UserID   int32           `json:"userId"`
	Position PositionMessage `json:"position"`
}

type UserLeftMessage struct {
	UserID int32 `json:"userId"`
}

type GroupUpdateMessage struct {
	GroupID   int32           `json:"groupId"`
	Position  PositionMessage `json:"position"`
	GroupSize int32           `json:"groupSize"`
	Locked    bool            `json:"locked,omitempty"`
}

type GroupDeleteMessage struct {
	GroupID int32 `json:"groupId"`
}

type EmoteEventMessage struct {
	ActorUserID int32  `json:"actorUserId"`
	Emote       string `json:"emote"`
}

type PlayerDetailsUpdatedMessage struct {
	UserID  int32                   `json:"userId"`
	Details SetPlayerDetailsMessage `json:"details"`
}

/*
BatchMessage coalesces several sub-message envelopes into one frame.
*/
type BatchMessage struct {
	Payload []Envelope `json:"payload"`
}

// Queries and answers, correlated by id.

type QueryMessage struct {
	ID    int64    `json:"id"`
	Query Envelope `json:"query"`
}

type AnswerMessage struct {
	ID     int64    `json:"id"`
	Answer Envelope `json:"answer"`
}

// Query tags.
const (
	QueryRoomTags           = "roomTagsQuery"
	QueryRoomsFromSameWorld = "roomsFromSameWorldQuery"
	QuerySearchMember       = "searchMemberQuery"
	QuerySearchTags         = "searchTagsQuery"
	QueryGetMember          = "getMemberQuery"
	QueryChatMembers        = "chatMembersQuery"
	QueryEmbeddableWebsite  = "embeddableWebsiteQuery"
	QueryOauthRefreshToken  = "oauthRefreshTokenQuery"
)

// Answer tags.
const (
	AnswerError              = "error"
	AnswerRoomTags           = "roomTagsAnswer"
	AnswerRoomsFromSameWorld = "roomsFromSameWorldAnswer"
	AnswerSearchMember       = "searchMemberAnswer"
	AnswerSearchTags         = "searchTagsAnswer"
	AnswerGetMember          = "getMemberAnswer"
	AnswerChatMembers        = "chatMembersAnswer"
	AnswerEmbeddableWebsite  = "embeddableWebsiteAnswer"
	AnswerOauthRefreshToken  = "oauthRefreshTokenAnswer"
)

type SearchMemberQuery struct {
	SearchText string `json:"searchText"`
}

type SearchTagsQuery struct {
	SearchText string `json:"searchText"`
}

type GetMemberQuery struct {
	UUID string `json:"uuid"`
}

type ChatMembersQuery struct {
	SearchText string `json:"searchText"`
}

type EmbeddableWebsiteQuery struct {
	URL string `json:"url"`
}

type OauthRefreshTokenQuery struct {
	Token string `json:"token"`
}

type RoomTagsAnswer struct {
	Tags []string `json:"tags"`
}

type RoomsFromSameWorldAnswer struct {
	RoomURLs []string `json:"roomUrls"`
}

type EmbeddableWebsiteAnswer struct {
	URL        string `json:"url"`
	Embeddable bool   `json:"embeddable"`
	Message    string `json:"message,omitempty"`
}

type OauthRefreshTokenAnswer struct {
	Token string `json:"token"`
}

// Admin unary payloads sent to the back.

type AdminMessage struct {
	RecipientUUID string `json:"recipientUuid"`
	RoomID        string `json:"roomId"`
	Message       string `json:"message"`
	Type          string `json:"type"`
}

type BanMessage struct {
	RecipientUUID string `json:"recipientUuid"`
	RoomID        string `json:"roomId"`
	Message       string `json:"message"`
	Type          string `json:"type"`
}

type AdminRoomMessage struct {
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type ReportPlayerMessage struct {
	ReportedUserUUID string `json:"reportedUserUuid"`
	ReportComment    string `json:"reportComment"`
}

type BanUserMessage struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

type SendUserMessage struct {
	UUID    string `json:"uuid"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

type PlayGlobalMessage struct {
	Type             string `json:"type"`
	Content          string `json:"content"`
	BroadcastToWorld bool   `json:"broadcastToWorld"`
}

/*
AdminEnvelope is the JSON text protocol spoken with administrative clients.
On an admin socket the envelope itself is the frame; on the internal fan-out
paths it travels wrapped under CaseAdminEnvelope and the admin socket layer
unwraps it before writing.
*/
type AdminEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CaseAdminEnvelope wraps an AdminEnvelope on internal fan-out paths.
const CaseAdminEnvelope = "adminEnvelope"

// MemberData describes one room member to administrative clients.
type MemberData struct {
	UUID      string `json:"uuid"`
	Name      string `json:"name"`
	IPAddress string `json:"ipAddress"`
	RoomID    string `json:"roomId"`
}

// Admin envelope types.
const (
	AdminMemberJoin  = "MemberJoin"
	AdminMemberLeave = "MemberLeave"
	AdminErrorType   = "Error"
)
