package messages

import "strings"

/*
SpaceUser is the presence record a client publishes into every space it
joins.  The back owns the canonical copy; the pusher keeps a mirror per
space and merges remote updates through field masks.
*/
type SpaceUser struct {
	ID                 int32    `json:"id"`
	UUID               string   `json:"uuid"`
	Name               string   `json:"name"`
	PlayURI            string   `json:"playUri"`
	RoomName           string   `json:"roomName"`
	Color              string   `json:"color"`
	Tags               []string `json:"tags"`
	AvailabilityStatus int32    `json:"availabilityStatus"`
	ChatID             string   `json:"chatID"`
	CameraState        bool     `json:"cameraState"`
	MicrophoneState    bool     `json:"microphoneState"`
	ScreenSharingState bool     `json:"screenSharingState"`
}

/*
FieldMask is an ordered list of dotted paths naming the fields an update
carries.  Fields not named by the mask keep their previous value.
*/
type FieldMask []string

// Contains reports whether the mask names the given path.
func (m FieldMask) Contains(path string) bool {
	for _, p := range m {
		if p == path {
			return true
		}
	}
	return false
}

/*
MergeSpaceUser copies the fields named by the mask from src into dst and
leaves every other field intact.  Unknown paths are ignored so newer backs
can extend the record without breaking older pushers.
*/
func MergeSpaceUser(dst *SpaceUser, src SpaceUser, mask FieldMask) {
	for _, path := range mask {
		switch path {
		case "name":
			dst.Name = src.Name
		case "playUri":
			dst.PlayURI = src.PlayURI
		case "roomName":
			dst.RoomName = src.RoomName
		case "color":
			dst.Color = src.Color
		case "tags":
			dst.Tags = src.Tags
		case "availabilityStatus":
			dst.AvailabilityStatus = src.AvailabilityStatus
		case "chatID":
			dst.ChatID = src.ChatID
		case "cameraState":
			dst.CameraState = src.CameraState
		case "microphoneState":
			dst.MicrophoneState = src.MicrophoneState
		case "screenSharingState":
			dst.ScreenSharingState = src.ScreenSharingState
		}
	}
}

/*
SpaceFilter is a named predicate a client installs on a space to subscribe
to a subset of its users.  A filter with no criteria admits everybody.
The name is unique within (client, space).
*/
type SpaceFilter struct {
	Name        string   `json:"name"`
	SpaceName   string   `json:"spaceName"`
	ContainName string   `json:"containName,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

/*
Matches reports whether the filter admits the user.  All set criteria must
hold: a ContainName filter requires the substring in the user name, a Tags
filter requires at least one shared tag.
*/
func (f SpaceFilter) Matches(u SpaceUser) bool {
	if f.ContainName != "" &&
		!strings.Contains(strings.ToLower(u.Name), strings.ToLower(f.ContainName)) {
		return false
	}
	if len(f.Tags) > 0 && !sharesTag(u.Tags, f.Tags) {
		return false
	}
	return true
}

func sharesTag(userTags, filterTags []string) bool {
	for _, ft := range filterTags {
		for _, ut := range userTags {
			if ft == ut {
				return true
			}
		}
	}
	return false
}
