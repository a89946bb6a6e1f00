package pusher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanhonof/workadventure/pkg/messages"
)

func TestTwoClientsOneRoom(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	b := newFakeClient("b", "room/x")

	if err := mux.HandleJoinRoom(context.Background(), a); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if err := mux.HandleJoinRoom(context.Background(), b); err != nil {
		t.Fatalf("join b: %v", err)
	}

	if got := mux.RoomCount(); got != 1 {
		t.Fatalf("expected 1 room, got %d", got)
	}
	room := mux.roomFor("room/x")
	if got := room.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients in room, got %d", got)
	}
	if got := dir.backs[0].roomStreamCount(); got != 2 {
		t.Fatalf("expected one room stream per client, got %d", got)
	}
	for _, s := range dir.backs[0].roomStreams {
		if got := len(s.sentFrames(messages.CaseJoinRoom)); got != 1 {
			t.Fatalf("expected one joinRoomMessage per stream, got %d", got)
		}
	}

	mux.Disconnect(a)
	if got := mux.RoomCount(); got != 1 {
		t.Fatalf("room must survive while b is connected, got %d rooms", got)
	}
	if got := room.ClientCount(); got != 1 {
		t.Fatalf("expected 1 remaining client, got %d", got)
	}

	mux.Disconnect(b)
	if got := mux.RoomCount(); got != 0 {
		t.Fatalf("empty room must be deleted, got %d rooms", got)
	}
}

func TestSpaceMultiplexingSharesBackStream(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	b := newFakeClient("b", "room/x")
	a.data.SpaceUser.ID = 1
	b.data.SpaceUser.ID = 2

	if err := mux.HandleJoinSpace(context.Background(), a, "space/s1", ""); err != nil {
		t.Fatalf("join s1: %v", err)
	}
	if err := mux.HandleJoinSpace(context.Background(), b, "space/s2", ""); err != nil {
		t.Fatalf("join s2: %v", err)
	}

	if got := dir.spaceClientCallCount(); got != 1 {
		t.Fatalf("expected one getSpaceClient call, got %d", got)
	}
	if got := dir.backs[0].spaceStreamCount(); got != 1 {
		t.Fatalf("expected one shared space stream, got %d", got)
	}
	stream := dir.backs[0].lastSpaceStream()
	if got := len(stream.sentFrames(messages.CaseJoinSpace)); got != 2 {
		t.Fatalf("expected two joinSpaceMessage writes, got %d", got)
	}
}

func TestPingWatchdogEvictsSpaces(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{SpacePingTimeout: 30 * time.Millisecond})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	a.data.SpaceUser.ID = 1
	if err := mux.HandleJoinSpace(context.Background(), a, "space/s", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	stream := dir.backs[0].lastSpaceStream()

	if !waitFor(time.Second, func() bool { return mux.SpaceStreamCount() == 0 }) {
		t.Fatal("shared stream was not disposed after watchdog expiry")
	}
	if got := mux.SpaceCount(); got != 0 {
		t.Fatalf("expected every space on the lost back to be evicted, got %d", got)
	}
	if !stream.isClosed() {
		t.Fatal("underlying stream must be ended")
	}
}

func TestPingIsAnsweredAndRearmsWatchdog(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{SpacePingTimeout: 60 * time.Millisecond})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	a.data.SpaceUser.ID = 1
	if err := mux.HandleJoinSpace(context.Background(), a, "space/s", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	stream := dir.backs[0].lastSpaceStream()

	// Keep pinging faster than the timeout; the stream must survive.
	for i := 0; i < 5; i++ {
		stream.push(messages.MustWrap(messages.CasePing, struct{}{}))
		time.Sleep(20 * time.Millisecond)
	}
	if got := mux.SpaceStreamCount(); got != 1 {
		t.Fatalf("pinged stream must stay alive, got %d streams", got)
	}
	if got := len(stream.sentFrames(messages.CasePong)); got == 0 {
		t.Fatal("every ping must be answered with a pong")
	}
}

func TestSetPlayerDetailsFieldMaskDiff(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	a.data.SpaceUser.ID = 7
	a.data.SpaceUser.AvailabilityStatus = 1
	a.data.SpaceUser.ChatID = "old"

	if err := mux.HandleJoinSpace(context.Background(), a, "space/s", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	stream := dir.backs[0].lastSpaceStream()

	err := mux.HandleSetPlayerDetails(context.Background(), a, messages.SetPlayerDetailsMessage{
		AvailabilityStatus: 1,
		ChatID:             "new",
	})
	if err != nil {
		t.Fatalf("set player details: %v", err)
	}

	updates := stream.sentFrames(messages.CaseUpdateSpaceUser)
	if len(updates) != 1 {
		t.Fatalf("expected exactly one updateUser broadcast, got %d", len(updates))
	}
	var m messages.UpdateSpaceUserMessage
	if err := updates[0].Decode(&m); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if len(m.UpdateMask) != 1 || m.UpdateMask[0] != "chatID" {
		t.Fatalf("expected mask [chatID], got %v", m.UpdateMask)
	}
	if m.User.ChatID != "new" {
		t.Fatalf("expected chatID new, got %q", m.User.ChatID)
	}

	// An identical resend produces no further broadcast.
	if err := mux.HandleSetPlayerDetails(context.Background(), a, messages.SetPlayerDetailsMessage{
		AvailabilityStatus: 1,
		ChatID:             "new",
	}); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if got := len(stream.sentFrames(messages.CaseUpdateSpaceUser)); got != 1 {
		t.Fatalf("empty diff must not broadcast, got %d updates", got)
	}
}

func TestAdminBroadcastToWorld(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := NewSessionMultiplexer(dir, &fakeAdmin{worldURLs: []string{"r1", "r2", "r3"}},
		fakeEmbed{}, Config{}, nil, zerolog.Nop())
	defer mux.Close()

	c := newFakeClient("c", "r1")
	c.data.Tags = []string{"admin"}

	err := mux.EmitPlayGlobalMessage(context.Background(), c, messages.PlayGlobalMessage{
		Type:             "message",
		Content:          "maintenance in 5 minutes",
		BroadcastToWorld: true,
	})
	if err != nil {
		t.Fatalf("play global: %v", err)
	}

	sent := dir.backs[0].adminToRoom
	if len(sent) != 3 {
		t.Fatalf("expected one sendAdminMessageToRoom per room, got %d", len(sent))
	}
	seen := map[string]bool{}
	for _, m := range sent {
		seen[m.RoomID] = true
		if m.Message != "maintenance in 5 minutes" {
			t.Fatalf("content not preserved: %q", m.Message)
		}
	}
	for _, room := range []string{"r1", "r2", "r3"} {
		if !seen[room] {
			t.Fatalf("room %q did not receive the broadcast", room)
		}
	}
}

func TestPlayGlobalRequiresAdminTag(t *testing.T) {
	dir := newFakeDirectory(1)
	admin := &fakeAdmin{}
	mux := NewSessionMultiplexer(dir, admin, fakeEmbed{}, Config{}, nil, zerolog.Nop())
	defer mux.Close()

	c := newFakeClient("c", "r1")
	if err := mux.EmitPlayGlobalMessage(context.Background(), c, messages.PlayGlobalMessage{
		Content: "nope",
	}); err == nil {
		t.Fatal("global broadcast without admin tag must fail")
	}

	mux.EmitBan(context.Background(), c, messages.BanUserMessage{UUID: "u"}, "r1")
	if got := len(dir.backs[0].bans); got != 0 {
		t.Fatalf("ban without admin tag must be rejected silently, got %d bans", got)
	}
	if got := len(admin.bannedUUIDs()); got != 0 {
		t.Fatalf("rejected ban must not reach the admin service, got %d", got)
	}
}

func TestBanReachesAdminServiceAndBack(t *testing.T) {
	dir := newFakeDirectory(1)
	admin := &fakeAdmin{}
	mux := NewSessionMultiplexer(dir, admin, fakeEmbed{}, Config{}, nil, zerolog.Nop())
	defer mux.Close()

	c := newFakeClient("c", "r1")
	c.data.Tags = []string{"admin"}

	mux.EmitBan(context.Background(), c, messages.BanUserMessage{
		UUID:    "u-1",
		Name:    "troll",
		Message: "bye",
	}, "r1")

	banned := admin.bannedUUIDs()
	if len(banned) != 1 || banned[0] != "u-1" {
		t.Fatalf("ban must be recorded at the admin service, got %v", banned)
	}
	bans := dir.backs[0].bans
	if len(bans) != 1 {
		t.Fatalf("ban must be relayed to the back, got %d", len(bans))
	}
	if bans[0].RecipientUUID != "u-1" || bans[0].Message != "bye" {
		t.Fatalf("ban content not preserved: %+v", bans[0])
	}
}

func TestConcurrentJoinRoomCreatesOneRoom(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	const n = 16
	var wg sync.WaitGroup
	clients := make([]*fakeClient, n)
	for i := 0; i < n; i++ {
		clients[i] = newFakeClient(fmt.Sprintf("c%d", i), "room/x")
	}

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(c *fakeClient) {
			defer wg.Done()
			if err := mux.HandleJoinRoom(context.Background(), c); err != nil {
				t.Errorf("join: %v", err)
			}
		}(clients[i])
	}
	wg.Wait()

	if got := mux.RoomCount(); got != 1 {
		t.Fatalf("expected exactly one room creation, got %d", got)
	}
	if got := mux.roomFor("room/x").ClientCount(); got != n {
		t.Fatalf("expected %d clients, got %d", n, got)
	}
}

func TestConcurrentJoinSpaceCreatesOneStream(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		c := newFakeClient(fmt.Sprintf("c%d", i), "room/x")
		c.data.SpaceUser.ID = int32(i + 1)
		name := fmt.Sprintf("space/s%d", i)
		go func() {
			defer wg.Done()
			if err := mux.HandleJoinSpace(context.Background(), c, name, ""); err != nil {
				t.Errorf("join space: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := dir.backs[0].spaceStreamCount(); got != 1 {
		t.Fatalf("expected exactly one shared stream creation, got %d", got)
	}
	if got := mux.SpaceCount(); got != n {
		t.Fatalf("expected %d spaces, got %d", n, got)
	}
}

func TestWatcherLinkInvariant(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	a.data.SpaceUser.ID = 1

	for _, name := range []string{"s1", "s2", "s3"} {
		if err := mux.HandleJoinSpace(context.Background(), a, name, ""); err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
	}

	// Every space the client lists must list the client back.
	for _, name := range a.data.Spaces {
		space := mux.spaceFor(name)
		if space == nil {
			t.Fatalf("space %q missing", name)
		}
		space.mu.Lock()
		_, watching := space.watchers[a.ID()]
		space.mu.Unlock()
		if !watching {
			t.Fatalf("client listed in %q but not watching it", name)
		}
	}

	mux.LeaveSpaces(a)
	if len(a.data.Spaces) != 0 {
		t.Fatalf("expected no spaces after leaveSpaces, got %v", a.data.Spaces)
	}
	if got := mux.SpaceCount(); got != 0 {
		t.Fatalf("empty spaces must be deleted, got %d", got)
	}
	if got := mux.SpaceStreamCount(); got != 0 {
		t.Fatalf("unreferenced shared stream must be disposed, got %d", got)
	}
}

func TestSpaceStreamLossEvictsAllSpacesOnBack(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	a.data.SpaceUser.ID = 1
	for _, name := range []string{"s1", "s2"} {
		if err := mux.HandleJoinSpace(context.Background(), a, name, ""); err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
	}

	// Simulate the back dropping the shared stream.
	dir.backs[0].lastSpaceStream().CloseSend()

	if !waitFor(time.Second, func() bool { return mux.SpaceCount() == 0 }) {
		t.Fatal("spaces must be evicted after stream loss")
	}
	if got := mux.SpaceStreamCount(); got != 0 {
		t.Fatalf("stream entry must be cleared, got %d", got)
	}
	// The client socket itself is not closed.
	if a.closed {
		t.Fatal("client sockets must not be closed on space stream loss")
	}
}

func TestRoomStreamLossClosesClient(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	if err := mux.HandleJoinRoom(context.Background(), a); err != nil {
		t.Fatalf("join: %v", err)
	}

	dir.backs[0].lastRoomStream().CloseSend()

	if !waitFor(time.Second, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.closed
	}) {
		t.Fatal("client must be closed when its room stream ends")
	}
	if a.closeCode != CloseBackError {
		t.Fatalf("expected close code 1011, got %d", a.closeCode)
	}
}

func TestRoomJoinedSnoopCapturesUserID(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	a.data.Viewport = messages.Viewport{Left: 0, Bottom: 0, Right: 100, Top: 100}
	if err := mux.HandleJoinRoom(context.Background(), a); err != nil {
		t.Fatalf("join: %v", err)
	}

	stream := dir.backs[0].lastRoomStream()
	stream.push(messages.MustWrap(messages.CaseRoomJoined, messages.RoomJoinedMessage{
		CurrentUserID: 42,
		CanEdit:       true,
	}))

	// The join frame is forwarded after the snoop, so its arrival means
	// the captured fields are in place.
	if !waitFor(time.Second, func() bool {
		return len(a.frames(messages.CaseRoomJoined)) == 1
	}) {
		t.Fatal("roomJoinedMessage must be forwarded to the client")
	}
	if a.data.UserID != 42 {
		t.Fatal("back-assigned user id was not captured")
	}
	if a.data.SpaceUser.ID != 42 {
		t.Fatalf("space user id not updated, got %d", a.data.SpaceUser.ID)
	}
	if !a.data.CanEdit {
		t.Fatal("canEdit not captured")
	}
	if got := len(stream.sentFrames(messages.CaseViewport)); got != 1 {
		t.Fatalf("viewport must be re-issued after join, got %d", got)
	}
}

func TestRefreshRoomVersionSnoop(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	if err := mux.HandleJoinRoom(context.Background(), a); err != nil {
		t.Fatalf("join: %v", err)
	}
	stream := dir.backs[0].lastRoomStream()

	refresh := func(v int64) {
		stream.push(messages.MustWrap(messages.CaseRefreshRoom, messages.RefreshRoomMessage{
			RoomID:        "room/x",
			VersionNumber: v,
		}))
	}

	refresh(3)
	if !waitFor(time.Second, func() bool {
		return len(a.frames(messages.CaseRefreshRoom)) == 1
	}) {
		t.Fatal("fresh refresh must reach the client")
	}

	// Same and older versions are stale and swallowed.
	refresh(3)
	refresh(2)
	refresh(4)
	if !waitFor(time.Second, func() bool {
		return len(a.frames(messages.CaseRefreshRoom)) == 2
	}) {
		t.Fatal("newer refresh must reach the client")
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(a.frames(messages.CaseRefreshRoom)); got != 2 {
		t.Fatalf("stale refreshes must be swallowed, client saw %d", got)
	}
}

func TestUnknownSpaceErrorListsKnownSpaces(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	a.data.SpaceUser.ID = 1
	if err := mux.HandleJoinSpace(context.Background(), a, "known", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	err := mux.HandleLeaveSpace(a, "unknown")
	if err == nil {
		t.Fatal("leaving an unknown space must fail")
	}
	if want := `known spaces: [known]`; !strings.Contains(err.Error(), want) {
		t.Fatalf("error %q does not list known spaces", err)
	}
}

func TestPublicEventRequiresJoinCompleted(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	if err := mux.HandleJoinSpace(context.Background(), a, "s", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	err := mux.HandlePublicEvent(a, messages.PublicEventMessage{SpaceName: "s"})
	if err == nil {
		t.Fatal("public event before room join must fail")
	}

	a.data.UserID = 9
	if err := mux.HandlePublicEvent(a, messages.PublicEventMessage{SpaceName: "s"}); err != nil {
		t.Fatalf("public event: %v", err)
	}
	frames := dir.backs[0].lastSpaceStream().sentFrames(messages.CasePublicEvent)
	if len(frames) != 1 {
		t.Fatalf("expected one forwarded public event, got %d", len(frames))
	}
	var m messages.PublicEventMessage
	if err := frames[0].Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.SenderUserID != 9 {
		t.Fatalf("sender must be stamped, got %d", m.SenderUserID)
	}
}

func TestEditMapWithoutRightsSendsError(t *testing.T) {
	dir := newFakeDirectory(1)
	mux := newTestMux(dir, Config{})
	defer mux.Close()

	a := newFakeClient("a", "room/x")
	if err := mux.HandleJoinRoom(context.Background(), a); err != nil {
		t.Fatalf("join: %v", err)
	}

	cmd := messages.MustWrap(messages.CaseEditMapCommand, map[string]string{"op": "place"})
	if err := mux.HandleEditMapCommand(a, cmd); err != nil {
		t.Fatalf("edit without rights must be dropped, not failed: %v", err)
	}
	if got := len(a.frames(messages.CaseError)); got != 1 {
		t.Fatalf("expected an errorMessage frame, got %d", got)
	}
	if got := len(dir.backs[0].lastRoomStream().sentFrames(messages.CaseEditMapCommand)); got != 0 {
		t.Fatalf("command must not reach the back, got %d", got)
	}

	a.data.CanEdit = true
	if err := mux.HandleEditMapCommand(a, cmd); err != nil {
		t.Fatalf("edit with rights: %v", err)
	}
	if got := len(dir.backs[0].lastRoomStream().sentFrames(messages.CaseEditMapCommand)); got != 1 {
		t.Fatalf("command must be forwarded, got %d", got)
	}
}

func TestQueryAnswersAndDegradation(t *testing.T) {
	dir := newFakeDirectory(1)
	admin := &fakeAdmin{tags: []string{"guide"}}
	mux := NewSessionMultiplexer(dir, admin, fakeEmbed{}, Config{}, nil, zerolog.Nop())
	defer mux.Close()

	a := newFakeClient("a", "room/x")

	mux.HandleQuery(context.Background(), a, messages.QueryMessage{
		ID:    1,
		Query: messages.Envelope{Case: messages.QueryRoomTags},
	})
	answers := a.frames(messages.CaseAnswer)
	if len(answers) != 1 {
		t.Fatalf("expected one answer, got %d", len(answers))
	}
	var ans messages.AnswerMessage
	if err := answers[0].Decode(&ans); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if ans.ID != 1 || ans.Answer.Case != messages.AnswerRoomTags {
		t.Fatalf("unexpected answer %+v", ans)
	}

	// Tags failure degrades to an empty list, not an error.
	admin.tagsErr = fmt.Errorf("admin down")
	mux.HandleQuery(context.Background(), a, messages.QueryMessage{
		ID:    2,
		Query: messages.Envelope{Case: messages.QueryRoomTags},
	})
	answers = a.frames(messages.CaseAnswer)
	if err := answers[1].Decode(&ans); err != nil {
		t.Fatalf("decode degraded answer: %v", err)
	}
	if ans.Answer.Case != messages.AnswerRoomTags {
		t.Fatalf("tags failure must degrade, got %q", ans.Answer.Case)
	}
	var tags messages.RoomTagsAnswer
	if err := ans.Answer.Decode(&tags); err != nil {
		t.Fatalf("decode tags: %v", err)
	}
	if len(tags.Tags) != 0 {
		t.Fatalf("expected empty tags list, got %v", tags.Tags)
	}

	// Unknown queries answer an error.
	mux.HandleQuery(context.Background(), a, messages.QueryMessage{
		ID:    3,
		Query: messages.Envelope{Case: "bogusQuery"},
	})
	answers = a.frames(messages.CaseAnswer)
	if err := answers[2].Decode(&ans); err != nil {
		t.Fatalf("decode error answer: %v", err)
	}
	if ans.Answer.Case != messages.AnswerError {
		t.Fatalf("unknown query must answer an error, got %q", ans.Answer.Case)
	}
}
