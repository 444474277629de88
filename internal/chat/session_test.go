package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func mustHandle(t *testing.T, session *Session, command Command) any {
	t.Helper()
	payload, err := session.Handle(context.Background(), command)
	if err != nil {
		t.Fatalf("%s failed: %v", command.EventName(), err)
	}
	return payload
}

func TestSessionScenarioJoinSendReact(t *testing.T) {
	env := newTestEngine(t)
	alice := mustSession(t, env.engine, "conn-a", "user-a", "Alice")
	bob := mustSession(t, env.engine, "conn-b", "user-b", "Bob")

	joinPayload := mustHandle(t, alice, JoinRoom{RoomCode: "ABC12345", UserID: "user-a", Username: "Alice"}).(JoinPayload)
	if joinPayload.Room.Code != "ABC12345" || len(joinPayload.ActiveUsers) != 1 {
		t.Fatalf("unexpected join payload %+v", joinPayload)
	}
	if alice.State() != StateJoined || alice.RoomCode() != "ABC12345" {
		t.Fatalf("expected alice to be joined")
	}

	sent := mustHandle(t, alice, SendMessage{RoomCode: "ABC12345", Message: OutgoingMessage{UserID: "user-a", Content: "hello"}}).(Message)
	if sent.Username != "Alice" {
		t.Fatalf("expected presence display name on message, got %q", sent.Username)
	}
	if countEvents(env.broadcaster.eventsFor("conn-a"), EventNewMessage) != 1 {
		t.Fatalf("expected sender to receive its own new_message")
	}

	env.broadcaster.reset()
	mustHandle(t, bob, JoinRoom{RoomCode: "ABC12345", Username: "Bob"})

	bobEvents := env.broadcaster.eventsFor("conn-b")
	if len(bobEvents) != 1 || bobEvents[0].Name != EventActiveUsers {
		t.Fatalf("expected only active_users for the joining connection, got %v", eventNames(bobEvents))
	}
	active := bobEvents[0].Data.([]PresenceEntry)
	if len(active) != 2 || active[0].UserID != "user-a" || active[1].UserID != "user-b" {
		t.Fatalf("unexpected active users %+v", active)
	}
	aliceEvents := env.broadcaster.eventsFor("conn-a")
	if len(aliceEvents) != 1 || aliceEvents[0].Name != EventUserJoined {
		t.Fatalf("expected user_joined for alice, got %v", eventNames(aliceEvents))
	}

	history, err := env.store.ListMessages(context.Background(), joinPayload.Room.ID, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hello" || history[0].Username != "Alice" {
		t.Fatalf("unexpected history %+v", history)
	}

	env.broadcaster.reset()
	mustHandle(t, bob, AddReaction{RoomCode: "ABC12345", MessageID: sent.ID, ReactionType: "thumbsup"})
	aliceEvents = env.broadcaster.eventsFor("conn-a")
	if len(aliceEvents) != 1 || aliceEvents[0].Name != EventReactionAdded {
		t.Fatalf("expected reaction_added for alice, got %v", eventNames(aliceEvents))
	}
	added := aliceEvents[0].Data.(ReactionAddedPayload)
	if added.MessageID != sent.ID || added.Reaction.UserID != "user-b" {
		t.Fatalf("unexpected reaction payload %+v", added)
	}

	env.broadcaster.reset()
	_, err = bob.Handle(context.Background(), AddReaction{RoomCode: "ABC12345", MessageID: sent.ID, ReactionType: "thumbsup"})
	if !errors.Is(err, ErrDuplicateReaction) {
		t.Fatalf("expected duplicate reaction, got %v", err)
	}
	if len(env.broadcaster.eventsFor("conn-a")) != 0 || len(env.broadcaster.eventsFor("conn-b")) != 0 {
		t.Fatalf("errors must not be broadcast")
	}
}

func TestSessionRejectsRoomCommandsWhileUnjoined(t *testing.T) {
	env := newTestEngine(t)
	session := mustSession(t, env.engine, "conn-a", "user-a", "Alice")

	commands := []Command{
		LeaveRoom{RoomCode: "ROOM0001"},
		SendMessage{RoomCode: "ROOM0001", Message: OutgoingMessage{Content: "hi"}},
		EditMessage{RoomCode: "ROOM0001", MessageID: 1, Content: "x"},
		DeleteMessage{RoomCode: "ROOM0001", MessageID: 1},
		AddReaction{RoomCode: "ROOM0001", MessageID: 1, ReactionType: "heart"},
		RemoveReaction{RoomCode: "ROOM0001", MessageID: 1, ReactionType: "heart"},
		Typing{RoomCode: "ROOM0001"},
		StopTyping{RoomCode: "ROOM0001"},
	}
	for _, command := range commands {
		if _, err := session.Handle(context.Background(), command); !errors.Is(err, ErrNotJoined) {
			t.Fatalf("%s: expected not joined, got %v", command.EventName(), err)
		}
	}
}

func TestSessionRejectsCommandsForAnotherRoomOrUser(t *testing.T) {
	env := newTestEngine(t)
	session := mustSession(t, env.engine, "conn-a", "user-a", "Alice")
	mustHandle(t, session, JoinRoom{RoomCode: "ROOM0001"})

	_, err := session.Handle(context.Background(), SendMessage{RoomCode: "ROOM0002", Message: OutgoingMessage{Content: "hi"}})
	if !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected not joined for foreign room, got %v", err)
	}
	_, err = session.Handle(context.Background(), SendMessage{RoomCode: "ROOM0001", Message: OutgoingMessage{UserID: "user-b", Content: "hi"}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for spoofed user, got %v", err)
	}
	_, err = session.Handle(context.Background(), SendMessage{RoomCode: "ROOM0001", Message: OutgoingMessage{Content: "   "}})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for blank content, got %v", err)
	}
}

func TestSessionEditAndDeleteAuthorization(t *testing.T) {
	env := newTestEngine(t)
	alice := mustSession(t, env.engine, "conn-a", "user-a", "Alice")
	bob := mustSession(t, env.engine, "conn-b", "user-b", "Bob")
	mustHandle(t, alice, JoinRoom{RoomCode: "ROOM0001"})
	mustHandle(t, bob, JoinRoom{RoomCode: "ROOM0001"})
	sent := mustHandle(t, alice, SendMessage{Message: OutgoingMessage{Content: "draft"}}).(Message)

	env.broadcaster.reset()
	if _, err := bob.Handle(context.Background(), EditMessage{MessageID: sent.ID, Content: "mine now"}); !errors.Is(err, ErrNotFoundOrUnauthorized) {
		t.Fatalf("expected unauthorized edit, got %v", err)
	}
	if _, err := bob.Handle(context.Background(), DeleteMessage{MessageID: sent.ID}); !errors.Is(err, ErrNotFoundOrUnauthorized) {
		t.Fatalf("expected unauthorized delete, got %v", err)
	}
	if len(env.broadcaster.eventsFor("conn-a")) != 0 {
		t.Fatalf("authorization failures must not be broadcast")
	}

	edited := mustHandle(t, alice, EditMessage{MessageID: sent.ID, Content: "final"}).(Message)
	if !edited.IsEdited || edited.EditedAt == nil {
		t.Fatalf("expected edited message, got %+v", edited)
	}
	if countEvents(env.broadcaster.eventsFor("conn-b"), EventMessageEdited) != 1 {
		t.Fatalf("expected message_edited broadcast to bob")
	}

	mustHandle(t, alice, DeleteMessage{MessageID: sent.ID})
	bobEvents := env.broadcaster.eventsFor("conn-b")
	last := bobEvents[len(bobEvents)-1]
	if last.Name != EventMessageDeleted || last.Data.(MessageDeletedPayload).MessageID != sent.ID {
		t.Fatalf("expected message_deleted with id, got %+v", last)
	}
}

func TestSessionTypingIsNotEchoedToSender(t *testing.T) {
	env := newTestEngine(t)
	alice := mustSession(t, env.engine, "conn-a", "user-a", "Alice")
	bob := mustSession(t, env.engine, "conn-b", "user-b", "Bob")
	mustHandle(t, alice, JoinRoom{RoomCode: "ROOM0001"})
	mustHandle(t, bob, JoinRoom{RoomCode: "ROOM0001"})
	env.broadcaster.reset()

	mustHandle(t, alice, Typing{RoomCode: "ROOM0001"})
	mustHandle(t, alice, StopTyping{RoomCode: "ROOM0001"})

	if len(env.broadcaster.eventsFor("conn-a")) != 0 {
		t.Fatalf("typing indicators must not be echoed to the sender")
	}
	names := eventNames(env.broadcaster.eventsFor("conn-b"))
	if len(names) != 2 || names[0] != EventUserTyping || names[1] != EventUserStopTyping {
		t.Fatalf("unexpected events for bob %v", names)
	}
	typing := env.broadcaster.eventsFor("conn-b")[0].Data.(UserTypingPayload)
	if typing.Username != "Alice" {
		t.Fatalf("expected presence display name on typing indicator, got %q", typing.Username)
	}
}

func TestSessionLeaveRemovesPresenceAndMembership(t *testing.T) {
	env := newTestEngine(t)
	alice := mustSession(t, env.engine, "conn-a", "user-a", "Alice")
	bob := mustSession(t, env.engine, "conn-b", "user-b", "Bob")
	joined := mustHandle(t, alice, JoinRoom{RoomCode: "ROOM0001"}).(JoinPayload)
	mustHandle(t, bob, JoinRoom{RoomCode: "ROOM0001"})
	env.broadcaster.reset()

	mustHandle(t, alice, LeaveRoom{RoomCode: "ROOM0001", UserID: "user-a"})

	if alice.State() != StateUnjoined {
		t.Fatalf("expected alice to be unjoined")
	}
	active := env.tracker.List("ROOM0001")
	if len(active) != 1 || active[0].UserID != "user-b" {
		t.Fatalf("unexpected active users %+v", active)
	}
	bobEvents := env.broadcaster.eventsFor("conn-b")
	if len(bobEvents) != 1 || bobEvents[0].Name != EventUserLeft {
		t.Fatalf("expected user_left for bob, got %v", eventNames(bobEvents))
	}
	counts, err := env.store.CountMembers(context.Background(), []uint{joined.Room.ID})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts[joined.Room.ID] != 1 {
		t.Fatalf("expected one remaining member, got %d", counts[joined.Room.ID])
	}
}

func TestSessionCloseCleansUpAfterAbruptDisconnect(t *testing.T) {
	env := newTestEngine(t)
	alice := mustSession(t, env.engine, "conn-a", "user-a", "Alice")
	bob := mustSession(t, env.engine, "conn-b", "user-b", "Bob")
	joined := mustHandle(t, alice, JoinRoom{RoomCode: "ROOM0001"}).(JoinPayload)
	mustHandle(t, bob, JoinRoom{RoomCode: "ROOM0001"})
	env.broadcaster.reset()

	alice.Close(context.Background())

	for _, entry := range env.tracker.List("ROOM0001") {
		if entry.ConnectionID == "conn-a" {
			t.Fatalf("expected disconnected connection to be removed from presence")
		}
	}
	bobEvents := env.broadcaster.eventsFor("conn-b")
	if len(bobEvents) != 1 || bobEvents[0].Name != EventUserLeft {
		t.Fatalf("expected user_left after disconnect, got %v", eventNames(bobEvents))
	}
	left := bobEvents[0].Data.(UserLeftPayload)
	if left.UserID != "user-a" || len(left.ActiveUsers) != 1 {
		t.Fatalf("unexpected user_left payload %+v", left)
	}
	counts, err := env.store.CountMembers(context.Background(), []uint{joined.Room.ID})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts[joined.Room.ID] != 1 {
		t.Fatalf("expected disconnect to remove alice's membership, got %d members", counts[joined.Room.ID])
	}
}

func TestSessionSecondJoinLeavesPreviousRoom(t *testing.T) {
	env := newTestEngine(t)
	alice := mustSession(t, env.engine, "conn-a", "user-a", "Alice")

	mustHandle(t, alice, JoinRoom{RoomCode: "ROOM0001"})
	mustHandle(t, alice, JoinRoom{RoomCode: "ROOM0002"})

	if env.tracker.Count("ROOM0001") != 0 {
		t.Fatalf("expected previous room presence to be released")
	}
	if env.tracker.Count("ROOM0002") != 1 {
		t.Fatalf("expected presence in the new room")
	}
	if alice.RoomCode() != "ROOM0002" {
		t.Fatalf("expected session to track the new room, got %s", alice.RoomCode())
	}
}

func TestSessionKeepsMembershipWhileAnotherTabRemains(t *testing.T) {
	env := newTestEngine(t)
	firstTab := mustSession(t, env.engine, "conn-1", "user-a", "Alice")
	secondTab := mustSession(t, env.engine, "conn-2", "user-a", "Alice")
	joined := mustHandle(t, firstTab, JoinRoom{RoomCode: "ROOM0001"}).(JoinPayload)
	mustHandle(t, secondTab, JoinRoom{RoomCode: "ROOM0001"})

	firstTab.Close(context.Background())

	counts, err := env.store.CountMembers(context.Background(), []uint{joined.Room.ID})
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if counts[joined.Room.ID] != 1 {
		t.Fatalf("expected membership to survive while another tab is present, got %d", counts[joined.Room.ID])
	}
}

func TestSessionMembershipSurvivesConcurrentTabHandoff(t *testing.T) {
	env := newTestEngine(t)

	for round := 0; round < 25; round++ {
		leaving := mustSession(t, env.engine, fmt.Sprintf("conn-old-%d", round), "user-a", "Alice")
		joined := mustHandle(t, leaving, JoinRoom{RoomCode: "ROOM0001"}).(JoinPayload)
		arriving := mustSession(t, env.engine, fmt.Sprintf("conn-new-%d", round), "user-a", "Alice")

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			leaving.Close(context.Background())
		}()
		go func() {
			defer wg.Done()
			if _, err := arriving.Handle(context.Background(), JoinRoom{RoomCode: "ROOM0001"}); err != nil {
				t.Errorf("join failed: %v", err)
			}
		}()
		wg.Wait()

		counts, err := env.store.CountMembers(context.Background(), []uint{joined.Room.ID})
		if err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if counts[joined.Room.ID] != 1 {
			t.Fatalf("round %d: expected membership while a tab is present, got %d", round, counts[joined.Room.ID])
		}
		arriving.Close(context.Background())
	}

	if size := env.engine.locks.size(); size != 0 {
		t.Fatalf("expected released room locks to be evicted, got %d", size)
	}
}

func TestSessionCloseDoesNotCreateRooms(t *testing.T) {
	env := newTestEngine(t)
	alice := mustSession(t, env.engine, "conn-a", "user-a", "Alice")
	env.tracker.Register("GHOST001", "conn-a", "user-a", "Alice")
	env.tracker.Register("GHOST001", "conn-b", "user-b", "Bob")

	alice.Close(context.Background())

	if _, err := env.directory.Lookup(context.Background(), "GHOST001"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected disconnect cleanup to leave unknown rooms uncreated, got %v", err)
	}
	bobEvents := env.broadcaster.eventsFor("conn-b")
	if len(bobEvents) != 1 || bobEvents[0].Name != EventUserLeft {
		t.Fatalf("expected user_left for remaining connection, got %v", eventNames(bobEvents))
	}
}

func TestRoomLocksEvictIdleEntries(t *testing.T) {
	locks := roomLocks{locks: make(map[string]*roomLock)}

	unlock := locks.lock("ROOM0001")
	if locks.size() != 1 {
		t.Fatalf("expected one held lock, got %d", locks.size())
	}

	acquired := make(chan struct{})
	go func() {
		release := locks.lock("ROOM0001")
		close(acquired)
		release()
	}()
	select {
	case <-acquired:
		t.Fatal("expected second holder to wait for the room lock")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected waiting holder to acquire the room lock")
	}
	deadline := time.Now().Add(time.Second)
	for locks.size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle lock to be evicted, got %d entries", locks.size())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewSessionRequiresIdentity(t *testing.T) {
	env := newTestEngine(t)
	if _, err := env.engine.NewSession("conn-a", Identity{}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
