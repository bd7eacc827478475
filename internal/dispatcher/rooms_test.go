package dispatcher

import (
	"fmt"
	"sync"
	"testing"

	ws "tutorlink/internal/websocket"
)

func TestRoomsJoinAndMembers(t *testing.T) {
	rooms := NewRooms()
	a := &ws.Connection{}
	b := &ws.Connection{}

	rooms.Join("private:go101:alice:bob", a)
	rooms.Join("private:go101:alice:bob", b)
	rooms.Join("community:go101", a)

	if got := len(rooms.Members("private:go101:alice:bob")); got != 2 {
		t.Errorf("members = %d, want 2", got)
	}
	if !rooms.contains("community:go101", a) {
		t.Error("a should be in the community room")
	}
	if rooms.contains("community:go101", b) {
		t.Error("b should not be in the community room")
	}
}

func TestRoomsJoinIdempotent(t *testing.T) {
	rooms := NewRooms()
	a := &ws.Connection{}

	rooms.Join("community:go101", a)
	rooms.Join("community:go101", a)

	if got := len(rooms.Members("community:go101")); got != 1 {
		t.Errorf("members = %d, want 1", got)
	}
}

func TestRoomsLeaveAll(t *testing.T) {
	rooms := NewRooms()
	a := &ws.Connection{}
	b := &ws.Connection{}

	rooms.Join("private:go101:alice:bob", a)
	rooms.Join("private:go101:alice:bob", b)
	rooms.Join("community:go101", a)

	rooms.LeaveAll(a)

	if rooms.contains("private:go101:alice:bob", a) {
		t.Error("a still in private room after LeaveAll")
	}
	if !rooms.contains("private:go101:alice:bob", b) {
		t.Error("b evicted by a's LeaveAll")
	}
	if got := len(rooms.Members("community:go101")); got != 0 {
		t.Errorf("community members = %d, want 0", got)
	}

	// Safe for a connection that never joined anything.
	rooms.LeaveAll(&ws.Connection{})
}

func TestRoomsMembersSnapshot(t *testing.T) {
	rooms := NewRooms()
	a := &ws.Connection{}
	rooms.Join("community:go101", a)

	members := rooms.Members("community:go101")
	rooms.LeaveAll(a)

	if len(members) != 1 {
		t.Error("snapshot mutated by later LeaveAll")
	}
	if rooms.Members("missing") != nil {
		t.Error("unknown room should have no members")
	}
}

func TestRoomsConcurrentAccess(t *testing.T) {
	rooms := NewRooms()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := &ws.Connection{}
			roomKey := fmt.Sprintf("community:course%d", i%5)
			rooms.Join(roomKey, conn)
			rooms.Members(roomKey)
			rooms.LeaveAll(conn)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 5; i++ {
		roomKey := fmt.Sprintf("community:course%d", i)
		if got := len(rooms.Members(roomKey)); got != 0 {
			t.Errorf("%s has %d members after all left", roomKey, got)
		}
	}
}

func TestRateLimiterAllowsWithinWindow(t *testing.T) {
	rl := NewRateLimiter()

	for i := 0; i < rateLimitPerWindow; i++ {
		if !rl.Allow("alice") {
			t.Fatalf("send %d rejected inside the window", i+1)
		}
	}
	if rl.Allow("alice") {
		t.Error("send above the window cap allowed")
	}

	// Limits are per user.
	if !rl.Allow("bob") {
		t.Error("bob throttled by alice's traffic")
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter()
	rl.Allow("alice")

	rl.mu.Lock()
	rl.users["alice"].windowStart = rl.users["alice"].windowStart.Add(-2 * staleLimitAge)
	rl.mu.Unlock()

	rl.Cleanup()

	rl.mu.Lock()
	_, ok := rl.users["alice"]
	rl.mu.Unlock()
	if ok {
		t.Error("stale entry survived Cleanup")
	}
}
