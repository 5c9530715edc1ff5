package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
)

func TestRegistry_CreateOnFirstJoin(t *testing.T) {
	reg := NewRegistry(store.NewMemoryMessages(), testOptions())
	defer reg.Close()

	if reg.Lookup("v1") != nil {
		t.Fatal("Lookup() before join should be nil")
	}
	if reg.Online("v1") != 0 {
		t.Errorf("Online() for unknown channel = %d, want 0", reg.Online("v1"))
	}

	s := NewSession("v1", "u1", false)
	h, err := reg.Join(s)
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	if reg.Lookup("v1") != h {
		t.Error("Lookup() should return the hub created by Join")
	}
	if reg.Online("v1") != 1 || reg.Channels() != 1 {
		t.Errorf("Online() = %d, Channels() = %d; want 1, 1", reg.Online("v1"), reg.Channels())
	}

	s2 := NewSession("v1", "u2", false)
	h2, _ := reg.Join(s2)
	if h2 != h {
		t.Error("second Join() should reuse the hub")
	}
}

func TestRegistry_EvictsIdleChannelAfterGrace(t *testing.T) {
	opts := testOptions()
	opts.EvictGrace = 30 * time.Millisecond
	reg := NewRegistry(store.NewMemoryMessages(), opts)
	defer reg.Close()

	s := NewSession("v1", "u1", false)
	h, _ := reg.Join(s)
	h.Leave(s.ID)

	time.Sleep(100 * time.Millisecond)
	if reg.Lookup("v1") != nil {
		t.Fatal("idle channel should be evicted after the grace period")
	}

	// joining again builds a fresh hub
	h2, err := reg.Join(NewSession("v1", "u1", false))
	if err != nil {
		t.Fatalf("Join() after eviction error = %v", err)
	}
	if h2 == h {
		t.Error("Join() after eviction should create a new hub")
	}
}

func TestRegistry_RejoinDuringGraceKeepsHub(t *testing.T) {
	opts := testOptions()
	opts.EvictGrace = 50 * time.Millisecond
	reg := NewRegistry(store.NewMemoryMessages(), opts)
	defer reg.Close()

	s := NewSession("v1", "u1", false)
	h, _ := reg.Join(s)
	h.Leave(s.ID)
	time.Sleep(10 * time.Millisecond)
	if _, err := reg.Join(NewSession("v1", "u1", false)); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if reg.Lookup("v1") != h {
		t.Error("channel with a live session must not be evicted")
	}
}

func TestRegistry_EarlierGraceTimerDoesNotEvictAfterRejoin(t *testing.T) {
	opts := testOptions()
	opts.EvictGrace = 80 * time.Millisecond
	reg := NewRegistry(store.NewMemoryMessages(), opts)
	defer reg.Close()

	s := NewSession("v1", "u1", false)
	h, _ := reg.Join(s)
	h.Leave(s.ID)
	time.Sleep(40 * time.Millisecond)
	s2 := NewSession("v1", "u1", false)
	if _, err := reg.Join(s2); err != nil {
		t.Fatal(err)
	}
	h.Leave(s2.ID)

	// the first timer fires here; the channel has been idle for only ~60ms
	time.Sleep(60 * time.Millisecond)
	if reg.Lookup("v1") != h {
		t.Fatal("channel evicted before a full grace period after the last leave")
	}

	time.Sleep(120 * time.Millisecond)
	if reg.Lookup("v1") != nil {
		t.Error("channel should be evicted once the last grace period ends")
	}
}

func TestRegistry_PushToUserAcrossChannels(t *testing.T) {
	reg := NewRegistry(store.NewMemoryMessages(), testOptions())
	defer reg.Close()

	inV1 := NewSession("v1", "u1", false)
	inV2 := NewSession("v2", "u1", false)
	other := NewSession("v1", "u2", false)
	for _, s := range []*Session{inV1, inV2, other} {
		if _, err := reg.Join(s); err != nil {
			t.Fatal(err)
		}
		nextFrame(t, s) // welcome
	}
	if !reg.Connected("u1") || reg.Connected("nobody") {
		t.Error("Connected() mismatch")
	}

	frame := EncodeNotification(models.Notification{ID: "n1", UserID: "u1", Priority: models.PriorityUrgent}, 5*time.Second)
	if n := reg.PushToUser("u1", frame); n != 2 {
		t.Errorf("PushToUser() = %d, want 2", n)
	}
	for _, s := range []*Session{inV1, inV2} {
		f := nextFrame(t, s)
		if f.Type != TypeNotification || f.Notification == nil || f.Notification.ID != "n1" {
			t.Errorf("frame = %+v, want notification n1", f)
		}
		if f.Surface == nil || f.Surface.DurationMS != 5000 {
			t.Errorf("surface = %+v, want 5000ms", f.Surface)
		}
	}
	noFrame(t, other, 20*time.Millisecond)

	if n := reg.PushToUser("offline", frame); n != 0 {
		t.Errorf("PushToUser(offline) = %d, want 0", n)
	}
}

func TestRegistry_CloseStopsJoins(t *testing.T) {
	reg := NewRegistry(store.NewMemoryMessages(), testOptions())
	s := NewSession("v1", "u1", false)
	if _, err := reg.Join(s); err != nil {
		t.Fatal(err)
	}
	reg.Close()
	if _, err := reg.Join(NewSession("v1", "u2", false)); err != ErrHubClosed {
		t.Errorf("Join() after Close error = %v, want ErrHubClosed", err)
	}
	if reg.Connected("u1") {
		t.Error("user index should be empty after Close")
	}
}

func TestEncodeNotification_SilentHasNoSurface(t *testing.T) {
	b := EncodeNotification(models.Notification{ID: "n", Priority: models.PriorityLow}, 0)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["surface"]; ok {
		t.Errorf("silent notification frame carries surface: %s", b)
	}
}
