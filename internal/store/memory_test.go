package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/models"
)

func TestMemoryMessages_RecentSkipsDeleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessages()
	for i := 1; i <= 5; i++ {
		m := models.ChatMessage{ID: "m" + strconv.Itoa(i), ChannelID: "c1", Seq: int64(i), Content: "x"}
		if err := s.Append(ctx, &m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	m4, _ := s.Get(ctx, "m4")
	m4.Deleted = true
	if err := s.Update(ctx, &m4); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := s.Recent(ctx, "c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m5", "m3", "m2"}
	if len(got) != len(want) {
		t.Fatalf("Recent() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("Recent()[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}

	seq, _ := s.LastSeq(ctx, "c1")
	if seq != 5 {
		t.Errorf("LastSeq() = %d, want 5", seq)
	}
}

func TestMemoryMessages_SeqConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryMessages()
	_ = s.Append(ctx, &models.ChatMessage{ID: "a", ChannelID: "c", Seq: 2})
	err := s.Append(ctx, &models.ChatMessage{ID: "b", ChannelID: "c", Seq: 2})
	if !errors.Is(err, ErrSeqConflict) {
		t.Errorf("Append() error = %v, want ErrSeqConflict", err)
	}
}

func seedNotifications(t *testing.T, s *MemoryNotifications, user string, n int, base time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := s.Insert(context.Background(), &models.Notification{
			ID:        user + "-" + strconv.Itoa(i),
			UserID:    user,
			Title:     "t",
			Priority:  models.PriorityLow,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestMemoryNotifications_MarkRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotifications()
	seedNotifications(t, s, "u1", 1, time.Now())

	tests := []struct {
		name    string
		id      string
		user    string
		wantErr error
	}{
		{"owner", "u1-0", "u1", nil},
		{"owner again", "u1-0", "u1", nil},
		{"other user", "u1-0", "u2", ErrNotFoundOrForbidden},
		{"missing", "nope", "u1", ErrNotFoundOrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.MarkRead(ctx, tt.id, tt.user, time.Now())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("MarkRead() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	n, _ := s.Get("u1-0")
	if !n.IsRead || n.ReadAt == nil {
		t.Error("notification should be read with read_at set")
	}
}

func TestMemoryNotifications_MarkAllRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotifications()
	seedNotifications(t, s, "u1", 5, time.Now())
	seedNotifications(t, s, "u2", 2, time.Now())

	changed, err := s.MarkAllRead(ctx, "u1", time.Now())
	if err != nil || changed != 5 {
		t.Fatalf("MarkAllRead() = %d, %v; want 5, nil", changed, err)
	}
	if c, _ := s.UnreadCount(ctx, "u1"); c != 0 {
		t.Errorf("UnreadCount(u1) = %d, want 0", c)
	}
	if c, _ := s.UnreadCount(ctx, "u2"); c != 2 {
		t.Errorf("UnreadCount(u2) = %d, want 2", c)
	}
	changed, _ = s.MarkAllRead(ctx, "u1", time.Now())
	if changed != 0 {
		t.Errorf("second MarkAllRead() changed %d, want 0", changed)
	}
}

func TestMemoryNotifications_TrimPrefersOldestRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotifications()
	base := time.Now().Add(-time.Hour)
	seedNotifications(t, s, "u1", 5, base)
	// u1-3 is read, so it goes before the older unread ones
	_ = s.MarkRead(ctx, "u1-3", "u1", time.Now())

	removed, err := s.Trim(ctx, "u1", 3)
	if err != nil || removed != 2 {
		t.Fatalf("Trim() = %d, %v; want 2, nil", removed, err)
	}
	if _, ok := s.Get("u1-3"); ok {
		t.Error("read notification should be evicted first")
	}
	if _, ok := s.Get("u1-0"); ok {
		t.Error("oldest unread notification should be evicted second")
	}
	list, _ := s.List(ctx, "u1", ListOptions{})
	if len(list) != 3 || list[0].ID != "u1-4" {
		t.Errorf("List() after trim = %v", list)
	}
}

func TestMemoryNotifications_DeleteOlderThan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotifications()
	seedNotifications(t, s, "u1", 3, time.Now().Add(-48*time.Hour))
	seedNotifications(t, s, "u2", 1, time.Now())

	removed, _ := s.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
	if removed != 3 {
		t.Errorf("DeleteOlderThan() = %d, want 3", removed)
	}
	if c, _ := s.UnreadCount(ctx, "u2"); c != 1 {
		t.Errorf("UnreadCount(u2) = %d, want 1", c)
	}
}

func TestMemoryNotifications_ExistsSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotifications()
	now := time.Now()
	_ = s.Insert(ctx, &models.Notification{ID: "a", UserID: "u", DedupKey: "k", CreatedAt: now})

	if ok, _ := s.ExistsSince(ctx, "k", now.Add(-time.Minute)); !ok {
		t.Error("ExistsSince() inside window = false, want true")
	}
	if ok, _ := s.ExistsSince(ctx, "k", now.Add(time.Minute)); ok {
		t.Error("ExistsSince() outside window = true, want false")
	}
}

func TestMemoryNotifications_LatestFromSource(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNotifications()
	now := time.Now()
	_ = s.Insert(ctx, &models.Notification{ID: "a", UserID: "u", SourceTable: "subscriptions", SourceRowID: "5", Title: "old", CreatedAt: now})
	_ = s.Insert(ctx, &models.Notification{ID: "b", UserID: "u", SourceTable: "subscriptions", SourceRowID: "5", Title: "new", CreatedAt: now.Add(time.Second)})
	_ = s.Insert(ctx, &models.Notification{ID: "c", UserID: "u", SourceTable: "subscriptions", SourceRowID: "6", CreatedAt: now.Add(2 * time.Second)})

	n, err := s.LatestFromSource(ctx, "u", "subscriptions", "5")
	if err != nil || n.ID != "b" {
		t.Errorf("LatestFromSource() = %q, %v; want b", n.ID, err)
	}
	if _, err := s.LatestFromSource(ctx, "other", "subscriptions", "5"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LatestFromSource() for another user err = %v, want ErrNotFound", err)
	}
}
