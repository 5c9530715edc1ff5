package changefeed

import (
	"errors"
	"testing"
)

func TestDecodeRow_IDs(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		users []ID
	}{
		{"json array of strings", `{"id":"a","affected_user_ids":["u1","u2"]}`, []ID{"u1", "u2"}},
		{"json array of numbers", `{"id":1,"affected_user_ids":[10,11]}`, []ID{"10", "11"}},
		{"postgres array literal", `{"id":1,"affected_user_ids":"{u1, \"u2\"}"}`, []ID{"u1", "u2"}},
		{"null list", `{"id":1,"affected_user_ids":null}`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := DecodeRow(TableCivicAlerts, []byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeRow() error = %v", err)
			}
			got := row.(CivicAlert).AffectedUserIDs
			if len(got) != len(tt.users) {
				t.Fatalf("AffectedUserIDs = %v, want %v", got, tt.users)
			}
			for i := range got {
				if got[i] != tt.users[i] {
					t.Errorf("AffectedUserIDs[%d] = %q, want %q", i, got[i], tt.users[i])
				}
			}
		})
	}
}

func TestDecodeRow_RequiresID(t *testing.T) {
	if _, err := DecodeRow(TableSubscriptions, []byte(`{"user_id":"u1","status":"active"}`)); !errors.Is(err, ErrMalformedRow) {
		t.Errorf("DecodeRow() error = %v, want ErrMalformedRow", err)
	}
	if _, err := DecodeRow(TableSubscriptions, nil); !errors.Is(err, ErrMalformedRow) {
		t.Errorf("DecodeRow(nil) error = %v, want ErrMalformedRow", err)
	}
}
