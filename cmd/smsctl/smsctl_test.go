package main

import (
	"testing"
	"time"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"plain", "see you at 6", "see you at 6"},
		{"newlines", "line one\nline two\r\n", "line one line two  "},
		{"skin tone", "👍🏻", "👍"},
		{"zwj family", "👨‍👩", "👨👩"},
		{"variation selector", "❤️", "❤"},
		{"bell", "ding\a", "ding"},
		{"not a string", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clean(tt.in); got != tt.want {
				t.Errorf("clean(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseAt(t *testing.T) {
	before := time.Now()
	at, err := parseAt("90m")
	if err != nil {
		t.Fatalf("parseAt(90m) error = %v", err)
	}
	if d := at.Sub(before); d < 90*time.Minute || d > 91*time.Minute {
		t.Errorf("parseAt(90m) is %v from now", d)
	}

	at, err = parseAt("2030-01-02T03:04:05Z")
	if err != nil {
		t.Fatalf("parseAt(rfc3339) error = %v", err)
	}
	if at.Unix() != time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC).Unix() {
		t.Errorf("parseAt(rfc3339) = %v", at)
	}

	at, err = parseAt("2030-01-02 03:04")
	if err != nil {
		t.Fatalf("parseAt(local) error = %v", err)
	}
	if at.Location() != time.Local || at.Hour() != 3 || at.Minute() != 4 {
		t.Errorf("parseAt(local) = %v", at)
	}

	if _, err := parseAt("tomorrow"); err == nil {
		t.Error("parseAt(tomorrow) should fail")
	}
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"12", "-1700000000000001"})
	if err != nil {
		t.Fatalf("parseIDs() error = %v", err)
	}
	if ids[0] != "12" || ids[1] != "-1700000000000001" {
		t.Errorf("parseIDs() = %v", ids)
	}
	if _, err := parseIDs([]string{"abc"}); err == nil {
		t.Error("parseIDs(abc) should fail")
	}
}

func TestCommandTree(t *testing.T) {
	for _, path := range [][]string{
		{"status"}, {"refresh"}, {"watch"}, {"list"}, {"thread"}, {"older"}, {"jump"},
		{"read"}, {"search"}, {"archive"}, {"unarchive"}, {"pin"}, {"unpin"},
		{"send"}, {"schedule"}, {"edit"}, {"cancel"}, {"resend"},
		{"delete"}, {"restore"}, {"bin", "list"}, {"bin", "empty"},
	} {
		cmd, _, err := rootCmd.Find(path)
		if err != nil || cmd == rootCmd {
			t.Errorf("command %v not registered: %v", path, err)
		}
	}
}
