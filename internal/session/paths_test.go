package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/sms/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".sms", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestPaths(t *testing.T) {
	tests := []struct {
		name   string
		got    string
		suffix string
	}{
		{"socket", SocketPath("test"), filepath.Join("sessions", "test", "daemon.sock")},
		{"lock", LockPath("test"), filepath.Join("sessions", "test", "LOCK")},
		{"cache", CachePath("test"), filepath.Join("sessions", "test", "cache.db")},
		{"log", LogPath("test"), filepath.Join("sessions", "test", "logs", "smsd.log")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !strings.HasSuffix(tt.got, tt.suffix) {
				t.Errorf("%s path = %q, want suffix %s", tt.name, tt.got, tt.suffix)
			}
		})
	}
}

func TestEnsureDir(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if err := EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(LogDir("test"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("log dir is not a directory")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("log dir permission = %o, want 0700", perm)
	}

	if err := EnsureDir("../escape"); err == nil {
		t.Error("EnsureDir accepted an invalid name")
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid simple", "main", false},
		{"valid with numbers", "work123", false},
		{"valid with hyphen", "my-session", false},
		{"valid with underscore", "my_session", false},
		{"valid max length", strings.Repeat("a", 64), false},
		{"empty", "", true},
		{"uppercase", "Main", true},
		{"space", "my session", true},
		{"dot", "my.session", true},
		{"too long", strings.Repeat("a", 65), true},
		{"slash", "my/session", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name    string
		flag    string
		cfg     *config.Config
		want    string
		wantErr bool
	}{
		{"flag wins", "work", &config.Config{DefaultSession: "home"}, "work", false},
		{"config default", "", &config.Config{DefaultSession: "home"}, "home", false},
		{"no config", "", nil, DefaultSessionName, false},
		{"empty config", "", &config.Config{}, DefaultSessionName, false},
		{"invalid flag", "Bad Name", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.flag, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
