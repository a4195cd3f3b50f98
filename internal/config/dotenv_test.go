package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDotenv(t *testing.T, content string, keys ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		os.Unsetenv(k)
		t.Cleanup(func() { os.Unsetenv(k) })
	}
	return path
}

func TestLoadDotenv(t *testing.T) {
	path := writeDotenv(t, `# tmux
CONDUCTOR_TMUX=/usr/bin/tmux
CONDUCTOR_PORT=18430

SECRET="my secret value"
SINGLE='$NOT_EXPANDED'
SPACED_KEY = spaced_value
export EXPORTED=yes
TRAILING=value # comment
`, "CONDUCTOR_TMUX", "CONDUCTOR_PORT", "SECRET", "SINGLE", "SPACED_KEY", "EXPORTED", "TRAILING")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key, want string
	}{
		{"CONDUCTOR_TMUX", "/usr/bin/tmux"},
		{"CONDUCTOR_PORT", "18430"},
		{"SECRET", "my secret value"},
		{"SINGLE", "$NOT_EXPANDED"},
		{"SPACED_KEY", "spaced_value"},
		{"EXPORTED", "yes"},
		{"TRAILING", "value"},
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.key, tt.want, got)
		}
	}
}

func TestLoadDotenvExpandsEarlierKeys(t *testing.T) {
	path := writeDotenv(t, "CONDUCTOR_BASE=/opt/conductor\nCONDUCTOR_BIN=\"${CONDUCTOR_BASE}/bin\"\n",
		"CONDUCTOR_BASE", "CONDUCTOR_BIN")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("CONDUCTOR_BIN"); got != "/opt/conductor/bin" {
		t.Errorf("expected /opt/conductor/bin, got %q", got)
	}
}

func TestLoadDotenvRejectsCommandSubstitution(t *testing.T) {
	path := writeDotenv(t, "CONDUCTOR_EVIL=$(touch /tmp/pwned)\n", "CONDUCTOR_EVIL")

	if err := LoadDotenv(path); err == nil {
		t.Fatal("expected error for command substitution")
	}
	if _, set := os.LookupEnv("CONDUCTOR_EVIL"); set {
		t.Error("expected variable to stay unset")
	}
}

func TestLoadDotenvNoOverride(t *testing.T) {
	path := writeDotenv(t, "EXISTING_VAR=new-value\n")
	t.Setenv("EXISTING_VAR", "original")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("EXISTING_VAR"); got != "original" {
		t.Errorf("expected existing var to be preserved, got %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("expected missing file to be ignored, got %v", err)
	}
}
