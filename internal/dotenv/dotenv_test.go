package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFileMissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFile(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFile missing file error: %v", err)
	}
}

func TestLoadFileAppliesValuesAndKeepsExisting(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	content := "" +
		"# settings for local runs\n" +
		"DOTENV_TEST_PLAIN=loaded\n" +
		"DOTENV_TEST_QUOTED=\"hello world\"\n" +
		"export DOTENV_TEST_EXPORTED=ok\n" +
		"DOTENV_TEST_EXISTING=from_file\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("DOTENV_TEST_EXISTING", "already_set")

	if err := LoadFile(envPath); err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}

	for key, want := range map[string]string{
		"DOTENV_TEST_PLAIN":    "loaded",
		"DOTENV_TEST_QUOTED":   "hello world",
		"DOTENV_TEST_EXPORTED": "ok",
		"DOTENV_TEST_EXISTING": "already_set",
	} {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
	t.Cleanup(func() {
		for _, key := range []string{"DOTENV_TEST_PLAIN", "DOTENV_TEST_QUOTED", "DOTENV_TEST_EXPORTED"} {
			os.Unsetenv(key)
		}
	})
}

func TestParseLine(t *testing.T) {
	t.Parallel()
	cases := []struct {
		line string
		key  string
		val  string
		ok   bool
	}{
		{"KEY=value", "KEY", "value", true},
		{"export KEY=value", "KEY", "value", true},
		{"KEY='single quoted'", "KEY", "single quoted", true},
		{"  KEY = spaced  ", "KEY", "spaced", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"=no-key", "", "", false},
		{"no-equals", "", "", false},
	}
	for _, tc := range cases {
		key, val, ok := parseLine(tc.line)
		if key != tc.key || val != tc.val || ok != tc.ok {
			t.Fatalf("parseLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.line, key, val, ok, tc.key, tc.val, tc.ok)
		}
	}
}
