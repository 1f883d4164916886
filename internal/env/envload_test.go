package env

import (
	"os"
	"path/filepath"
	"testing"
)

func writeEnv(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// unset clears key for the test and restores it afterwards.
func unset(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	unset(t, "PRINTERAGENT_TEST_A")
	unset(t, "PRINTERAGENT_TEST_B")
	t.Setenv("PRINTERAGENT_TEST_SHELL", "from-process")

	first := writeEnv(t, dir, "first.env", "PRINTERAGENT_TEST_A=first\nPRINTERAGENT_TEST_SHELL=first\n")
	second := writeEnv(t, dir, "second.env", "PRINTERAGENT_TEST_A=second\nPRINTERAGENT_TEST_B=second\n")
	if err := apply(first, false); err != nil {
		t.Fatal(err)
	}
	if err := Load(second); err != nil {
		t.Fatal(err)
	}

	for key, want := range map[string]string{
		"PRINTERAGENT_TEST_A":     "second",
		"PRINTERAGENT_TEST_B":     "second",
		"PRINTERAGENT_TEST_SHELL": "from-process",
	} {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}
	got := Sources()
	if len(got) < 2 || got[len(got)-2] != first || got[len(got)-1] != second {
		t.Fatalf("Sources = %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "absent.env")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if err := Load("  "); err != nil {
		t.Fatalf("blank path: %v", err)
	}
}

func TestNearestWalksUp(t *testing.T) {
	root := t.TempDir()
	want := writeEnv(t, root, FileName, "X=1\n")
	deep := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(deep, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := nearest(deep); got != want {
		t.Fatalf("nearest = %q, want %q", got, want)
	}
}

func TestEnsureSkippedUnderGoTest(t *testing.T) {
	unset(t, OptInVar)
	before := len(Sources())
	if err := Ensure(); err != nil {
		t.Fatal(err)
	}
	if len(Sources()) != before {
		t.Fatal("Ensure read files during go test")
	}
}
