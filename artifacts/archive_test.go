package artifacts

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
}

func TestArchiveName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		project, commit, want string
	}{
		{"tool", "1a2b3c4d5e6f", "tool-1a2b3c4d.tar.gz"},
		{"tool", "abc", "tool-abc.tar.gz"},
		{"tool", "", "tool.tar.gz"},
	}
	for _, tt := range tests {
		if got := ArchiveName(tt.project, tt.commit); got != tt.want {
			t.Errorf("ArchiveName(%q, %q) = %q, want %q", tt.project, tt.commit, got, tt.want)
		}
	}
}

func TestSourceArchiveRoundTripStripsOneComponent(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"Makefile":        "all:\n",
		"src/main.c":      "int main(void) { return 0; }\n",
		".git/HEAD":       "ref: refs/heads/main\n",
		"docs/README.txt": "docs\n",
	})

	var buf bytes.Buffer
	if err := WriteSourceArchive(&buf, src, "tool-1a2b3c4d", DefaultExcludes); err != nil {
		t.Fatalf("WriteSourceArchive() error = %v", err)
	}

	dest := t.TempDir()
	if err := ExtractArchive(bytes.NewReader(buf.Bytes()), dest); err != nil {
		t.Fatalf("ExtractArchive() error = %v", err)
	}

	for _, name := range []string{"Makefile", "src/main.c", "docs/README.txt"} {
		if _, err := os.Stat(filepath.Join(dest, name)); err != nil {
			t.Errorf("expected %s at top level of destination: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dest, ".git")); !os.IsNotExist(err) {
		t.Errorf(".git should be excluded, stat error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "tool-1a2b3c4d")); !os.IsNotExist(err) {
		t.Errorf("leading component should be stripped, stat error = %v", err)
	}
}

func TestSourceArchiveIsDeterministic(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "a", "b/c.txt": "c"})

	var first, second bytes.Buffer
	if err := WriteSourceArchive(&first, src, "p", nil); err != nil {
		t.Fatalf("WriteSourceArchive() error = %v", err)
	}
	if err := os.Chtimes(filepath.Join(src, "a.txt"), timeForTest(), timeForTest()); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
	if err := WriteSourceArchive(&second, src, "p", nil); err != nil {
		t.Fatalf("WriteSourceArchive() error = %v", err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("archives of the same tree differ")
	}
}

func TestStripComponent(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"tool-1/":          "",
		"tool-1/a.txt":     "a.txt",
		"tool-1/src/b.c":   "src/b.c",
		"./tool-1/c":       "c",
		"tool-1/../../etc": "",
	}
	for in, want := range tests {
		if got := stripComponent(in); got != want {
			t.Errorf("stripComponent(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtractCommand(t *testing.T) {
	t.Parallel()

	got := ExtractCommand("/tmp/in/tool.tar.gz", "/work")
	want := "mkdir -p '/work' && tar -xzf '/tmp/in/tool.tar.gz' --strip-components=1 -C '/work'"
	if got != want {
		t.Errorf("ExtractCommand() = %q, want %q", got, want)
	}
}

func timeForTest() time.Time {
	return time.Date(2001, 2, 3, 4, 5, 6, 0, time.UTC)
}
