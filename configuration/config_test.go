package configuration

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.json")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}
	return path
}

func TestLoadFromPathHappyPath(t *testing.T) {
	path := writeConfig(t, `{
		"peers": [
			{"name": "A", "ip": "127.0.0.1", "port": 17171},
			{"name": "B", "ip": "127.0.0.1", "port": 17172},
			{"name": "C", "ip": "127.0.0.1", "port": 17173}
		]
	}`)

	cfg, err := LoadFromPath(path, "B")
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg.N() != 3 {
		t.Fatalf("N() = %d, want 3", cfg.N())
	}
	if cfg.PartitionIndex() != 1 {
		t.Fatalf("PartitionIndex() = %d, want 1", cfg.PartitionIndex())
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath("/does/not/exist.json", "A"); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestLoadFromPathInvalidIP(t *testing.T) {
	path := writeConfig(t, `{"peers": [{"name": "A", "ip": "not-an-ip", "port": 1}]}`)
	if _, err := LoadFromPath(path, "A"); err == nil {
		t.Fatalf("expected error for invalid ip literal")
	}
}

func TestLoadFromPathUnknownSelf(t *testing.T) {
	path := writeConfig(t, `{"peers": [{"name": "A", "ip": "127.0.0.1", "port": 1}]}`)
	if _, err := LoadFromPath(path, "ghost"); err == nil {
		t.Fatalf("expected error when replica name is absent from peer list")
	}
}

func TestLoadFromPathDuplicateName(t *testing.T) {
	path := writeConfig(t, `{"peers": [
		{"name": "A", "ip": "127.0.0.1", "port": 1},
		{"name": "A", "ip": "127.0.0.1", "port": 2}
	]}`)
	if _, err := LoadFromPath(path, "A"); err == nil {
		t.Fatalf("expected error for duplicate peer name")
	}
}
