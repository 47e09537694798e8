package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", FileName)

	first, created, err := LoadOrCreate(path)
	if err != nil || !created {
		t.Fatalf("first: created=%v err=%v", created, err)
	}
	second, created, err := LoadOrCreate(path)
	if err != nil || created {
		t.Fatalf("second: created=%v err=%v", created, err)
	}
	if first.CurrentNodeID() != second.CurrentNodeID() {
		t.Fatalf("id changed: %s -> %s", first.NodeID, second.NodeID)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
}

func TestLoadRejectsInvalidID(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(`{"node_id":"not-a-uuid"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err=%v", err)
	}
	if _, _, err := LoadOrCreate(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("LoadOrCreate must not overwrite a corrupt identity: %v", err)
	}
}

func TestGenerateUnique(t *testing.T) {
	t.Parallel()
	if Generate().NodeID == Generate().NodeID {
		t.Fatal("ids collide")
	}
}
