// Package identity holds the node's stable id, generated once per
// installation and kept in a JSON file next to the rest of the node's data.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FileName is the identity file created inside the data directory.
const FileName = "identity.json"

var ErrInvalid = errors.New("identity: invalid node id")

// Identity is this node's persisted identity.
type Identity struct {
	NodeID    string    `json:"node_id"`
	CreatedAt time.Time `json:"created_at"`
}

func Generate() *Identity {
	return &Identity{NodeID: uuid.NewString(), CreatedAt: time.Now().UTC()}
}

// CurrentNodeID returns the node id.
func (id *Identity) CurrentNodeID() string { return id.NodeID }

func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(id)
}

func Load(path string) (*Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	id := &Identity{}
	if err := json.NewDecoder(f).Decode(id); err != nil {
		return nil, fmt.Errorf("identity: decode %s: %w", path, err)
	}
	if _, err := uuid.Parse(id.NodeID); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalid, id.NodeID)
	}
	return id, nil
}

// LoadOrCreate loads the identity at path, generating and saving a new one
// if the file does not exist. created reports whether one was generated.
func LoadOrCreate(path string) (id *Identity, created bool, err error) {
	id, err = Load(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	id = Generate()
	if err := id.Save(path); err != nil {
		return nil, false, fmt.Errorf("identity: save %s: %w", path, err)
	}
	return id, true, nil
}
