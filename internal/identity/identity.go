// Package identity holds the local user's id and display name.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is the local user. UserID is what peers and the tracker key on.
type Identity struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// Generate creates a new identity with a random UUID v4 user id.
func Generate(displayName string) (*Identity, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "User_" + id.String()[:6]
	}
	return &Identity{UserID: id.String(), DisplayName: name, CreatedAt: time.Now().UTC()}, nil
}

func (id *Identity) validate() error {
	if _, err := uuid.Parse(id.UserID); err != nil {
		return fmt.Errorf("identity: invalid user_id %q: %w", id.UserID, err)
	}
	if id.DisplayName == "" {
		return errors.New("identity: empty display_name")
	}
	return nil
}

func (id *Identity) Save(path string) error {
	if err := id.validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
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
		return nil, fmt.Errorf("identity: %s: %w", path, err)
	}
	return id, id.validate()
}
