// Package state provides storage implementations for event records and the
// session index. Document and stream backed record stores live in the mongo
// and redis subpackages.
package state

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/user/runguard/internal/types"
)

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.EventStore = (*EventStore)(nil)
var _ types.EventStore = (*MemoryStore)(nil)
var _ types.EventPurger = (*EventStore)(nil)
var _ types.EventPurger = (*MemoryStore)(nil)

// sessionDir returns root/sessions/<id>. Ids that would resolve anywhere
// else are rejected.
func sessionDir(root string, id types.SessionID) (string, error) {
	name := string(id)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", types.ErrInvalidSessionID, name)
	}
	return filepath.Join(root, "sessions", name), nil
}
