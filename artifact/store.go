package artifact

import (
	"errors"
	"path/filepath"
	"strings"
)

var (
	ErrNotFound  = errors.New("artifact: not found")
	ErrInvalidID = errors.New("artifact: id must be a single path element")
)

// Store persists artifacts per session. Save returns the location of the
// stored artifact, which is reported to clients.
type Store interface {
	Save(sessionID, artifactID string, data []byte) (string, error)
	Get(sessionID, artifactID string) ([]byte, error)
	List(sessionID string) ([]string, error)
	Delete(sessionID, artifactID string) error
}

// Name builds a file-system safe artifact id from parts, e.g. a step id and a
// tool name.
func Name(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
				return r
			default:
				return '_'
			}
		}, p)
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "_")
}

func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`) && filepath.Base(id) == id
}
