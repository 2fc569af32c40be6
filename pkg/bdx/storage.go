package bdx

import (
	"errors"
	"strings"

	"github.com/embermesh/matter/pkg/storage"
)

var (
	// ErrUnknownDesignator indicates no blob under the designator.
	ErrUnknownDesignator = errors.New("bdx: unknown file designator")

	// ErrBadDesignator indicates a designator outside the scope.
	ErrBadDesignator = errors.New("bdx: designator outside scope")
)

// ScopedStorage resolves textual file designators within one scope
// prefix (e.g. "ota") to persisted blobs under the bdx storage
// context.
type ScopedStorage struct {
	scope string
	ctx   *storage.Context
}

// NewScopedStorage creates a designator resolver for one scope.
func NewScopedStorage(store storage.Store, scope string) *ScopedStorage {
	return &ScopedStorage{
		scope: scope,
		ctx:   storage.NewContext(store, storage.ContextBDX, scope),
	}
}

// Scope returns the scope prefix.
func (s *ScopedStorage) Scope() string { return s.scope }

// name strips and checks the scope prefix of a designator like
// "ota/<image-name>".
func (s *ScopedStorage) name(designator string) (string, error) {
	rest, ok := strings.CutPrefix(designator, s.scope+"/")
	if !ok || rest == "" {
		return "", ErrBadDesignator
	}
	return rest, nil
}

// Resolve fetches the blob a designator names.
func (s *ScopedStorage) Resolve(designator string) ([]byte, error) {
	name, err := s.name(designator)
	if err != nil {
		return nil, err
	}
	data, ok, err := s.ctx.Get(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownDesignator
	}
	return data, nil
}

// Store persists a blob under a designator.
func (s *ScopedStorage) Store(designator string, blob []byte) error {
	name, err := s.name(designator)
	if err != nil {
		return err
	}
	return s.ctx.Set(name, blob)
}
