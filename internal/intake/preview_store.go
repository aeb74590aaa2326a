package intake

import (
	"sync"

	"github.com/google/uuid"
)

// PreviewPathPrefix is where preview references are served from
const PreviewPathPrefix = "/preview/"

// Preview is the content behind a local preview reference
type Preview struct {
	MediaType string
	Data      []byte
}

// PreviewStore holds revocable in-process preview references. A reference is
// only meaningful to this process and is never sent to the prediction service.
type PreviewStore struct {
	mu       sync.RWMutex
	previews map[string]Preview
	created  int64
	revoked  int64
}

// NewPreviewStore creates an empty store
func NewPreviewStore() *PreviewStore {
	return &PreviewStore{previews: make(map[string]Preview)}
}

// Create allocates a new reference for the given content
func (s *PreviewStore) Create(mediaType string, data []byte) (id string, url string) {
	id = uuid.NewString()

	s.mu.Lock()
	s.previews[id] = Preview{MediaType: mediaType, Data: data}
	s.created++
	s.mu.Unlock()

	return id, PreviewPathPrefix + id
}

// Get returns the content behind a live reference
func (s *PreviewStore) Get(id string) (Preview, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.previews[id]
	return p, ok
}

// Revoke releases a reference. It reports false if the reference was not live.
func (s *PreviewStore) Revoke(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.previews[id]; !ok {
		return false
	}
	delete(s.previews, id)
	s.revoked++
	return true
}

// Live returns the number of unreleased references
func (s *PreviewStore) Live() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.previews)
}

// Counts returns how many references were ever created and revoked
func (s *PreviewStore) Counts() (created, revoked int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created, s.revoked
}
