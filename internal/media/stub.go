package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Stub keeps uploads in memory and hands out URLs under BaseURL. It stands in
// for Cloudinary in development and tests.
type Stub struct {
	BaseURL string

	mu      sync.Mutex
	uploads map[string]Image
}

// NewStub returns a Stub serving URLs under baseURL.
func NewStub(baseURL string) *Stub {
	return &Stub{BaseURL: baseURL, uploads: make(map[string]Image)}
}

// Upload implements Uploader.
func (s *Stub) Upload(ctx context.Context, img Image) (string, error) {
	url := s.BaseURL + "/" + img.ChatID + "/" + uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads[url] = img
	return url, nil
}

// Get returns a stored upload.
func (s *Stub) Get(url string) (Image, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.uploads[url]
	return img, ok
}
