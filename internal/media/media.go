// Package media uploads chat images to external storage. The send pipeline
// only ever sees the resulting URL.
package media

import (
	"context"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

// DefaultMaxBytes bounds one image upload.
const DefaultMaxBytes = 10 << 20

var allowed = []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/heic"}

// Image is a sniffed upload ready to be stored.
type Image struct {
	ChatID   string
	SenderID string
	MimeType string
	Data     []byte
}

// Uploader stores an image and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, img Image) (string, error)
}

// ReadImage reads at most maxBytes from r and checks that the content is an
// accepted image type.
func ReadImage(r io.Reader, maxBytes int64) ([]byte, string, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, "", model.ErrPayloadTooLarge
	}
	if len(data) == 0 {
		return nil, "", model.ErrEmptyContent
	}

	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), allowed...) {
		return nil, "", fmt.Errorf("%w: unsupported image type %s", model.ErrInvalidMessageType, mt.String())
	}
	return data, mt.String(), nil
}
