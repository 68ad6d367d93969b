package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/google/uuid"
)

// CloudinaryConfig holds Cloudinary credentials.
type CloudinaryConfig struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Cloudinary uploads images to Cloudinary.
type Cloudinary struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// NewCloudinary creates an uploader from credentials.
func NewCloudinary(cfg CloudinaryConfig) (*Cloudinary, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("cloudinary: incomplete credentials")
	}
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("cloudinary: %w", err)
	}
	cld.Config.URL.Secure = true
	return &Cloudinary{cld: cld, folder: cfg.Folder}, nil
}

// Upload implements Uploader. Images land under folder/chatID.
func (c *Cloudinary) Upload(ctx context.Context, img Image) (string, error) {
	res, err := c.cld.Upload.Upload(ctx, bytes.NewReader(img.Data), uploader.UploadParams{
		Folder:   c.folder + "/" + img.ChatID,
		PublicID: uuid.Must(uuid.NewV7()).String(),
		Tags:     []string{"chat", img.SenderID},
	})
	if err != nil {
		return "", fmt.Errorf("cloudinary: upload: %w", err)
	}
	if res.Error.Message != "" {
		return "", fmt.Errorf("cloudinary: upload: %s", res.Error.Message)
	}
	return res.SecureURL, nil
}
