// Package album stores family photos in an S3-compatible bucket, one
// prefix per space.
package album

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"familytree/api/internal/util"
)

var ErrUnsupportedType = errors.New("unsupported content type")

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

const maxPhotoSize = 10 << 20

type Photo struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	URL          string    `json:"url"`
	LastModified time.Time `json:"last_modified"`
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Service struct {
	client *minio.Client
	bucket string
}

func NewService(cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// UploadPhoto streams one photo into the space's prefix. The stored name is
// a generated id plus the extension for the declared content type; the
// original filename is kept as object metadata.
func (s *Service) UploadPhoto(ctx context.Context, spaceID, filename, contentType string, size int64, reader io.Reader) (Photo, error) {
	ext, ok := allowedTypes[strings.ToLower(contentType)]
	if !ok {
		return Photo{}, ErrUnsupportedType
	}
	if size > maxPhotoSize {
		return Photo{}, fmt.Errorf("photo exceeds %d bytes", maxPhotoSize)
	}

	id := util.NewID("pho") + ext
	objectName := spaceID + "/" + id
	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"original-name": filename},
	})
	if err != nil {
		return Photo{}, fmt.Errorf("upload photo: %w", err)
	}

	photoURL, err := s.presign(ctx, objectName)
	if err != nil {
		return Photo{}, err
	}
	return Photo{
		ID:           id,
		Name:         filename,
		Size:         size,
		ContentType:  contentType,
		URL:          photoURL,
		LastModified: time.Now().UTC(),
	}, nil
}

// ListPhotos returns the space's photos newest first with short-lived
// download URLs.
func (s *Service) ListPhotos(ctx context.Context, spaceID string) ([]Photo, error) {
	photos := []Photo{}
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    spaceID + "/",
		Recursive: true,
	})
	for object := range objects {
		if object.Err != nil {
			return nil, fmt.Errorf("list photos: %w", object.Err)
		}
		photoURL, err := s.presign(ctx, object.Key)
		if err != nil {
			return nil, err
		}
		photos = append(photos, Photo{
			ID:           path.Base(object.Key),
			Name:         path.Base(object.Key),
			Size:         object.Size,
			ContentType:  object.ContentType,
			URL:          photoURL,
			LastModified: object.LastModified,
		})
	}
	sort.SliceStable(photos, func(i, j int) bool {
		return photos[i].LastModified.After(photos[j].LastModified)
	})
	return photos, nil
}

// DeletePhoto removes one photo from the space's prefix. The id is the
// stored object basename, so a photo from another space cannot be addressed.
func (s *Service) DeletePhoto(ctx context.Context, spaceID, photoID string) error {
	if strings.Contains(photoID, "/") {
		return errors.New("invalid photo id")
	}
	objectName := spaceID + "/" + photoID
	if err := s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	return nil
}

func (s *Service) presign(ctx context.Context, objectName string) (string, error) {
	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, time.Hour, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectName, err)
	}
	return presigned.String(), nil
}
