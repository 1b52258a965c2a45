// Package attachment stores notification attachments in an object store and
// hands out references to them. Records only ever hold the object key.
package attachment

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrNotFound is returned when the referenced object does not exist.
var ErrNotFound = errors.New("attachment not found")

// Store is an object store for attachment content.
type Store interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// PresignGet returns a time-limited URL providers can fetch the object from.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Key builds the object key for an attachment of a record.
func Key(userID string, id uuid.UUID, filename string) string {
	user := sanitize(userID)
	if strings.Trim(user, ".") == "" {
		user = "_"
	}
	return fmt.Sprintf("attachments/%s/%s/%s", user, id, SanitizeFilename(filename))
}

// SanitizeFilename strips directories and characters that do not belong in
// an object key or a Content-Disposition header.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = sanitize(name)
	// Dot-only names resolve to a parent or current directory in keys.
	if strings.Trim(name, ".") == "" {
		return "attachment"
	}
	return name
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	return b.String()
}

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner is the subset of the S3 presign client used by S3Store.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Store keeps attachments in one S3 bucket.
type S3Store struct {
	api     S3API
	presign Presigner
	bucket  string
}

// NewS3Store builds a store from an AWS config.
func NewS3Store(cfg aws.Config, bucket string) *S3Store {
	client := s3.NewFromConfig(cfg)
	return NewS3StoreWithAPI(client, s3.NewPresignClient(client), bucket)
}

// NewS3StoreWithAPI builds a store from pre-configured clients.
func NewS3StoreWithAPI(api S3API, presign Presigner, bucket string) *S3Store {
	return &S3Store{api: api, presign: presign, bucket: bucket}
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, data []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
	})
	return errors.Wrapf(err, "put attachment %s", key)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get attachment %s", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "read attachment %s", key)
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return errors.Wrapf(err, "delete attachment %s", key)
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", errors.Wrapf(err, "presign attachment %s", key)
	}
	return req.URL, nil
}

// MemoryStore keeps attachments in process memory. It backs tests and local
// development without an object store.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	baseURL string
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte), baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (m *MemoryStore) Put(_ context.Context, key, _ string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemoryStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", ErrNotFound
	}
	return m.baseURL + "/" + key, nil
}

// Has reports whether key is stored.
func (m *MemoryStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}
