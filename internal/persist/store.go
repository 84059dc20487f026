package persist

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/renameio"

	"github.com/23skdu/ivfshard/internal/errors"
)

// ErrNotFound is returned by a Store when the key holds no snapshot.
var ErrNotFound = stderrors.New("snapshot not found")

// Store keeps encoded snapshots under string keys.
type Store interface {
	Put(ctx context.Context, key string, blob []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// FileStore writes snapshots below a directory. Writes are atomic: a
// reader sees either the previous file or the complete new one.
type FileStore struct {
	dir  string
	perm os.FileMode
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeResource, "file_store", "failed to create snapshot directory")
	}
	return &FileStore{dir: dir, perm: 0o644}, nil
}

func (f *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if key == "" || filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", errors.E(errors.ErrInvalidArgument, "file_store", "invalid snapshot key %q", key)
	}
	return filepath.Join(f.dir, clean), nil
}

// Put atomically replaces the snapshot at key.
func (f *FileStore) Put(ctx context.Context, key string, blob []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, errors.ErrorTypeResource, "file_store_put", "failed to create directory")
	}
	if err := renameio.WriteFile(p, blob, f.perm); err != nil {
		return errors.Wrap(err, errors.ErrorTypeResource, "file_store_put", "failed to write snapshot").
			WithContext("path", p)
	}
	return nil
}

// Get reads the snapshot at key.
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	blob, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, errors.ErrorTypeResource, "file_store_get", "failed to read snapshot").
			WithContext("path", p)
	}
	return blob, nil
}

// S3Client is the subset of *s3.Client used by S3Store.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps snapshots as objects under bucket/prefix.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Store wraps an S3 client. prefix is prepended to every key.
func NewS3Store(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

// NewS3StoreFromEnv builds a client from the default AWS credential chain.
func NewS3StoreFromEnv(ctx context.Context, bucket, prefix string) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "s3_store", "failed to load AWS config")
	}
	return NewS3Store(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func (s *S3Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put uploads blob to key.
func (s *S3Store) Put(ctx context.Context, key string, blob []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(key)),
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(int64(len(blob))),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeResource, "s3_store_put", "failed to upload snapshot").
			WithContext("key", s.key(key))
	}
	return nil
}

// Get downloads the object at key.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if stderrors.As(err, &nsk) {
			return nil, ErrNotFound
		}
		var nf *types.NotFound
		if stderrors.As(err, &nf) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, errors.ErrorTypeResource, "s3_store_get", "failed to download snapshot").
			WithContext("key", s.key(key))
	}
	defer out.Body.Close()

	blob, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeResource, "s3_store_get", "failed to read snapshot body")
	}
	return blob, nil
}
