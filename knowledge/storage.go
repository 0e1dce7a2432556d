package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var errObjectNotFound = errors.New("knowledge: object not found")

type objectInfo struct {
	Key       string
	Size      int64
	UpdatedAt time.Time
}

// objectStore is the durable key->blob mapping behind the knowledge store.
// Fronting the MinIO client with an interface keeps the store testable
// against an in-memory implementation.
type objectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Stat(ctx context.Context, key string) (objectInfo, error)
	Remove(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]objectInfo, error)
	Copy(ctx context.Context, src, dst string) error
}

// minioStore stores one object per channel in a MinIO/S3 bucket.
type minioStore struct {
	client *minio.Client
	bucket string
}

// newMinioStoreFromEnv initialises the blob backend using MINIO_* environment
// variables and ensures the bucket exists.
func newMinioStoreFromEnv() (*minioStore, error) {
	endpoint := strings.TrimSpace(os.Getenv("MINIO_ENDPOINT"))
	accessKey := strings.TrimSpace(os.Getenv("MINIO_ACCESS_KEY"))
	secretKey := strings.TrimSpace(os.Getenv("MINIO_SECRET_KEY"))
	bucket := strings.TrimSpace(os.Getenv("MINIO_BUCKET"))
	if endpoint == "" || accessKey == "" || secretKey == "" || bucket == "" {
		return nil, errors.New("knowledge: MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY and MINIO_BUCKET are required")
	}

	useSSL := strings.EqualFold(strings.TrimSpace(os.Getenv("MINIO_USE_SSL")), "true")
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: init minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("knowledge: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("knowledge: create bucket: %w", err)
		}
	}

	return &minioStore{client: client, bucket: bucket}, nil
}

func (s *minioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("knowledge: put object %s: %w", key, err)
	}
	return nil
}

func (s *minioStore) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("knowledge: get object %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, errObjectNotFound
		}
		return nil, fmt.Errorf("knowledge: read object %s: %w", key, err)
	}
	return data, nil
}

func (s *minioStore) Stat(ctx context.Context, key string) (objectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return objectInfo{}, errObjectNotFound
		}
		return objectInfo{}, fmt.Errorf("knowledge: stat object %s: %w", key, err)
	}
	return objectInfo{Key: key, Size: stat.Size, UpdatedAt: stat.LastModified}, nil
}

func (s *minioStore) Remove(ctx context.Context, key string) error {
	if _, err := s.Stat(ctx, key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("knowledge: remove object %s: %w", key, err)
	}
	return nil
}

func (s *minioStore) List(ctx context.Context, prefix string) ([]objectInfo, error) {
	var infos []objectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("knowledge: list objects %s: %w", prefix, obj.Err)
		}
		infos = append(infos, objectInfo{Key: obj.Key, Size: obj.Size, UpdatedAt: obj.LastModified})
	}
	return infos, nil
}

func (s *minioStore) Copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src},
	)
	if err != nil {
		if isNoSuchKey(err) {
			return errObjectNotFound
		}
		return fmt.Errorf("knowledge: copy object %s -> %s: %w", src, dst, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == 404
}
