package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/annwen/groupauth/wire"
)

// ObjectStore keeps operation payload bodies as content-addressed
// blobs in S3-compatible object storage, so large payloads don't
// bloat the relational operation log.
type ObjectStore struct {
	client *minio.Client
	bucket string
}

// NewObjectStore connects to the object storage endpoint and ensures
// the bucket exists.
func NewObjectStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ObjectStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &ObjectStore{client: client, bucket: bucket}, nil
}

func (o *ObjectStore) objectName(hash wire.Hash) string {
	return fmt.Sprintf("payloads/%s", hash)
}

// PutPayload stores a payload body under its operation id.
func (o *ObjectStore) PutPayload(ctx context.Context, hash wire.Hash, body []byte) error {
	_, err := o.client.PutObject(ctx, o.bucket, o.objectName(hash),
		bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	return err
}

// GetPayload fetches a payload body by operation id.
func (o *ObjectStore) GetPayload(ctx context.Context, hash wire.Hash) ([]byte, error) {
	obj, err := o.client.GetObject(ctx, o.bucket, o.objectName(hash), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return body, nil
}

// DeletePayload removes a payload blob, a no-op if absent.
func (o *ObjectStore) DeletePayload(ctx context.Context, hash wire.Hash) error {
	return o.client.RemoveObject(ctx, o.bucket, o.objectName(hash), minio.RemoveObjectOptions{})
}

// SpillStore wraps a base Store, spilling payload bodies at or above
// Threshold bytes into object storage and serving them back
// transparently on reads.
type SpillStore struct {
	Base      Store
	Blobs     *ObjectStore
	Threshold int
}

func (s *SpillStore) spills(body []byte) bool {
	return s.Threshold > 0 && len(body) >= s.Threshold
}

func (s *SpillStore) InsertOperation(ctx context.Context, op Operation) (bool, error) {
	if !s.spills(op.Body) {
		return s.Base.InsertOperation(ctx, op)
	}

	spilled := op
	spilled.Body = nil
	inserted, err := s.Base.InsertOperation(ctx, spilled)
	if err != nil || !inserted {
		return inserted, err
	}
	if err := s.Blobs.PutPayload(ctx, op.Hash, op.Body); err != nil {
		return false, fmt.Errorf("storage: spilling payload: %w", err)
	}
	return true, nil
}

// rehydrate fills a spilled body back in. A header that declares a
// payload but whose row carries none marks a spilled operation.
func (s *SpillStore) rehydrate(ctx context.Context, op Operation) (Operation, error) {
	if len(op.Body) > 0 || op.Header.PayloadSize == 0 || s.Threshold <= 0 || op.Header.PayloadSize < uint64(s.Threshold) {
		return op, nil
	}
	body, err := s.Blobs.GetPayload(ctx, op.Hash)
	if err == ErrNotFound {
		// Payload was garbage-collected; the header remains valid.
		return op, nil
	}
	if err != nil {
		return op, err
	}
	op.Body = body
	return op, nil
}

func (s *SpillStore) GetOperation(ctx context.Context, hash wire.Hash) (Operation, error) {
	op, err := s.Base.GetOperation(ctx, hash)
	if err != nil {
		return Operation{}, err
	}
	return s.rehydrate(ctx, op)
}

func (s *SpillStore) DeleteOperation(ctx context.Context, hash wire.Hash) (bool, error) {
	existed, err := s.Base.DeleteOperation(ctx, hash)
	if err != nil {
		return existed, err
	}
	if existed {
		if err := s.Blobs.DeletePayload(ctx, hash); err != nil {
			return true, err
		}
	}
	return existed, nil
}

func (s *SpillStore) DeletePayload(ctx context.Context, hash wire.Hash) (bool, error) {
	existed, err := s.Base.DeletePayload(ctx, hash)
	if err != nil {
		return existed, err
	}
	if existed {
		if err := s.Blobs.DeletePayload(ctx, hash); err != nil {
			return true, err
		}
	}
	return existed, nil
}

func (s *SpillStore) GetLog(ctx context.Context, publicKey []byte, logID string, from *uint64) ([]Operation, error) {
	ops, err := s.Base.GetLog(ctx, publicKey, logID, from)
	if err != nil {
		return nil, err
	}
	for i, op := range ops {
		ops[i], err = s.rehydrate(ctx, op)
		if err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func (s *SpillStore) LatestOperation(ctx context.Context, publicKey []byte, logID string) (Operation, error) {
	op, err := s.Base.LatestOperation(ctx, publicKey, logID)
	if err != nil {
		return Operation{}, err
	}
	return s.rehydrate(ctx, op)
}

func (s *SpillStore) LogHeight(ctx context.Context, publicKey []byte, logID string) (uint64, bool, error) {
	return s.Base.LogHeight(ctx, publicKey, logID)
}
