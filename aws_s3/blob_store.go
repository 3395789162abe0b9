package aws_s3

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/covpipe/covpipe"
)

type blobStore struct {
	client *s3.Client
	bucket string
}

// NewBlobStore returns a covpipe.BlobStore writing to the configured bucket.
func NewBlobStore(client *s3.Client, bucket string) covpipe.BlobStore {
	return &blobStore{
		client: client,
		bucket: bucket,
	}
}

// Fetch reads the object at path. A missing key maps to
// covpipe.Error{Code: FileNotInStorage} so the Processor's grace retry can
// distinguish it from transient storage failures.
func (b *blobStore) Fetch(ctx context.Context, path string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, covpipe.Error{Code: covpipe.FileNotInStorage, Err: err, UserData: path}
		}
		return nil, covpipe.Error{Code: covpipe.TransientStorage, Err: err, UserData: path}
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

// Upload writes payload at path, overwriting any previous object.
func (b *blobStore) Upload(ctx context.Context, path string, payload []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return covpipe.Error{Code: covpipe.TransientStorage, Err: err, UserData: path}
	}
	return nil
}

// Delete removes the object at path; deleting an absent object is a no-op.
func (b *blobStore) Delete(ctx context.Context, path string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return covpipe.Error{Code: covpipe.TransientStorage, Err: err, UserData: path}
	}
	return nil
}
