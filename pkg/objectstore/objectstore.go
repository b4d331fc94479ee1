// Package objectstore implements the Object Store Client: put/get/head/
// list/delete on a bucket, plus the conditional put with ETag precondition
// that is the linchpin of the detached session core's atomic claim
// protocol (I4) and manifest CAS (I5). It is backed by Amazon S3 via
// aws-sdk-go, wrapped end to end by the retry policy.
package objectstore

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"github.com/cuemby/cloudburst/pkg/errs"
	"github.com/cuemby/cloudburst/pkg/log"
	"github.com/cuemby/cloudburst/pkg/retry"
)

// PutOptions configures a conditional or encrypted write.
type PutOptions struct {
	// IfMatch, when non-empty, makes the put conditional: it only
	// succeeds if the object's current ETag equals IfMatch. A mismatch
	// surfaces as errs.PreconditionFailed.
	IfMatch string
	// SSE requests server-side encryption (AES256) on write.
	SSE bool
}

// ListPage is one page of a List call; Keys is restartable via Cursor.
type ListPage struct {
	Keys   []string
	Cursor string
	More   bool
}

// Client is the contract the rest of cloudburst programs against; the S3
// backend and an in-memory fake (used in tests) both satisfy it.
type Client interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) (etag string, err error)
	Get(ctx context.Context, key string) (data []byte, etag string, err error)
	Head(ctx context.Context, key string) (exists bool, etag string, err error)
	List(ctx context.Context, prefix string, cursor string) (ListPage, error)
	Delete(ctx context.Context, keys []string) (deleted int, err error)
}

// S3Client implements Client against a single bucket.
type S3Client struct {
	api    s3iface.S3API
	bucket string
	retry  retry.Policy
}

// New constructs an S3-backed Client for bucket, using the given session
// (region, credentials resolved by the caller per AWS SDK conventions).
func New(sess *session.Session, bucket string) *S3Client {
	return &S3Client{
		api:    s3.New(sess),
		bucket: bucket,
		retry:  retry.Default(isRetryable),
	}
}

// NewWithAPI allows tests and alternative backends to inject an s3iface.S3API.
func NewWithAPI(api s3iface.S3API, bucket string) *S3Client {
	return &S3Client{api: api, bucket: bucket, retry: retry.Default(isRetryable)}
}

func isRetryable(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case "RequestTimeout", "RequestTimeoutException", "Throttling", "ThrottlingException",
		"SlowDown", "ServiceUnavailable", "InternalError", "500", "503":
		return true
	default:
		return false
	}
}

func (c *S3Client) Put(ctx context.Context, key string, data []byte, opts PutOptions) (string, error) {
	var etag string
	op := "put " + key
	err := c.retry.Do(ctx, op, func() error {
		input := &s3.PutObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}
		if opts.IfMatch != "" {
			input.IfMatch = aws.String(opts.IfMatch)
		}
		if opts.SSE {
			input.ServerSideEncryption = aws.String(s3.ServerSideEncryptionAes256)
		}
		out, err := c.api.PutObjectWithContext(ctx, input)
		if err != nil {
			if aerr, ok := err.(awserr.Error); ok {
				if aerr.Code() == "PreconditionFailed" {
					return errs.E(errs.PreconditionFailed, op, err)
				}
				if !isRetryable(aerr) {
					return errs.E(errs.Fatal, op, err)
				}
			}
			return err
		}
		if out.ETag != nil {
			etag = unquoteETag(*out.ETag)
		}
		return nil
	})
	return etag, err
}

func (c *S3Client) Get(ctx context.Context, key string) ([]byte, string, error) {
	var data []byte
	var etag string
	op := "get " + key
	err := c.retry.Do(ctx, op, func() error {
		out, err := c.api.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
				return errs.E(errs.NotFound, op, err)
			}
			return err
		}
		defer out.Body.Close()
		b, rerr := io.ReadAll(out.Body)
		if rerr != nil {
			return rerr
		}
		data = b
		if out.ETag != nil {
			etag = unquoteETag(*out.ETag)
		}
		return nil
	})
	return data, etag, err
}

func (c *S3Client) Head(ctx context.Context, key string) (bool, string, error) {
	var etag string
	exists := false
	op := "head " + key
	err := c.retry.Do(ctx, op, func() error {
		out, err := c.api.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == "NotFound" || aerr.Code() == s3.ErrCodeNoSuchKey) {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		if out.ETag != nil {
			etag = unquoteETag(*out.ETag)
		}
		return nil
	})
	return exists, etag, err
}

func (c *S3Client) List(ctx context.Context, prefix string, cursor string) (ListPage, error) {
	var page ListPage
	op := "list " + prefix
	err := c.retry.Do(ctx, op, func() error {
		input := &s3.ListObjectsV2Input{
			Bucket:  aws.String(c.bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int64(1000),
		}
		if cursor != "" {
			input.ContinuationToken = aws.String(cursor)
		}
		out, err := c.api.ListObjectsV2WithContext(ctx, input)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(out.Contents))
		for _, obj := range out.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		page = ListPage{Keys: keys}
		if out.IsTruncated != nil && *out.IsTruncated && out.NextContinuationToken != nil {
			page.More = true
			page.Cursor = *out.NextContinuationToken
		}
		return nil
	})
	return page, err
}

func (c *S3Client) Delete(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	deleted := 0
	op := "delete batch"
	// S3 DeleteObjects caps a single request at 1000 keys.
	for start := 0; start < len(keys); start += 1000 {
		end := start + 1000
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		err := c.retry.Do(ctx, op, func() error {
			objs := make([]*s3.ObjectIdentifier, 0, len(batch))
			for _, k := range batch {
				objs = append(objs, &s3.ObjectIdentifier{Key: aws.String(k)})
			}
			out, err := c.api.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(c.bucket),
				Delete: &s3.Delete{Objects: objs, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return err
			}
			deleted += len(out.Deleted)
			if len(out.Errors) > 0 {
				log.WithComponent("objectstore").Warn().
					Int("failed", len(out.Errors)).
					Msg("partial failure deleting object batch")
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

func unquoteETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}
