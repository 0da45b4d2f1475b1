package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Scheme is the scheme of locations in Amazon S3 (or compatible APIs).
const S3Scheme = "s3"

// S3Backend serves s3://bucket/key locations.
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
}

func NewS3Backend(client *s3.Client) *S3Backend {
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
	}
}

func (b *S3Backend) Handle(u *url.URL) (Handle, error) {
	bucket, key, err := ParseS3Location(u.String())
	if err != nil {
		return nil, err
	}
	return &s3Handle{backend: b, bucket: bucket, key: key}, nil
}

// ParseS3Location splits an s3:// location into bucket and key.
func ParseS3Location(location string) (bucket, key string, err error) {
	if !strings.HasPrefix(location, "s3://") {
		return "", "", fmt.Errorf("invalid s3 location %q", location)
	}
	rest := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", fmt.Errorf("invalid s3 location %q: bucket missing", location)
	}
	if len(parts) == 2 {
		key = strings.Trim(parts[1], "/")
	}
	return parts[0], key, nil
}

type s3Handle struct {
	backend *S3Backend
	bucket  string
	key     string
}

func (h *s3Handle) URL() string {
	if h.key == "" {
		return fmt.Sprintf("s3://%s", h.bucket)
	}
	return fmt.Sprintf("s3://%s/%s", h.bucket, h.key)
}

func (h *s3Handle) IsLocal() bool {
	return false
}

func (h *s3Handle) Exists(ctx context.Context) (bool, error) {
	if h.key == "" {
		return true, nil
	}
	_, err := h.backend.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key),
	})
	if err == nil {
		return true, nil
	}
	if !isS3NotFound(err) {
		return false, fmt.Errorf("head object: %w", err)
	}
	return h.hasChildren(ctx)
}

func (h *s3Handle) IsDir(ctx context.Context) (bool, error) {
	if h.key == "" {
		return true, nil
	}
	return h.hasChildren(ctx)
}

func (h *s3Handle) hasChildren(ctx context.Context) (bool, error) {
	output, err := h.backend.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(h.bucket),
		Prefix:  aws.String(h.key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, fmt.Errorf("list objects: %w", err)
	}
	return len(output.Contents) > 0, nil
}

// Mkdir is a no-op; prefixes come into existence with their first object.
func (h *s3Handle) Mkdir(ctx context.Context) error {
	return nil
}

func (h *s3Handle) Open(ctx context.Context) (io.ReadCloser, error) {
	output, err := h.backend.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(h.bucket),
		Key:    aws.String(h.key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, h.URL())
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return output.Body, nil
}

// Create streams everything written to the returned writer into one object. The upload
// result is reported by Close.
func (h *s3Handle) Create(ctx context.Context) (io.WriteCloser, error) {
	if h.key == "" {
		return nil, fmt.Errorf("s3 key is required")
	}
	pr, pw := io.Pipe()
	w := &s3Writer{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := h.backend.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String(h.key),
			Body:   pr,
			ACL:    types.ObjectCannedACLPrivate,
		})
		_ = pr.CloseWithError(err)
		w.done <- err
	}()
	return w, nil
}

// Remove deletes the object and everything below its prefix.
func (h *s3Handle) Remove(ctx context.Context) error {
	if h.key != "" {
		_, err := h.backend.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String(h.key),
		})
		if err != nil && !isS3NotFound(err) {
			return fmt.Errorf("delete object: %w", err)
		}
	}
	return h.backend.DeletePrefix(ctx, h.bucket, h.key)
}

// DeletePrefix removes every object below prefix.
func (b *S3Backend) DeletePrefix(ctx context.Context, bucket, prefix string) error {
	trimmed := strings.Trim(prefix, "/")
	if trimmed == "" {
		return fmt.Errorf("prefix is required")
	}

	listInput := &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(trimmed + "/"),
	}

	for {
		output, err := b.client.ListObjectsV2(ctx, listInput)
		if err != nil {
			return fmt.Errorf("list objects for delete: %w", err)
		}

		if len(output.Contents) > 0 {
			identifiers := make([]types.ObjectIdentifier, 0, len(output.Contents))
			for _, obj := range output.Contents {
				identifiers = append(identifiers, types.ObjectIdentifier{Key: obj.Key})
			}
			_, err := b.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(bucket),
				Delete: &types.Delete{
					Objects: identifiers,
					Quiet:   aws.Bool(true),
				},
			})
			if err != nil {
				return fmt.Errorf("delete objects: %w", err)
			}
		}

		if !aws.ToBool(output.IsTruncated) || output.NextContinuationToken == nil {
			break
		}
		listInput.ContinuationToken = output.NextContinuationToken
	}

	return nil
}

type s3Writer struct {
	pw   *io.PipeWriter
	done chan error
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

func (w *s3Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	if err := <-w.done; err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	return nil
}

// CloseWithError fails the upload so no object is stored under the key.
func (w *s3Writer) CloseWithError(err error) error {
	_ = w.pw.CloseWithError(err)
	<-w.done
	return nil
}

func isS3NotFound(err error) bool {
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

var (
	_ Backend = (*S3Backend)(nil)
	_ Aborter = (*s3Writer)(nil)
)
