package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/fota/pkg/log"
	"github.com/autopeer-io/fota/pkg/options"
)

const objectScheme = "s3://"

// IsObjectLocator reports whether url names an object in S3 storage.
func IsObjectLocator(url string) bool {
	return strings.HasPrefix(url, objectScheme)
}

// ParseLocator splits s3://bucket/key.
func ParseLocator(url string) (bucket, key string, err error) {
	if !IsObjectLocator(url) {
		return "", "", fmt.Errorf("not an object locator: %q", url)
	}
	bucket, key, ok := strings.Cut(strings.TrimPrefix(url, objectScheme), "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("object locator %q must be s3://bucket/key", url)
	}
	return bucket, key, nil
}

// byteRange returns the inclusive byte range of chunk index.
func byteRange(m *Manifest, index uint32) (start, end int64, err error) {
	n := m.ChunkLen(index)
	if n == 0 {
		return 0, 0, fmt.Errorf("%w: chunk %d outside image of %d chunks", ErrIntegrity, index, m.ChunkCount())
	}
	start = int64(m.Offset(index))
	return start, start + int64(n) - 1, nil
}

// ObjectTransport reads chunks as ranged GETs of the image object. Object
// storage carries no per-chunk MAC.
type ObjectTransport struct {
	client *minio.Client
	logger log.Logger
}

var _ ChunkSource = (*ObjectTransport)(nil)

func NewObjectTransport(opts *options.S3Options) (*ObjectTransport, error) {
	minioOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	}
	if opts.InsecureSkipVerify {
		minioOpts.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	client, err := minio.New(opts.Endpoint, minioOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &ObjectTransport{client: client, logger: log.WithName("transport.object")}, nil
}

func (o *ObjectTransport) FetchChunk(ctx context.Context, m *Manifest, index uint32) (*Chunk, error) {
	bucket, key, err := ParseLocator(m.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	start, end, err := byteRange(m, index)
	if err != nil {
		return nil, err
	}

	getOpts := minio.GetObjectOptions{}
	if err := getOpts.SetRange(start, end); err != nil {
		return nil, err
	}

	obj, err := o.client.GetObject(ctx, bucket, key, getOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s/%s: %v", ErrNetwork, bucket, key, err)
	}
	defer obj.Close()

	payload, err := io.ReadAll(obj)
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) {
			o.logger.Debug("Object read rejected", "bucket", bucket, "key", key, "code", resp.Code)
		}
		return nil, fmt.Errorf("%w: read %s/%s [%d-%d]: %v", ErrNetwork, bucket, key, start, end, err)
	}
	return &Chunk{Index: index, Payload: payload}, nil
}
