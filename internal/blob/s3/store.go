package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/alanyoungcy/tabsettle/internal/domain"
)

// minPartSize is the smallest multipart part S3 accepts.
const minPartSize int64 = 5 << 20

// Store reads and writes archive objects in one bucket. It implements both
// domain.BlobWriter (for the archiver) and domain.BlobReader (for the API).
type Store struct {
	api    *s3.Client
	bucket string
}

// NewStore returns a Store over c's bucket.
func NewStore(c *Client) *Store {
	return &Store{api: c.s3, bucket: c.bucket}
}

func (s *Store) input(path string, body io.Reader, contentType string) *s3.PutObjectInput {
	if contentType == "" {
		contentType = jsonlContentType
	}
	return &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(path),
		Body:              body,
		ContentType:       aws.String(contentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
}

// Put uploads an object in one request.
func (s *Store) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	if _, err := s.api.PutObject(ctx, s.input(path, data, contentType)); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart streams data through the upload manager. partSize is raised
// to the S3 minimum when smaller.
func (s *Store) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	up := manager.NewUploader(s.api, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
	})
	if _, err := up.Upload(ctx, s.input(path, data, jsonlContentType)); err != nil {
		return fmt.Errorf("s3blob: multipart upload %s: %w", path, err)
	}
	return nil
}

// Get opens an archive. The caller closes it. A missing key is
// domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(path),
	})
	switch {
	case isNotFound(err):
		return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return out.Body, nil
}

// List returns the archives under prefix, newest first. Folder markers are
// skipped.
func (s *Store) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo
	pages := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if key := aws.ToString(obj.Key); !strings.HasSuffix(key, "/") {
				infos = append(infos, toBlobInfo(obj))
			}
		}
	}
	sortNewestFirst(infos)
	return infos, nil
}

func toBlobInfo(obj types.Object) domain.BlobInfo {
	info := domain.BlobInfo{Path: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
	if obj.LastModified != nil {
		info.LastModified = obj.LastModified.UTC()
	}
	return info
}

func sortNewestFirst(infos []domain.BlobInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].LastModified.Equal(infos[j].LastModified) {
			return infos[i].LastModified.After(infos[j].LastModified)
		}
		return infos[i].Path > infos[j].Path
	})
}

// isNotFound also accepts the bare 404 some S3-compatible stores return.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var status interface{ HTTPStatusCode() int }
	return errors.As(err, &status) && status.HTTPStatusCode() == http.StatusNotFound
}

var (
	_ domain.BlobReader = (*Store)(nil)
	_ domain.BlobWriter = (*Store)(nil)
)
