// Package snapshot captures consistent copies of hosted databases, uploads
// them to object storage with content-hash deduplication and retention, and
// restores them with an atomic current-pointer swap.
package snapshot

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/klauspost/compress/zstd"

	"github.com/ayedb/ayb/internal/types"
)

// Info describes one stored snapshot.
type Info struct {
	ID           string
	LastModified time.Time
}

// ObjectStore is the persistence behind the snapshot engine. Implementations
// store compressed database files keyed by <prefix>/<entity>/<database>/<id>.
type ObjectStore interface {
	// Put uploads the file at srcPath, compressed, under the snapshot id.
	Put(ctx context.Context, entity, database, id, srcPath string) error
	// Get downloads and decompresses a snapshot into destPath. A missing
	// object yields SnapshotDoesNotExist.
	Get(ctx context.Context, entity, database, id, destPath string) error
	// List returns stored snapshots newest-first.
	List(ctx context.Context, entity, database string) ([]Info, error)
	// DeleteMany removes the named snapshots.
	DeleteMany(ctx context.Context, entity, database string, ids []string) error
}

// S3Options configures the S3-backed object store.
type S3Options struct {
	Bucket          string
	PathPrefix      string
	AccessKeyID     string
	SecretAccessKey string
	EndpointURL     string
	Region          string
	ForcePathStyle  bool
}

type s3Store struct {
	client *s3.Client
	opts   S3Options
}

// NewS3Store builds the production object store.
func NewS3Store(ctx context.Context, opts S3Options) (ObjectStore, error) {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, types.Errorf(types.KindConfigurationError, "loading object storage credentials: %v", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if opts.EndpointURL != "" {
			o.BaseEndpoint = aws.String(opts.EndpointURL)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &s3Store{client: client, opts: opts}, nil
}

func (s *s3Store) key(entity, database, id string) string {
	return path.Join(s.opts.PathPrefix, entity, database, id)
}

func (s *s3Store) Put(ctx context.Context, entity, database, id, srcPath string) error {
	// Compress to a temporary file first so the upload can report a length;
	// some S3-compatible endpoints reject chunked streaming uploads.
	compressed, err := compressToTemp(srcPath)
	if err != nil {
		return err
	}
	defer os.Remove(compressed)

	f, err := os.Open(compressed)
	if err != nil {
		return types.Errorf(types.KindIO, "opening compressed snapshot: %v", err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(entity, database, id)),
		Body:   f,
	})
	if err != nil {
		return types.Errorf(types.KindStorageError, "uploading snapshot %s: %v", id, err)
	}
	return nil
}

func (s *s3Store) Get(ctx context.Context, entity, database, id, destPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(s.key(entity, database, id)),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return types.Errorf(types.KindSnapshotDoesNotExist, "snapshot %s does not exist", id)
		}
		return types.Errorf(types.KindStorageError, "downloading snapshot %s: %v", id, err)
	}
	defer out.Body.Close()
	return decompressTo(out.Body, destPath)
}

func (s *s3Store) List(ctx context.Context, entity, database string) ([]Info, error) {
	prefix := s.key(entity, database, "") + "/"
	var infos []Info
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opts.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, types.Errorf(types.KindStorageError, "listing snapshots: %v", err)
		}
		for _, obj := range page.Contents {
			infos = append(infos, Info{
				ID:           path.Base(aws.ToString(obj.Key)),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sortNewestFirst(infos)
	return infos, nil
}

func (s *s3Store) DeleteMany(ctx context.Context, entity, database string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	objects := make([]s3types.ObjectIdentifier, 0, len(ids))
	for _, id := range ids {
		objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(s.key(entity, database, id))})
	}
	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(s.opts.Bucket),
		Delete: &s3types.Delete{Objects: objects, Quiet: aws.Bool(true)},
	})
	if err != nil {
		return types.Errorf(types.KindStorageError, "deleting snapshots: %v", err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	var noKey *s3types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	// Some S3-compatible stores only surface the code in the message body.
	return strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "NotFound")
}

func sortNewestFirst(infos []Info) {
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].LastModified.Equal(infos[j].LastModified) {
			return infos[i].LastModified.After(infos[j].LastModified)
		}
		return infos[i].ID < infos[j].ID
	})
}

// compressToTemp zstd-compresses srcPath into a temporary file and returns
// its path. The caller removes it.
func compressToTemp(srcPath string) (string, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return "", types.Errorf(types.KindIO, "opening snapshot file: %v", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(srcPath), ".upload-*.zst")
	if err != nil {
		return "", types.Errorf(types.KindIO, "creating compression buffer: %v", err)
	}
	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", types.Errorf(types.KindIO, "initializing compressor: %v", err)
	}
	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		tmp.Close()
		os.Remove(tmp.Name())
		return "", types.Errorf(types.KindIO, "compressing snapshot: %v", err)
	}
	if err := enc.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", types.Errorf(types.KindIO, "finishing compression: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", types.Errorf(types.KindIO, "flushing compression buffer: %v", err)
	}
	return tmp.Name(), nil
}

// decompressTo streams a zstd-compressed body into destPath.
func decompressTo(body io.Reader, destPath string) error {
	dec, err := zstd.NewReader(body)
	if err != nil {
		return types.Errorf(types.KindIO, "initializing decompressor: %v", err)
	}
	defer dec.Close()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return types.Errorf(types.KindIO, "creating restored file: %v", err)
	}
	if _, err := io.Copy(dest, dec.IOReadCloser()); err != nil {
		dest.Close()
		return types.Errorf(types.KindIO, "decompressing snapshot: %v", err)
	}
	if err := dest.Sync(); err != nil {
		dest.Close()
		return types.Errorf(types.KindIO, "flushing restored file: %v", err)
	}
	return dest.Close()
}
