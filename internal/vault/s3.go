package vault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"extpack/internal/config"
	"extpack/internal/pack"
)

// Environment variables holding static S3 credentials. When unset, the
// default AWS credential chain is used.
const (
	envAccessKeyID     = "EXTPACK_S3_ACCESS_KEY_ID"
	envSecretAccessKey = "EXTPACK_S3_SECRET_ACCESS_KEY"
)

// S3Vault stores archives as objects in an S3 bucket:
//
//	s3://<bucket>/<prefix>/archives/<name>
type S3Vault struct {
	name     string
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Vault creates an S3 vault from configuration. s3_endpoint selects an
// S3-compatible store and switches to path-style addressing.
func NewS3Vault(ctx context.Context, cfg config.VaultConfig) (*S3Vault, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	}
	if id, secret := os.Getenv(envAccessKeyID), os.Getenv(envSecretAccessKey); id != "" && secret != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(id, secret, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Vault{
		name:     cfg.Name,
		bucket:   cfg.S3Bucket,
		prefix:   cfg.S3Prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// key returns the object key for an archive name.
func (v *S3Vault) key(name string) string {
	return path.Join(v.prefix, "archives", name)
}

// PutArchive uploads an archive under name, replacing any previous object.
// With a known size the upload fails, and no object is written, unless r
// yields exactly size bytes.
func (v *S3Vault) PutArchive(name string, r io.Reader, size int64) error {
	if err := ValidateArchiveName(name); err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(v.bucket),
		Key:         aws.String(v.key(name)),
		Body:        r,
		ContentType: aws.String("application/zip"),
	}
	if size != pack.UnknownSize {
		input.Body = &sizedReader{r: r, size: size}
		input.ContentLength = aws.Int64(size)
	}
	if _, err := v.uploader.Upload(context.Background(), input); err != nil {
		return fmt.Errorf("uploading to s3://%s/%s: %w", v.bucket, v.key(name), err)
	}
	return nil
}

// GetArchive downloads the archive stored under name into w.
func (v *S3Vault) GetArchive(name string, w io.Writer) error {
	if err := ValidateArchiveName(name); err != nil {
		return err
	}

	out, err := v.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("archive not found: %s", name)
		}
		return fmt.Errorf("downloading s3://%s/%s: %w", v.bucket, v.key(name), err)
	}
	defer out.Body.Close()

	if _, err := io.Copy(w, out.Body); err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	return nil
}

// HasArchive reports whether an object exists for name.
func (v *S3Vault) HasArchive(name string) (bool, error) {
	if err := ValidateArchiveName(name); err != nil {
		return false, err
	}

	_, err := v.client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(v.bucket),
		Key:    aws.String(v.key(name)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("head s3://%s/%s: %w", v.bucket, v.key(name), err)
	}
	return true, nil
}

// ValidateSetup verifies that the bucket exists and is reachable with the
// configured credentials.
func (v *S3Vault) ValidateSetup() error {
	_, err := v.client.HeadBucket(context.Background(), &s3.HeadBucketInput{
		Bucket: aws.String(v.bucket),
	})
	if err != nil {
		return fmt.Errorf("s3 bucket %s not accessible: %w", v.bucket, err)
	}
	return nil
}

// sizedReader fails the stream when r yields more or fewer than size bytes.
type sizedReader struct {
	r    io.Reader
	size int64
	n    int64
}

func (s *sizedReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.n += int64(n)
	if s.n > s.size {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got more", s.size)
	}
	if err == io.EOF && s.n != s.size {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got %d", s.size, s.n)
	}
	return n, err
}

// Compile-time check that S3Vault implements pack.Vault interface
var _ pack.Vault = (*S3Vault)(nil)
