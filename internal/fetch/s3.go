package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/peerpress/peerpress/internal/bundle"
	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/xerrors"
)

// s3API is the subset of the S3 API the fetch service uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3 stores bundles as tar.gz archives at
// s3://{bucket}/{prefix}/{bundle_id}.tar.gz with the manifest beside
// them. Fetched archives are extracted and re-verified against the
// manifest before the content directory is handed out.
type S3 struct {
	client     s3API
	bucket     string
	prefix     string
	extractDir string
	logger     log.Logger
	scanner    Scanner
}

type S3Options struct {
	Bucket string
	Prefix string

	// ExtractDir receives fetched content, one subdirectory per bundle
	// id so swaps are atomic.
	ExtractDir string

	Logger log.Logger

	// Scanner vets fetched bundles against the content blocklist.
	// Optional; nil disables scanning.
	Scanner Scanner
}

func NewS3(client *s3.Client, opts S3Options) (*S3, error) {
	if opts.Bucket == "" {
		return nil, xerrors.New("fetch: S3 Bucket is required")
	}
	if opts.ExtractDir == "" {
		return nil, xerrors.New("fetch: ExtractDir is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(opts.ExtractDir, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "fetch: create extract dir %s", opts.ExtractDir)
	}
	return &S3{
		client:     client,
		bucket:     opts.Bucket,
		prefix:     opts.Prefix,
		extractDir: opts.ExtractDir,
		logger:     logger,
		scanner:    opts.Scanner,
	}, nil
}

func (s *S3) archiveKey(bundleID string) string {
	if s.prefix != "" {
		return fmt.Sprintf("%s/%s.tar.gz", s.prefix, bundleID)
	}
	return bundleID + ".tar.gz"
}

func (s *S3) manifestKey(bundleID string) string {
	if s.prefix != "" {
		return fmt.Sprintf("%s/%s.manifest.json", s.prefix, bundleID)
	}
	return bundleID + ".manifest.json"
}

func (s *S3) Publish(ctx context.Context, contentRoot string) (string, error) {
	b, err := bundle.Package(ctx, contentRoot)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := writeTarGz(&buf, contentRoot, b.Manifest); err != nil {
		return "", err
	}
	if int64(buf.Len()) > maxArchiveSize {
		return "", xerrors.Newf("fetch: archive exceeds max size (%d bytes)", buf.Len())
	}

	manifestJSON, err := json.Marshal(b.Manifest)
	if err != nil {
		return "", xerrors.Wrap(err, "fetch: marshal manifest")
	}

	archiveSum := sha256.Sum256(buf.Bytes())
	s.logger.Info(ctx, "uploading content bundle",
		"bucket", s.bucket,
		"key", s.archiveKey(b.ID),
		"bytes", buf.Len(),
		"archive_sha256", hex.EncodeToString(archiveSum[:]))

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.archiveKey(b.ID)),
		Body:   bytes.NewReader(buf.Bytes()),
	}); err != nil {
		return "", xerrors.Wrapf(err, "put S3 object s3://%s/%s", s.bucket, s.archiveKey(b.ID))
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(b.ID)),
		Body:   bytes.NewReader(manifestJSON),
	}); err != nil {
		return "", xerrors.Wrapf(err, "put S3 object s3://%s/%s", s.bucket, s.manifestKey(b.ID))
	}

	return b.ID, nil
}

func (s *S3) Fetch(ctx context.Context, bundleID string) (string, error) {
	if !bundle.ValidateBundleID(bundleID) {
		return "", xerrors.Newf("fetch: invalid bundle id %q", bundleID)
	}

	dest := filepath.Join(s.extractDir, bundleID)
	m, err := s.fetchManifest(ctx, bundleID)
	if err != nil {
		return "", err
	}

	// already extracted and still intact
	if bundle.Verify(ctx, dest, m) == nil {
		if err := s.vet(ctx, dest, m); err != nil {
			return "", err
		}
		return dest, nil
	}

	archivePath, err := s.download(ctx, bundleID)
	if err != nil {
		return "", err
	}
	defer os.Remove(archivePath)

	os.RemoveAll(dest)
	if err := extractTarGz(archivePath, dest); err != nil {
		os.RemoveAll(dest)
		return "", err
	}
	if err := bundle.Verify(ctx, dest, m); err != nil {
		os.RemoveAll(dest)
		return "", err
	}
	if err := s.vet(ctx, dest, m); err != nil {
		return "", err
	}
	return dest, nil
}

// vet runs the content scanner over a verified manifest and disposes of
// the extracted directory when anything matches the blocklist.
func (s *S3) vet(ctx context.Context, dest string, m bundle.Manifest) error {
	if s.scanner == nil {
		return nil
	}
	if err := s.scanner.ScanManifest(ctx, m); err != nil {
		if qerr := s.scanner.Quarantine(ctx, dest, "blocklist match"); qerr != nil {
			s.logger.Error(ctx, qerr, "failed to quarantine blocked bundle", "bundle_id", m.BundleID)
		}
		return err
	}
	return nil
}

func (s *S3) Status(ctx context.Context, bundleID string) (Status, error) {
	if !bundle.ValidateBundleID(bundleID) {
		return Status{}, xerrors.Newf("fetch: invalid bundle id %q", bundleID)
	}
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.archiveKey(bundleID)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Status{}, nil
		}
		return Status{}, xerrors.Wrapf(err, "head S3 object s3://%s/%s", s.bucket, s.archiveKey(bundleID))
	}
	return Status{Available: true, Progress: 1}, nil
}

func (s *S3) fetchManifest(ctx context.Context, bundleID string) (bundle.Manifest, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.manifestKey(bundleID)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return bundle.Manifest{}, ErrUnavailable
		}
		return bundle.Manifest{}, xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, s.manifestKey(bundleID))
	}
	defer out.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(out.Body, 10*1024*1024))
	if err != nil {
		return bundle.Manifest{}, xerrors.Wrap(err, "fetch: read manifest body")
	}
	var m bundle.Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return bundle.Manifest{}, xerrors.Wrap(err, "fetch: parse manifest")
	}
	if m.BundleID != bundleID {
		return bundle.Manifest{}, xerrors.Newf("fetch: manifest id %s under key for %s", m.BundleID, bundleID)
	}
	return m, nil
}

func (s *S3) download(ctx context.Context, bundleID string) (string, error) {
	key := s.archiveKey(bundleID)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return "", ErrUnavailable
		}
		return "", xerrors.Wrapf(err, "get S3 object s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()

	tmp, err := os.CreateTemp("", "peerpress-bundle-*.tar.gz")
	if err != nil {
		return "", xerrors.Wrap(err, "fetch: create temp file")
	}
	tmpPath := tmp.Name()

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(out.Body, maxArchiveSize+1))
	tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return "", xerrors.Wrap(err, "fetch: download bundle")
	}
	if written > maxArchiveSize {
		os.Remove(tmpPath)
		return "", xerrors.Newf("fetch: archive exceeds max size (%d bytes)", written)
	}

	s.logger.Info(ctx, "downloaded content bundle",
		"bundle_id", bundleID,
		"bytes", written,
		"archive_sha256", hex.EncodeToString(h.Sum(nil)))
	return tmpPath, nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
