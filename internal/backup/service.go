// Package backup stores archives in an S3-compatible bucket and runs the
// continuous-sync worker that produces them.
package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/klauspost/compress/gzip"

	"github.com/dukerupert/graphsafe/internal/apperr"
	"github.com/dukerupert/graphsafe/internal/crypto"
	"github.com/dukerupert/graphsafe/internal/model"
)

// S3Client is the subset of the S3 API the service uses.
type S3Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

const (
	metaKind      = "kind"
	metaCreatedAt = "created-at"
	metaChecksum  = "sha256"
	metaEncrypted = "encrypted"
)

// DefaultRetention is how long unprotected archives of each kind are kept.
var DefaultRetention = map[model.ArchiveKind]time.Duration{
	model.KindManual:      30 * 24 * time.Hour,
	model.KindScheduled:   90 * 24 * time.Hour,
	model.KindIncremental: 30 * 24 * time.Hour,
	model.KindFull:        90 * 24 * time.Hour,
}

// Config holds object-store settings.
type Config struct {
	Bucket     string
	Prefix     string
	Passphrase string
	Retention  map[model.ArchiveKind]time.Duration
}

// SnapshotFunc produces a full-state payload for write-before-delete.
type SnapshotFunc func(ctx context.Context) ([]byte, error)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Kind             model.ArchiveKind
	Since            time.Time
	Until            time.Time
	Limit            int
	ExcludeProtected bool
}

type Option func(*Service)

// WithClock overrides the time source used for keys and retention.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithSnapshotSource sets the function used for the safety snapshot taken
// before every user-requested delete.
func WithSnapshotSource(fn SnapshotFunc) Option {
	return func(s *Service) { s.snapshot = fn }
}

// Service manages compressed archives in an S3 bucket.
type Service struct {
	client   S3Client
	uploader *manager.Uploader
	cfg      Config
	snapshot SnapshotFunc
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	lastKey time.Time
}

// NewService creates a backup service over client.
func NewService(client S3Client, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if cfg.Retention == nil {
		cfg.Retention = DefaultRetention
	}
	s := &Service{
		client:   client,
		uploader: manager.NewUploader(client),
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// nextTimestamp returns a strictly increasing millisecond timestamp so two
// archives never share a key.
func (s *Service) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Millisecond)
	if !t.After(s.lastKey) {
		t = s.lastKey.Add(time.Millisecond)
	}
	s.lastKey = t
	return t
}

// Store compresses payload, checksums it and uploads it as a new archive.
func (s *Service) Store(ctx context.Context, kind model.ArchiveKind, payload []byte) (*model.Archive, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("store archive: unknown kind %q: %w", kind, apperr.ErrInvalidRequest)
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("compress archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress archive: %w", err)
	}
	data := buf.Bytes()

	encrypted := s.cfg.Passphrase != ""
	if encrypted {
		sealed, err := crypto.Seal(data, s.cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("encrypt archive: %w", err)
		}
		data = sealed
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	created := s.nextTimestamp()
	key := ArchiveKey(s.cfg.Prefix, kind, created)

	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/gzip"),
		Metadata: map[string]string{
			metaKind:      string(kind),
			metaCreatedAt: created.Format(time.RFC3339Nano),
			metaChecksum:  checksum,
			metaEncrypted: fmt.Sprint(encrypted),
		},
	})
	if err != nil {
		return nil, classify("upload "+key, err)
	}

	archive := &model.Archive{
		Key:       key,
		Kind:      kind,
		Size:      int64(len(data)),
		Checksum:  checksum,
		CreatedAt: created,
		Protected: IsProtected(key),
		Encrypted: encrypted,
	}
	s.logger.Info("archive stored", "key", key, "kind", kind, "size", archive.Size)
	return archive, nil
}

// Fetch downloads an archive, verifies its checksum and returns the
// decompressed payload.
func (s *Service) Fetch(ctx context.Context, key string) ([]byte, *model.Archive, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, classify("download "+key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w: %w", key, apperr.ErrStorageUnavailable, err)
	}

	archive := s.archiveFromMeta(key, out.Metadata, int64(len(data)))
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if archive.Checksum != "" && archive.Checksum != actual {
		return nil, nil, fmt.Errorf("verify %s: %w", key, apperr.ErrCorrupt)
	}
	if archive.Checksum == "" {
		s.logger.Warn("archive has no checksum metadata", "key", key)
		archive.Checksum = actual
	}

	if archive.Encrypted {
		if s.cfg.Passphrase == "" {
			return nil, nil, fmt.Errorf("open %s: archive is encrypted and no passphrase is configured: %w", key, apperr.ErrInvalidRequest)
		}
		if data, err = crypto.Open(data, s.cfg.Passphrase); err != nil {
			return nil, nil, fmt.Errorf("decrypt %s: %v: %w", key, err, apperr.ErrCorrupt)
		}
	}

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("decompress %s: %v: %w", key, err, apperr.ErrCorrupt)
	}
	defer zr.Close()
	payload, err := io.ReadAll(zr)
	if err != nil {
		return nil, nil, fmt.Errorf("decompress %s: %v: %w", key, err, apperr.ErrCorrupt)
	}
	return payload, archive, nil
}

// Head returns archive metadata without downloading the body.
func (s *Service) Head(ctx context.Context, key string) (*model.Archive, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("head "+key, err)
	}
	return s.archiveFromMeta(key, out.Metadata, aws.ToInt64(out.ContentLength)), nil
}

func (s *Service) archiveFromMeta(key string, meta map[string]string, size int64) *model.Archive {
	a := &model.Archive{
		Key:       key,
		Size:      size,
		Checksum:  meta[metaChecksum],
		Protected: IsProtected(key),
		Encrypted: meta[metaEncrypted] == "true",
	}
	if kind, ts, ok := ParseKey(s.cfg.Prefix, key); ok {
		a.Kind, a.CreatedAt = kind, ts
	}
	if k := model.ArchiveKind(meta[metaKind]); k.Valid() {
		a.Kind = k
	}
	return a
}

// List returns archives under the configured prefix, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]model.Archive, error) {
	archives, err := s.scan(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range archives {
		head, err := s.Head(ctx, archives[i].Key)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		archives[i].Checksum = head.Checksum
		archives[i].Encrypted = head.Encrypted
	}
	return archives, nil
}

// scan lists and filters object keys without per-object metadata lookups.
func (s *Service) scan(ctx context.Context, f Filter) ([]model.Archive, error) {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(s.cfg.Prefix),
	})

	var archives []model.Archive
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("list archives", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			kind, ts, ok := ParseKey(s.cfg.Prefix, key)
			if !ok {
				continue
			}
			protected := IsProtected(key)
			if f.ExcludeProtected && protected {
				continue
			}
			if f.Kind != "" && f.Kind != kind {
				continue
			}
			if !f.Since.IsZero() && ts.Before(f.Since) {
				continue
			}
			if !f.Until.IsZero() && ts.After(f.Until) {
				continue
			}
			archives = append(archives, model.Archive{
				Key:       key,
				Kind:      kind,
				Size:      aws.ToInt64(obj.Size),
				CreatedAt: ts,
				Protected: protected,
			})
		}
	}

	sort.SliceStable(archives, func(i, j int) bool {
		if archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].Key > archives[j].Key
		}
		return archives[i].CreatedAt.After(archives[j].CreatedAt)
	})
	if f.Limit > 0 && len(archives) > f.Limit {
		archives = archives[:f.Limit]
	}
	return archives, nil
}

// manages reports whether key names an archive this service lists: it sits
// under the configured prefix and parses as an archive key.
func (s *Service) manages(key string) bool {
	if !strings.HasPrefix(key, s.cfg.Prefix) {
		return false
	}
	_, _, ok := ParseKey(s.cfg.Prefix, key)
	return ok
}

// Delete removes an unprotected archive. A protected archive capturing the
// current state is written first; if that fails nothing is deleted. Keys
// outside the archive namespace are reported as not found.
func (s *Service) Delete(ctx context.Context, key string) (*model.Archive, error) {
	if !s.manages(key) {
		return nil, fmt.Errorf("delete %s: %w", key, apperr.ErrNotFound)
	}
	if IsProtected(key) {
		return nil, fmt.Errorf("delete %s: %w", key, apperr.ErrProtected)
	}
	if _, err := s.Head(ctx, key); err != nil {
		return nil, err
	}
	if s.snapshot == nil {
		return nil, fmt.Errorf("delete %s: no snapshot source configured for safety backup", key)
	}

	payload, err := s.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("safety snapshot before deleting %s: %w", key, err)
	}
	safety, err := s.Store(ctx, model.KindProtected, payload)
	if err != nil {
		return nil, fmt.Errorf("safety snapshot before deleting %s: %w", key, err)
	}

	if err := s.remove(ctx, key); err != nil {
		return safety, err
	}
	s.logger.Info("archive deleted", "key", key, "safety_key", safety.Key)
	return safety, nil
}

func (s *Service) remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classify("delete "+key, err)
	}
	return nil
}

// Sweep deletes unprotected archives older than their kind's retention
// window. Protected archives are kept regardless of age.
func (s *Service) Sweep(ctx context.Context) ([]string, error) {
	archives, err := s.scan(ctx, Filter{ExcludeProtected: true})
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	var deleted []string
	var errs []error
	for _, a := range archives {
		if a.Protected || IsProtected(a.Key) {
			continue
		}
		window, ok := s.cfg.Retention[a.Kind]
		if !ok || window <= 0 {
			continue
		}
		if now.Sub(a.CreatedAt) <= window {
			continue
		}
		if err := s.remove(ctx, a.Key); err != nil {
			s.logger.Error("retention delete failed", "key", a.Key, "error", err)
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, a.Key)
	}
	if len(deleted) > 0 {
		s.logger.Info("retention sweep", "deleted", len(deleted))
	}
	return deleted, errors.Join(errs...)
}

// Latest returns the newest archive that a full restore can use.
func (s *Service) Latest(ctx context.Context) (*model.Archive, error) {
	archives, err := s.scan(ctx, Filter{})
	if err != nil {
		return nil, err
	}
	for _, a := range archives {
		if a.Kind != model.KindIncremental {
			return &a, nil
		}
	}
	return nil, nil
}

func classify(op string, err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, apperr.ErrStorageUnavailable, err)
}
