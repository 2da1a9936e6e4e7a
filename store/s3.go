package store

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/rillstream/rill/log"
)

// S3BackendConfig configures the shared object-store checkpoint backend.
// Credentials come from the default AWS chain; Endpoint/UsePathStyle allow
// S3-compatible stores.
type S3BackendConfig struct {
	Bucket       string
	Region       string
	Endpoint     string
	Prefix       string
	UsePathStyle bool
	Retained     int
}

// s3Backend lays checkpoints out as one prefix per epoch:
//
//	<prefix>/<epoch>/manifest.json
//	<prefix>/<epoch>/<namespace>.state
//
// The manifest is written last, so an epoch prefix without a manifest is an
// incomplete checkpoint and is ignored on listing.
type s3Backend struct {
	logger log.Logger
	client *s3.Client
	cfg    S3BackendConfig

	mutex  sync.Mutex
	epochs []int64
	guard  epochGuard
}

func (b *s3Backend) epochPrefix(epoch int64) string {
	return b.cfg.Prefix + formatEpoch(epoch) + "/"
}

func (b *s3Backend) put(key string, raw []byte) error {
	_, err := b.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(raw),
	})
	return errors.WithMessagef(err, "failed to put %s", key)
}

func (b *s3Backend) get(key string) ([]byte, error) {
	resp, err := b.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get %s", key)
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

func (b *s3Backend) init() error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(b.cfg.Bucket),
		Prefix:    aws.String(b.cfg.Prefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return errors.WithMessage(err, "failed to list checkpoint epochs")
		}
		for _, common := range page.CommonPrefixes {
			dir := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(common.Prefix), b.cfg.Prefix), "/")
			epoch := parseEpoch(dir)
			if epoch == 0 {
				continue
			}
			//only epochs whose manifest landed count as completed
			if _, err := b.get(b.epochPrefix(epoch) + "manifest.json"); err != nil {
				continue
			}
			b.epochs = append(b.epochs, epoch)
		}
	}
	sort.Slice(b.epochs, func(i, j int) bool { return b.epochs[i] < b.epochs[j] })
	if len(b.epochs) > 0 {
		b.guard.markPersisted(b.epochs[len(b.epochs)-1])
	}
	return nil
}

func (b *s3Backend) Save(epoch int64, namespace string, state []byte) error {
	b.mutex.Lock()
	err := b.guard.check(epoch)
	b.mutex.Unlock()
	if err != nil {
		return err
	}
	return b.put(b.epochPrefix(epoch)+namespace+".state", snappy.Encode(nil, state))
}

func (b *s3Backend) Persist(epoch int64, manifest *Manifest) error {
	raw, err := manifest.Encode()
	if err != nil {
		return err
	}
	if err := b.put(b.epochPrefix(epoch)+"manifest.json", raw); err != nil {
		return err
	}
	b.mutex.Lock()
	b.guard.markPersisted(epoch)
	b.epochs = append(b.epochs, epoch)
	var expired []int64
	if b.cfg.Retained > 0 && len(b.epochs) > b.cfg.Retained {
		expired = append(expired, b.epochs[:len(b.epochs)-b.cfg.Retained]...)
		b.epochs = b.epochs[len(b.epochs)-b.cfg.Retained:]
	}
	b.mutex.Unlock()
	for _, old := range expired {
		if err := b.deleteEpoch(old); err != nil {
			b.logger.Warnw("failed to clean up expired checkpoint.", "epoch", old, "err", err)
		}
	}
	return nil
}

func (b *s3Backend) Discard(epoch int64) error {
	b.mutex.Lock()
	b.guard.markDiscarded(epoch)
	b.mutex.Unlock()
	return b.deleteEpoch(epoch)
}

func (b *s3Backend) deleteEpoch(epoch int64) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.cfg.Bucket),
		Prefix: aws.String(b.epochPrefix(epoch)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(context.Background())
		if err != nil {
			return err
		}
		if len(page.Contents) == 0 {
			continue
		}
		identifiers := make([]s3types.ObjectIdentifier, 0, len(page.Contents))
		for _, object := range page.Contents {
			identifiers = append(identifiers, s3types.ObjectIdentifier{Key: object.Key})
		}
		if _, err := b.client.DeleteObjects(context.Background(), &s3.DeleteObjectsInput{
			Bucket: aws.String(b.cfg.Bucket),
			Delete: &s3types.Delete{Objects: identifiers},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (b *s3Backend) Epochs() ([]int64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	epochs := make([]int64, len(b.epochs))
	copy(epochs, b.epochs)
	return epochs, nil
}

func (b *s3Backend) Manifest(epoch int64) (*Manifest, error) {
	raw, err := b.get(b.epochPrefix(epoch) + "manifest.json")
	if err != nil {
		return nil, err
	}
	return DecodeManifest(raw)
}

func (b *s3Backend) Get(epoch int64, namespace string) ([]byte, error) {
	compressed, err := b.get(b.epochPrefix(epoch) + namespace + ".state")
	if err != nil {
		return nil, err
	}
	return snappy.Decode(nil, compressed)
}

func (b *s3Backend) Close() error { return nil }

func NewS3Backend(cfg S3BackendConfig) (Backend, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load AWS config")
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	backend := &s3Backend{
		logger: log.Named("store.s3"),
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		cfg:    cfg,
		guard:  newEpochGuard(),
	}
	return backend, backend.init()
}
