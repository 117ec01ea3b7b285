package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// objectAPI is the subset of the S3 client the partition store uses.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3PartitionStore keeps partitions in an S3 bucket:
//
//	<prefix>/<name>/partition.json
//	<prefix>/<name>/terraform.tfstate
//	<prefix>/<name>/checkpoint.json
//	<prefix>/<name>/logs/<seq>-<stage>.log
//
// A partition has one writer at a time, so read-modify-write of the
// metadata object needs no locking.
type S3PartitionStore struct {
	client objectAPI
	bucket string
	prefix string
	now    func() time.Time
}

var _ engine.PartitionStore = (*S3PartitionStore)(nil)

// partitionMeta is the content of partition.json.
type partitionMeta struct {
	ResourceName string    `json:"resource_name"`
	LogSeq       int64     `json:"log_seq"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewS3PartitionStore creates a partition store using the default AWS
// credential chain, or static keys when accessKey is set.
func NewS3PartitionStore(ctx context.Context, cfg S3Config, accessKey, secretKey string) (*S3PartitionStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if accessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3PartitionStore(client, cfg), nil
}

func newS3PartitionStore(client objectAPI, cfg S3Config) *S3PartitionStore {
	return &S3PartitionStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *S3PartitionStore) partitionPrefix(name string) string {
	return path.Join(s.prefix, name) + "/"
}

func (s *S3PartitionStore) key(name string, parts ...string) string {
	return path.Join(append([]string{s.prefix, name}, parts...)...)
}

// EnsurePartition creates the partition if missing and reports whether it did.
func (s *S3PartitionStore) EnsurePartition(ctx context.Context, resourceName string) (bool, error) {
	now := s.now()
	data, err := json.Marshal(partitionMeta{ResourceName: resourceName, CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return false, fmt.Errorf("failed to encode partition metadata: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(resourceName, metadataObject)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
		IfNoneMatch:   aws.String("*"),
	})
	if isPreconditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create partition %s: %w", resourceName, err)
	}

	return true, nil
}

// GetPartition returns partition metadata.
func (s *S3PartitionStore) GetPartition(ctx context.Context, resourceName string) (*engine.Partition, error) {
	meta, err := s.readMeta(ctx, resourceName)
	if err != nil {
		return nil, err
	}

	p := &engine.Partition{
		ResourceName: meta.ResourceName,
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    meta.UpdatedAt,
	}

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(resourceName, stateObject)),
	})
	switch {
	case isNotFound(err):
	case err != nil:
		return nil, fmt.Errorf("failed to stat state of %s: %w", resourceName, err)
	default:
		p.StateSize = aws.ToInt64(head.ContentLength)
		p.HasState = p.StateSize > 0
	}

	return p, nil
}

// ListPartitions returns metadata for every partition.
func (s *S3PartitionStore) ListPartitions(ctx context.Context) ([]*engine.Partition, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}

	var names []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(listPrefix),
		Delimiter: aws.String("/"),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list partitions: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), listPrefix), "/")
			if name != "" {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)

	partitions := []*engine.Partition{}
	for _, name := range names {
		p, err := s.GetPartition(ctx, name)
		if errors.Is(err, engine.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		partitions = append(partitions, p)
	}

	return partitions, nil
}

// LoadState returns the working state, or nil when none was saved.
func (s *S3PartitionStore) LoadState(ctx context.Context, resourceName string) ([]byte, error) {
	return s.loadObject(ctx, resourceName, stateObject)
}

// SaveState replaces the working state.
func (s *S3PartitionStore) SaveState(ctx context.Context, resourceName string, state []byte) error {
	return s.saveObject(ctx, resourceName, stateObject, state)
}

// LoadCheckpoint returns the stage checkpoint, or nil when none was saved.
func (s *S3PartitionStore) LoadCheckpoint(ctx context.Context, resourceName string) ([]byte, error) {
	return s.loadObject(ctx, resourceName, checkpointObject)
}

// SaveCheckpoint replaces the checkpoint. A nil checkpoint clears it.
func (s *S3PartitionStore) SaveCheckpoint(ctx context.Context, resourceName string, data []byte) error {
	return s.saveObject(ctx, resourceName, checkpointObject, data)
}

func (s *S3PartitionStore) loadObject(ctx context.Context, resourceName, object string) ([]byte, error) {
	data, err := s.getObject(ctx, s.key(resourceName, object))
	if isNotFound(err) {
		if _, metaErr := s.readMeta(ctx, resourceName); metaErr != nil {
			return nil, metaErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s of %s: %w", object, resourceName, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

func (s *S3PartitionStore) saveObject(ctx context.Context, resourceName, object string, data []byte) error {
	meta, err := s.readMeta(ctx, resourceName)
	if err != nil {
		return err
	}

	key := s.key(resourceName, object)
	if len(data) == 0 {
		_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
	} else {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
	}
	if err != nil {
		return fmt.Errorf("failed to save %s of %s: %w", object, resourceName, err)
	}

	meta.UpdatedAt = s.now()
	return s.writeMeta(ctx, meta)
}

// AppendLog stores the entry as its own object and sets its sequence number.
func (s *S3PartitionStore) AppendLog(ctx context.Context, entry *engine.LogEntry) error {
	meta, err := s.readMeta(ctx, entry.ResourceName)
	if err != nil {
		return err
	}

	meta.LogSeq++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	name := fmt.Sprintf("%020d-%s.log", meta.LogSeq, entry.Stage)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(entry.ResourceName, logsFolder, name)),
		Body:          bytes.NewReader(entry.Content),
		ContentLength: aws.Int64(int64(len(entry.Content))),
		ContentType:   aws.String("text/plain"),
		Metadata: map[string]string{
			"job-id":     entry.JobID,
			"created-at": entry.CreatedAt.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to append log of %s: %w", entry.ResourceName, err)
	}

	entry.Seq = meta.LogSeq
	meta.UpdatedAt = s.now()
	return s.writeMeta(ctx, meta)
}

// ReadLogs returns every log entry of a resource in append order.
func (s *S3PartitionStore) ReadLogs(ctx context.Context, resourceName string) ([]*engine.LogEntry, error) {
	logPrefix := s.key(resourceName, logsFolder) + "/"

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(logPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list logs of %s: %w", resourceName, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	// Zero-padded sequence numbers sort lexically.
	sort.Strings(keys)

	entries := []*engine.LogEntry{}
	for _, key := range keys {
		seq, stage, ok := parseLogKey(strings.TrimPrefix(key, logPrefix))
		if !ok {
			continue
		}

		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read log %s: %w", key, err)
		}
		content, err := io.ReadAll(out.Body)
		_ = out.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read log body %s: %w", key, err)
		}

		entry := &engine.LogEntry{
			Seq:          seq,
			ResourceName: resourceName,
			JobID:        out.Metadata["job-id"],
			Stage:        engine.Stage(stage),
			Content:      content,
		}
		if ts, err := time.Parse(time.RFC3339Nano, out.Metadata["created-at"]); err == nil {
			entry.CreatedAt = ts
		} else if out.LastModified != nil {
			entry.CreatedAt = *out.LastModified
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

func parseLogKey(name string) (int64, string, bool) {
	name = strings.TrimSuffix(name, ".log")
	seqPart, stage, found := strings.Cut(name, "-")
	if !found {
		return 0, "", false
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return seq, stage, true
}

// DeletePartition removes every object under the partition prefix.
func (s *S3PartitionStore) DeletePartition(ctx context.Context, resourceName string) error {
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.partitionPrefix(resourceName)),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list partition %s: %w", resourceName, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	// Metadata goes last so a half-deleted partition is still visible.
	metaKey := s.key(resourceName, metadataObject)
	sort.SliceStable(keys, func(i, j int) bool { return keys[j] == metaKey && keys[i] != metaKey })

	for _, key := range keys {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("failed to delete object %s: %w", key, err)
		}
	}

	return nil
}

func (s *S3PartitionStore) readMeta(ctx context.Context, resourceName string) (*partitionMeta, error) {
	data, err := s.getObject(ctx, s.key(resourceName, metadataObject))
	if isNotFound(err) {
		return nil, fmt.Errorf("partition %s: %w", resourceName, engine.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read partition %s: %w", resourceName, err)
	}

	meta := &partitionMeta{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to decode partition %s: %w", resourceName, err)
	}
	return meta, nil
}

func (s *S3PartitionStore) writeMeta(ctx context.Context, meta *partitionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode partition metadata: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(meta.ResourceName, metadataObject)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to write partition %s: %w", meta.ResourceName, err)
	}
	return nil
}

func (s *S3PartitionStore) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer out.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(out.Body); err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return buf.Bytes(), nil
}

// isNotFound checks for missing keys, including from S3-compatible services
// that do not return the typed SDK errors.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}

	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "PreconditionFailed" || code == "ConditionalRequestConflict" || code == "412"
	}

	return false
}
