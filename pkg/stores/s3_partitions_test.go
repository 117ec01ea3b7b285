package stores

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provisioner/pkg/engine"
)

type fakeObject struct {
	data     []byte
	metadata map[string]string
	modified time.Time
}

// fakeS3 is an in-memory bucket implementing objectAPI.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := aws.ToString(in.Key)
	if aws.ToString(in.IfNoneMatch) == "*" {
		if _, ok := f.objects[key]; ok {
			return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
		}
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = fakeObject{data: data, metadata: in.Metadata, modified: time.Now()}
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		Metadata:      obj.metadata,
		LastModified:  aws.Time(obj.modified),
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(obj.data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	prefix := aws.ToString(in.Prefix)
	delimiter := aws.ToString(in.Delimiter)

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	seen := make(map[string]bool)
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if delimiter != "" {
			if i := strings.Index(rest, delimiter); i >= 0 {
				common := prefix + rest[:i+len(delimiter)]
				if !seen[common] {
					seen[common] = true
					out.CommonPrefixes = append(out.CommonPrefixes, types.CommonPrefix{Prefix: aws.String(common)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func newTestS3Store(t *testing.T) (*S3PartitionStore, *fakeS3) {
	t.Helper()
	fake := newFakeS3()
	return newS3PartitionStore(fake, S3Config{Bucket: "state", Prefix: "/clusters/"}), fake
}

func TestS3PartitionLifecycle(t *testing.T) {
	store, fake := newTestS3Store(t)
	ctx := context.Background()

	created, err := store.EnsurePartition(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, fake.has("clusters/demo/partition.json"))

	created, err = store.EnsurePartition(ctx, "demo")
	require.NoError(t, err)
	assert.False(t, created, "existing partition must not be recreated")

	p, err := store.GetPartition(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, "demo", p.ResourceName)
	assert.False(t, p.HasState)

	state, err := store.LoadState(ctx, "demo")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, store.SaveState(ctx, "demo", []byte(`{"version":4}`)))
	assert.True(t, fake.has("clusters/demo/terraform.tfstate"))

	p, err = store.GetPartition(ctx, "demo")
	require.NoError(t, err)
	assert.True(t, p.HasState)
	assert.EqualValues(t, 13, p.StateSize)

	state, err = store.LoadState(ctx, "demo")
	require.NoError(t, err)
	assert.Equal(t, `{"version":4}`, string(state))

	require.NoError(t, store.SaveCheckpoint(ctx, "demo", []byte(`{"initialized":true}`)))
	cp, err := store.LoadCheckpoint(ctx, "demo")
	require.NoError(t, err)
	assert.JSONEq(t, `{"initialized":true}`, string(cp))

	require.NoError(t, store.SaveCheckpoint(ctx, "demo", nil))
	assert.False(t, fake.has("clusters/demo/checkpoint.json"))
}

func TestS3PartitionMissing(t *testing.T) {
	store, _ := newTestS3Store(t)
	ctx := context.Background()

	_, err := store.GetPartition(ctx, "ghost")
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)

	_, err = store.LoadState(ctx, "ghost")
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)

	err = store.SaveState(ctx, "ghost", []byte("state"))
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)

	err = store.AppendLog(ctx, &engine.LogEntry{ResourceName: "ghost", Stage: engine.StageInit})
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)
}

func TestS3PartitionLogs(t *testing.T) {
	store, fake := newTestS3Store(t)
	ctx := context.Background()

	_, err := store.EnsurePartition(ctx, "demo")
	require.NoError(t, err)

	stages := []engine.Stage{engine.StageInit, engine.StagePlan, engine.StageLoadBalancers}
	for i, stage := range stages {
		entry := &engine.LogEntry{
			ResourceName: "demo",
			JobID:        "destroy-demo",
			Stage:        stage,
			Content:      []byte(string(stage) + "\n"),
		}
		require.NoError(t, store.AppendLog(ctx, entry))
		assert.EqualValues(t, i+1, entry.Seq)
	}
	assert.True(t, fake.has("clusters/demo/logs/00000000000000000003-lb_cleanup.log"))

	entries, err := store.ReadLogs(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, stage := range stages {
		assert.Equal(t, stage, entries[i].Stage)
		assert.EqualValues(t, i+1, entries[i].Seq)
		assert.Equal(t, "destroy-demo", entries[i].JobID)
		assert.False(t, entries[i].CreatedAt.IsZero())
	}
}

func TestS3ListAndDeletePartitions(t *testing.T) {
	store, fake := newTestS3Store(t)
	ctx := context.Background()

	for _, name := range []string{"beta", "alpha"} {
		_, err := store.EnsurePartition(ctx, name)
		require.NoError(t, err)
	}
	require.NoError(t, store.SaveState(ctx, "alpha", []byte("state")))
	require.NoError(t, store.AppendLog(ctx, &engine.LogEntry{ResourceName: "alpha", Stage: engine.StageApply, Content: []byte("x")}))

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 2)
	assert.Equal(t, "alpha", partitions[0].ResourceName)
	assert.True(t, partitions[0].HasState)
	assert.Equal(t, "beta", partitions[1].ResourceName)

	require.NoError(t, store.DeletePartition(ctx, "alpha"))
	assert.False(t, fake.has("clusters/alpha/partition.json"))
	assert.False(t, fake.has("clusters/alpha/terraform.tfstate"))
	assert.True(t, fake.has("clusters/beta/partition.json"))

	_, err = store.GetPartition(ctx, "alpha")
	assert.ErrorIs(t, err, engine.ErrRecordNotFound)
}

func TestS3ErrorClassification(t *testing.T) {
	assert.True(t, isNotFound(&types.NoSuchKey{}))
	assert.True(t, isNotFound(&types.NotFound{}))
	assert.True(t, isNotFound(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.False(t, isNotFound(&smithy.GenericAPIError{Code: "AccessDenied"}))
	assert.False(t, isNotFound(nil))

	assert.True(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "PreconditionFailed"}))
	assert.False(t, isPreconditionFailed(&smithy.GenericAPIError{Code: "SlowDown"}))
}
