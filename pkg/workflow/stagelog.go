package workflow

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// Stage output is appended to the partition in chunks so that logs of a
// long apply become readable while it runs.
const (
	logFlushSize     = 16 << 10
	logFlushInterval = 2 * time.Second
)

// stageLog captures the tool output of one stage and appends it to the
// partition as stage-tagged entries. Stdout and stderr write concurrently.
type stageLog struct {
	mu sync.Mutex

	ctx      context.Context
	store    engine.PartitionStore
	resource string
	jobID    string
	stage    engine.Stage
	now      func() time.Time
	logger   zerolog.Logger

	buf       bytes.Buffer
	lastFlush time.Time
}

func newStageLog(ctx context.Context, store engine.PartitionStore, spec engine.RunSpec, stage engine.Stage, now func() time.Time, logger zerolog.Logger) *stageLog {
	return &stageLog{
		ctx:       ctx,
		store:     store,
		resource:  spec.ResourceName,
		jobID:     spec.JobID,
		stage:     stage,
		now:       now,
		logger:    logger,
		lastFlush: now(),
	}
}

// Write implements io.Writer.
func (l *stageLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(p)
	if l.buf.Len() >= logFlushSize || l.now().Sub(l.lastFlush) >= logFlushInterval {
		l.flushLocked(false)
	}
	return len(p), nil
}

// Printf writes a line of runner commentary into the stage log.
func (l *stageLog) Printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(l, "[provisioner] "+format+"\n", args...)
}

// Close flushes whatever is buffered.
func (l *stageLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.flushLocked(true)
}

// flushLocked appends complete lines, or everything when all is set or a
// single line outgrows the buffer.
func (l *stageLog) flushLocked(all bool) {
	data := l.buf.Bytes()
	if !all && len(data) < logFlushSize {
		i := bytes.LastIndexByte(data, '\n')
		if i < 0 {
			return
		}
		data = data[:i+1]
	}
	if len(data) == 0 {
		return
	}

	entry := &engine.LogEntry{
		ResourceName: l.resource,
		JobID:        l.jobID,
		Stage:        l.stage,
		Content:      bytes.Clone(data),
		CreatedAt:    l.now(),
	}
	l.buf.Next(len(data))
	l.lastFlush = l.now()

	// Losing log output must not fail the stage.
	if err := l.store.AppendLog(l.ctx, entry); err != nil {
		l.logger.Warn().Err(err).Str("stage", string(l.stage)).Msg("Failed to append stage log")
	}
}
