package tool

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/transports/ssh"
)

// syncTimeout bounds copying files back after an interrupted command.
const syncTimeout = 2 * time.Minute

// RemoteHost is the part of the SSH transport the remote executor uses.
type RemoteHost interface {
	Run(ctx context.Context, cmd ssh.RemoteCommand) (int, error)
	UploadDirectory(ctx context.Context, localDir string, remoteDir string, skip ...string) error
	DownloadFile(ctx context.Context, remotePath string, localPath string) error
}

// RemoteExecutor runs the tool on a builder host. Before each command the
// local arena is mirrored to <root>/<arena name>, so state or plans the
// local arena no longer has are dropped on the builder too. Afterwards the
// files the workflow reads back (state, saved plan, lock file) are copied
// home, even when the command failed or was interrupted.
type RemoteExecutor struct {
	host      RemoteHost
	root      string
	killGrace time.Duration
	logger    zerolog.Logger
}

// Files copied back from the remote arena after every command.
var remoteSyncBack = []string{"terraform.tfstate", PlanFile, ".terraform.lock.hcl"}

// remoteSkip are arena entries never uploaded. The remote arena keeps its
// own provider cache.
var remoteSkip = []string{".terraform"}

// NewRemoteExecutor creates an executor that runs commands on host under root.
func NewRemoteExecutor(host RemoteHost, root string, killGrace time.Duration, logger zerolog.Logger) *RemoteExecutor {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &RemoteExecutor{
		host:      host,
		root:      root,
		killGrace: killGrace,
		logger:    logger.With().Str("component", "remote-executor").Logger(),
	}
}

// Execute mirrors the arena, runs cmd remotely and syncs results back.
func (e *RemoteExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	if len(cmd.Args) == 0 {
		return Result{ExitCode: -1}, fmt.Errorf("empty command")
	}
	if cmd.Dir == "" {
		return Result{ExitCode: -1}, fmt.Errorf("remote execution requires a working directory")
	}

	remoteDir := path.Join(e.root, filepath.Base(cmd.Dir))
	if err := e.host.UploadDirectory(ctx, cmd.Dir, remoteDir, remoteSkip...); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to upload arena: %w", err)
	}

	tail := newTailBuffer(stderrTailSize)
	start := time.Now()
	code, runErr := e.host.Run(ctx, ssh.RemoteCommand{
		Dir:       remoteDir,
		Args:      cmd.Args,
		Env:       cmd.Env,
		Stdout:    writerOrDiscard(cmd.Stdout),
		Stderr:    io.MultiWriter(writerOrDiscard(cmd.Stderr), tail),
		KillGrace: e.killGrace,
	})
	result := Result{ExitCode: code, Stderr: tail.String(), Duration: time.Since(start)}

	// Partial state must come home even when ctx has already ended.
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
	defer cancel()
	syncErr := e.syncBack(syncCtx, remoteDir, cmd.Dir)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("%s interrupted: %w", cmd.Args[0], ctxErr)
	}
	if runErr != nil {
		return result, fmt.Errorf("failed to run %s remotely: %w", cmd.Args[0], runErr)
	}
	if syncErr != nil {
		return result, syncErr
	}

	return result, nil
}

func (e *RemoteExecutor) syncBack(ctx context.Context, remoteDir, localDir string) error {
	for _, name := range remoteSyncBack {
		err := e.host.DownloadFile(ctx, path.Join(remoteDir, name), filepath.Join(localDir, name))
		if ssh.IsNotExist(err) {
			continue
		}
		if err != nil {
			e.logger.Error().Err(err).Str("file", name).Msg("failed to copy file back from builder")
			return fmt.Errorf("failed to download %s: %w", name, err)
		}
	}
	return nil
}

var _ Executor = (*RemoteExecutor)(nil)
