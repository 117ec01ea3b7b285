// Package ssh provides the SSH transport used to run the provisioning tool on
// a remote builder host.
package ssh

import (
	"context"
	"io"
	"time"
)

// Transport defines the remote operations the tool executor needs.
type Transport interface {
	// Connect establishes an SSH connection to the remote host.
	// Returns an error if connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// Disconnect closes the SSH connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	// Run executes a command on the remote host, streaming its output, and
	// returns its exit status. A non-zero exit status is not an error.
	Run(ctx context.Context, cmd RemoteCommand) (int, error)

	// UploadDirectory copies a local directory tree to the remote host.
	// Top-level entries named in skip are left out.
	UploadDirectory(ctx context.Context, localDir string, remoteDir string, skip ...string) error

	// DownloadFile copies a single remote file to the local filesystem.
	DownloadFile(ctx context.Context, remotePath string, localPath string) error

	// GetConnectionInfo returns information about the current connection.
	GetConnectionInfo() ConnectionInfo
}

// RemoteCommand is one process started on the remote host.
type RemoteCommand struct {
	// Dir is the remote working directory. Empty means the login directory.
	Dir string

	// Args is the program and its arguments. Each is quoted for the remote shell.
	Args []string

	// Env is the complete environment in KEY=VALUE form.
	Env []string

	// Stdout and Stderr receive the command output as it is produced.
	Stdout io.Writer
	Stderr io.Writer

	// KillGrace is how long an interrupted command may take to exit before
	// it is killed. Zero uses DefaultKillGrace.
	KillGrace time.Duration
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
	ViaProxy     bool
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
