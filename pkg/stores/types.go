package stores

import "time"

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout time.Duration
}

// S3Config holds configuration for the S3 partition store.
type S3Config struct {
	Bucket string
	Prefix string
	Region string

	// Endpoint overrides the service endpoint, e.g. for MinIO.
	Endpoint string

	// UsePathStyle addresses buckets by path instead of virtual host.
	UsePathStyle bool
}

const (
	stateObject      = "terraform.tfstate"
	checkpointObject = "checkpoint.json"
	metadataObject   = "partition.json"
	logsFolder       = "logs"
)
