// Package stores provides persistence for the provisioner.
//
// SQLiteStore keeps jobs, partitions, stage logs and the audit trail in one
// SQLite database with WAL mode and embedded migrations. The database
// enforces at most one pending or running job per resource through a partial
// unique index, so several processes may share one file safely.
//
// S3PartitionStore keeps partitions in an S3 bucket instead, one prefix per
// resource, for deployments where working state must outlive the host.
package stores
