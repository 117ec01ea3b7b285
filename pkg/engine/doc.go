// Package engine provides the job model and scheduler of the cluster provisioner.
//
// # Overview
//
// A client submits a ProvisionRequest naming a resource (a cluster) and a mode.
// The scheduler turns it into a Job with a deterministic ID, persists it as
// Pending, and hands it to a Runner on its own goroutine. The runner drives
// the external provisioning tool through its stages and reports a
// TerminalResult, which the scheduler records as the job's final phase.
//
//	dry_run  -> test-<name>       prepare, init, plan
//	apply    -> provision-<name>  prepare, init, plan, apply, outputs
//	destroy  -> destroy-<name>    prepare, outputs, lb_cleanup, settle, init, plan, apply
//
// # Phases
//
// A job moves Pending -> Running -> Succeeded or Failed and never goes back.
// A Pending job may fail directly when its runner cannot start. Sub-stages are
// tracked separately in Job.Stage.
//
// # Exclusivity
//
// At most one job per resource is Pending or Running. The scheduler enforces
// this in memory with per-resource claims, and the JobStore enforces it
// durably so that processes sharing a store cannot race each other. A
// rejected submission reports the job that holds the resource.
//
// # Partitions
//
// Every resource has one PartitionStore partition holding its working state,
// stage checkpoint and stage-tagged logs. Dry runs read working state but
// never write it. Cleanup removes a partition only once its state is known to
// be destroyed, unless forced.
//
// # Reaper
//
// The Reaper periodically removes successful dry-run jobs older than the
// retention period, and their partitions when no apply ever wrote state.
//
// # Errors
//
// Operations return *ProvisionError values carrying a stable Code. Stage
// failures never surface from Submit; they are recorded in the job's
// TerminalResult.
package engine
