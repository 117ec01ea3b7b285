// Package tool runs the external provisioning tool.
//
// The tool (Terraform or OpenTofu) is an opaque subprocess. An Executor
// starts it with an explicit working directory and environment, streams its
// output and reports the exit status:
//
//   - LocalExecutor runs it as a child process.
//   - RemoteExecutor runs it on an SSH builder host, mirroring the arena
//     over SFTP before each command and copying state back afterwards.
//
// Both interrupt the process with SIGINT when the context ends and kill it
// after a grace period, so the tool gets a chance to release its state lock.
//
// Terraform wraps an Executor with the subcommands the workflow uses and
// classifies plan exit codes:
//
//	0      NoOp
//	2      ChangesPending
//	other  Error
package tool
