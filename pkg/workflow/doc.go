// Package workflow runs the provisioning workflow of one job.
//
// Every resource gets an arena, a private working directory under the
// arena root holding a copy of the template module, the rendered
// variables (terraform.tfvars.json) and the working state restored from
// the resource's partition. The tool runs there with an explicit
// environment; nothing is inherited from the service process except the
// variables listed in Config.PassEnv.
//
// A run moves through stages, each traced, timed and logged to the
// partition under its own stage tag:
//
//	dry_run:  prepare, init, plan
//	apply:    prepare, init, plan, apply (only with pending changes), outputs
//	destroy:  prepare, init, outputs, lb_cleanup, settle, plan -destroy, destroy
//
// After every stage that mutates infrastructure the working state is
// copied back to the partition, also when the stage failed. Progress is
// kept in a Checkpoint so that a retry of the same configuration skips
// init when the arena is still initialized and applies a saved plan
// without planning again.
package workflow
