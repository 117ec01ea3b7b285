// Package policy provides Open Policy Agent (OPA) admission control for the
// provisioning service.
//
// Every submit, teardown and cleanup is evaluated against a set of Rego
// policies before the scheduler sees it. A policy is a Rego module whose
// package defines a deny set:
//
//	package provisioner.admission.regions
//
//	import rego.v1
//
//	deny contains violation if {
//		input.operation == "provision"
//		startswith(input.cluster_name, "tmp-")
//		violation := {
//			"message": "temporary clusters may only be dry-run",
//			"field": "cluster_name",
//		}
//	}
//
// Members of deny are either plain message strings or objects with message,
// severity and field keys. A violation whose severity is error or critical
// denies the operation; warning and info findings are returned with the
// decision but never block.
//
// # Input
//
// Policies see an Input document:
//
//	{
//	  "operation":    "test" | "provision" | "destroy" | "cleanup",
//	  "cluster_name": "demo-1",
//	  "request":      {"cluster_name": ..., "kubernetes_version": ..., "instance_type": ..., "ip_family": ..., "mode": ...},
//	  "force":        false,
//	  "timestamp":    "2024-01-01T00:00:00Z"
//	}
//
// request is present for test and provision only.
//
// # Sources
//
// Built-in policies are always compiled. Additional policies are loaded from
// .rego files, named after the file, or .json files holding a Policy
// document. With watching enabled, changes to the configured paths are
// debounced and the loaded set is replaced atomically; a set that fails to
// compile leaves the previous one in place.
//
// A policy that fails to evaluate is logged and reported as a warning on the
// decision.
package policy
