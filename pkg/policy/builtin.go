package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		clusterNamingPolicy(),
		instanceSizePolicy(),
		cleanupProtectionPolicy(),
	}
}

// clusterNamingPolicy rejects names that collide with well-known
// Kubernetes and AWS identifiers or read badly in resource names.
func clusterNamingPolicy() Policy {
	return Policy{
		Name:        "cluster-naming",
		Description: "Rejects reserved cluster names and names with consecutive hyphens",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisioner.admission.naming

import rego.v1

reserved := {"default", "kube-system", "kube-public", "kube-node-lease", "aws", "eks"}

deny contains violation if {
	input.operation in {"test", "provision"}
	name := input.cluster_name
	reserved[name]
	violation := {
		"message": sprintf("cluster name '%s' is reserved", [name]),
		"field": "cluster_name",
	}
}

deny contains violation if {
	input.operation in {"test", "provision"}
	name := input.cluster_name
	contains(name, "--")
	violation := {
		"message": sprintf("cluster name '%s' must not contain consecutive hyphens", [name]),
		"field": "cluster_name",
	}
}

deny contains violation if {
	input.operation in {"test", "provision"}
	name := input.cluster_name
	startswith(name, "xn--")
	violation := {
		"message": sprintf("cluster name '%s' must not use the punycode prefix", [name]),
		"field": "cluster_name",
	}
}
`,
	}
}

// instanceSizePolicy flags large node types. It warns and never blocks.
func instanceSizePolicy() Policy {
	return Policy{
		Name:        "instance-size",
		Description: "Warns when nodes use 8xlarge or larger instance types",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisioner.admission.size

import rego.v1

deny contains violation if {
	input.request
	size := split(input.request.instance_type, ".")[1]
	endswith(size, "xlarge")
	multiplier := trim_suffix(size, "xlarge")
	multiplier != ""
	to_number(multiplier) >= 8
	violation := {
		"message": sprintf("instance type %s is large; check the node count before applying", [input.request.instance_type]),
		"field": "instance_type",
	}
}
`,
	}
}

// cleanupProtectionPolicy requires forced cleanups to be explicit about
// discarding state. Forcing a cleanup of a production-named cluster is denied.
func cleanupProtectionPolicy() Policy {
	return Policy{
		Name:        "cleanup-protection",
		Description: "Denies forced cleanup of clusters named prod or prod-*",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisioner.admission.cleanup

import rego.v1

deny contains violation if {
	input.operation == "cleanup"
	input.force
	production(input.cluster_name)
	violation := {
		"message": sprintf("forced cleanup of production cluster '%s' would orphan its infrastructure", [input.cluster_name]),
		"field": "force",
	}
}

production(name) if name == "prod"

production(name) if startswith(name, "prod-")
`,
	}
}
