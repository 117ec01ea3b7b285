// Package render turns a provisioning request into the variables file handed
// to the infrastructure module.
//
// Rendering is driven by a CUE template. The service fills the validated
// request in at the "request" path; the template constrains it further and
// derives a concrete "vars" struct, which is exported as JSON:
//
//	request: {
//		cluster_name:  string
//		instance_type: "t3.medium" | "t3.large"
//		...
//	}
//
//	vars: {
//		name:          request.cluster_name
//		desired_nodes: 3
//	}
//
// A built-in template maps the request fields one to one. Operators can point
// the service at their own template file or CUE package directory.
//
// An optional Starlark hook runs after CUE and may add variables that are
// awkward to express declaratively. It sees request and vars as frozen dicts
// and assigns the additions to a global named derived. Adding a variable the
// template already produced is an error.
package render
