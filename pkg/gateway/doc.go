// Package gateway exposes the provisioning scheduler over HTTP.
//
// Requests are decoded strictly, validated, passed through admission
// policy, then handed to the scheduler. Submissions return 202 as soon as
// the job is recorded; clients poll the status endpoint.
//
// Errors carry a stable code:
//
//	{"error": {"code": "ALREADY_IN_FLIGHT", "message": "...", "job_name": "test-demo-1"}}
//
// Validation errors map to 400, policy denials to 403, unknown clusters to
// 404 and conflicts to 409.
package gateway
