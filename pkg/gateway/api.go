package gateway

import (
	"strings"
	"time"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// ServiceName is reported by the root endpoint.
const ServiceName = "EKS Cluster Provisioner API"

// LogTypeTerraform tags log responses.
const LogTypeTerraform = "terraform"

// Output names surfaced in responses.
const (
	OutputClusterID         = "cluster_id"
	OutputClusterGUID       = "cluster_guid"
	OutputClusterARN        = "cluster_arn"
	OutputRegion            = "region"
	OutputKubeconfigCommand = "kubeconfig_command"
)

// ClusterRequest is the body of test and provision requests.
type ClusterRequest struct {
	ClusterName       string `json:"cluster_name" validate:"required,max=100,cluster_name"`
	KubernetesVersion string `json:"kubernetes_version" validate:"required,k8s_version,supported_version"`
	InstanceType      string `json:"instance_type" validate:"required,instance_type"`
	IPFamily          string `json:"ip_family" validate:"required,oneof=ipv4 ipv6"`
}

// ProvisionRequest converts the body into an engine request for mode.
func (r ClusterRequest) ProvisionRequest(mode engine.Mode) engine.ProvisionRequest {
	return engine.ProvisionRequest{
		ResourceName: r.ClusterName,
		VersionSpec:  r.KubernetesVersion,
		SizeClass:    r.InstanceType,
		NetworkMode:  engine.NetworkMode(r.IPFamily),
		Mode:         mode,
	}
}

// ClusterResponse acknowledges an accepted job.
type ClusterResponse struct {
	ClusterName       string    `json:"cluster_name"`
	ClusterID         string    `json:"cluster_id,omitempty"`
	JobName           string    `json:"job_name"`
	Status            string    `json:"status"`
	Message           string    `json:"message"`
	KubeconfigCommand string    `json:"kubeconfig_command,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// ClusterStatus reports the most recent job of a cluster.
type ClusterStatus struct {
	ClusterName       string              `json:"cluster_name"`
	JobName           string              `json:"job_name"`
	Operation         string              `json:"operation"`
	Status            string              `json:"status"`
	Phase             string              `json:"phase"`
	Message           string              `json:"message"`
	PlanOutcome       *engine.PlanOutcome `json:"plan_outcome,omitempty"`
	ClusterID         string              `json:"cluster_id,omitempty"`
	ClusterGUID       string              `json:"cluster_guid,omitempty"`
	ClusterARN        string              `json:"cluster_arn,omitempty"`
	Region            string              `json:"region,omitempty"`
	KubeconfigCommand string              `json:"kubeconfig_command,omitempty"`
	ErrorCode         string              `json:"error_code,omitempty"`
	KubernetesVersion string              `json:"kubernetes_version,omitempty"`
	InstanceType      string              `json:"instance_type,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	StartedAt         *time.Time          `json:"started_at,omitempty"`
	FinishedAt        *time.Time          `json:"finished_at,omitempty"`
}

// ClusterListResponse lists the latest job of every cluster.
type ClusterListResponse struct {
	Total    int             `json:"total"`
	Clusters []ClusterStatus `json:"clusters"`
}

// ClusterLogs carries the tool output of a cluster.
type ClusterLogs struct {
	ClusterName string `json:"cluster_name"`
	Logs        string `json:"logs"`
	LogType     string `json:"log_type"`
}

// CleanupResponse reports what a cleanup removed.
type CleanupResponse struct {
	engine.CleanupReport
	Message string `json:"message"`
}

// AuditResponse lists audit entries, newest first.
type AuditResponse struct {
	Entries []*engine.AuditEntry `json:"entries"`
}

// ServiceInfo is returned by the root endpoint.
type ServiceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// ErrorResponse is the body of every error.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes one error.
type ErrorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	JobName string                 `json:"job_name,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// acceptedMessages are returned when a job of each mode is accepted.
var acceptedMessages = map[engine.Mode]string{
	engine.ModeDryRun:  "Dry-run job created. Check status endpoint for progress.",
	engine.ModeApply:   "Provisioning job created. This will take 15-20 minutes. Check status endpoint for progress.",
	engine.ModeDestroy: "Destroy job created. This will take several minutes. Check status endpoint for progress.",
}

func newClusterResponse(job *engine.Job) ClusterResponse {
	return ClusterResponse{
		ClusterName: job.ResourceName,
		JobName:     job.ID,
		Status:      job.Phase.ClientStatus(),
		Message:     acceptedMessages[job.Mode],
		CreatedAt:   job.CreatedAt,
	}
}

func newClusterStatus(job *engine.Job) ClusterStatus {
	status := ClusterStatus{
		ClusterName:       job.ResourceName,
		JobName:           job.ID,
		Operation:         job.Mode.Operation(),
		Status:            job.Phase.ClientStatus(),
		Phase:             string(job.Phase),
		Region:            job.Request.Region,
		KubernetesVersion: job.Request.VersionSpec,
		InstanceType:      job.Request.SizeClass,
		CreatedAt:         job.CreatedAt,
		StartedAt:         job.StartedAt,
		FinishedAt:        job.FinishedAt,
	}
	if job.Stage != "" {
		status.Phase = string(job.Stage)
	}

	result := job.Result
	switch job.Phase {
	case engine.PhasePending:
		status.Message = "Job is waiting to start"
	case engine.PhaseRunning:
		status.Message = "Job is running"
		if job.Stage != "" {
			status.Message = "Job is running stage " + string(job.Stage)
		}
	case engine.PhaseSucceeded:
		status.Message = "Job completed successfully"
	case engine.PhaseFailed:
		status.Message = "Job failed"
	}
	if result == nil {
		return status
	}

	status.PlanOutcome = result.PlanOutcome
	status.ErrorCode = result.ErrorCode
	if result.ErrorMessage != "" {
		status.Message = result.ErrorMessage
	} else if result.Succeeded() && result.PlanOutcome != nil && job.Mode == engine.ModeDryRun {
		status.Message = "Plan finished: " + result.PlanOutcome.String()
	}

	// Only provisioning leaves a cluster behind to describe.
	if result.Succeeded() && job.Mode == engine.ModeApply {
		status.ClusterID = result.Output(OutputClusterID)
		status.ClusterGUID = result.Output(OutputClusterGUID)
		status.ClusterARN = result.Output(OutputClusterARN)
		status.KubeconfigCommand = result.Output(OutputKubeconfigCommand)
		if region := result.Output(OutputRegion); region != "" {
			status.Region = region
		}
	}

	return status
}

// joinLogs concatenates entries into one text block with stage headers.
func joinLogs(entries []*engine.LogEntry) string {
	var b strings.Builder
	var stage engine.Stage
	for _, e := range entries {
		if e.Stage != stage {
			stage = e.Stage
			b.WriteString("==> " + string(stage) + "\n")
		}
		b.Write(e.Content)
		if n := len(e.Content); n > 0 && e.Content[n-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
