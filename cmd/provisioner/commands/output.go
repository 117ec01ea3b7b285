package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/provisioner/pkg/gateway"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printAccepted(w io.Writer, resp *gateway.ClusterResponse) error {
	if jsonOutput {
		return printJSON(w, resp)
	}
	fmt.Fprintf(w, "Job %s accepted for cluster %s\n", resp.JobName, resp.ClusterName)
	fmt.Fprintf(w, "  %s\n", resp.Message)
	return nil
}

func printStatus(w io.Writer, s *gateway.ClusterStatus) error {
	if jsonOutput {
		return printJSON(w, s)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", label, value)
		}
	}

	row("Cluster", s.ClusterName)
	row("Job", s.JobName)
	row("Operation", s.Operation)
	row("Status", s.Status)
	row("Phase", s.Phase)
	row("Message", s.Message)
	if s.PlanOutcome != nil {
		row("Plan", string(s.PlanOutcome.Kind))
	}
	row("Error code", s.ErrorCode)
	row("Kubernetes", s.KubernetesVersion)
	row("Instance type", s.InstanceType)
	row("Cluster ID", s.ClusterID)
	row("Cluster ARN", s.ClusterARN)
	row("Region", s.Region)
	row("Kubeconfig", s.KubeconfigCommand)
	row("Created", formatTime(&s.CreatedAt))
	row("Started", formatTime(s.StartedAt))
	row("Finished", formatTime(s.FinishedAt))

	return tw.Flush()
}

func printList(w io.Writer, list *gateway.ClusterListResponse) error {
	if jsonOutput {
		return printJSON(w, list)
	}
	if list.Total == 0 {
		fmt.Fprintln(w, "No clusters found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "CLUSTER\tJOB\tSTATUS\tPHASE\tCREATED")
	for _, c := range list.Clusters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			c.ClusterName,
			c.JobName,
			c.Status,
			c.Phase,
			formatTime(&c.CreatedAt),
		)
	}
	return tw.Flush()
}

func printAudit(w io.Writer, audit *gateway.AuditResponse) error {
	if jsonOutput {
		return printJSON(w, audit)
	}
	if len(audit.Entries) == 0 {
		fmt.Fprintln(w, "No audit entries found.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tCLUSTER\tJOB")
	for _, e := range audit.Entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			formatTime(&e.Timestamp),
			e.Action,
			e.Actor,
			e.ResourceName,
			e.JobID,
		)
	}
	return tw.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}
