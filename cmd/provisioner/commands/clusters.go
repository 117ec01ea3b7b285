package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/provisioner/pkg/gateway"
)

// newClient returns an API client for --server acting as --actor.
func newClient() *gateway.Client {
	client := gateway.NewClient(serverURL)
	client.Actor = actor
	return client
}

// clusterFlags are the request fields shared by test and provision.
type clusterFlags struct {
	version      string
	instanceType string
	ipFamily     string
}

func (f *clusterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.version, "kubernetes-version", "k", "", "Kubernetes version, e.g. 1.32")
	cmd.Flags().StringVarP(&f.instanceType, "instance-type", "i", "t3.medium", "worker node instance type")
	cmd.Flags().StringVar(&f.ipFamily, "ip-family", "ipv4", "cluster IP family (ipv4 or ipv6)")
	_ = cmd.MarkFlagRequired("kubernetes-version")
}

func (f *clusterFlags) request(name string) gateway.ClusterRequest {
	return gateway.ClusterRequest{
		ClusterName:       name,
		KubernetesVersion: f.version,
		InstanceType:      f.instanceType,
		IPFamily:          f.ipFamily,
	}
}

func newTestCommand() *cobra.Command {
	var flags clusterFlags

	cmd := &cobra.Command{
		Use:   "test <cluster-name>",
		Short: "Plan a cluster without creating it",
		Long: `Submit a dry run. The service renders the request, initializes the
cluster's working directory and runs a plan; nothing is created.`,
		Example: `  provisioner test demo-1 --kubernetes-version 1.32 --instance-type m5.large`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Test(cmd.Context(), flags.request(args[0]))
			if err != nil {
				return err
			}
			return printAccepted(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	return cmd
}

func newProvisionCommand() *cobra.Command {
	var flags clusterFlags

	cmd := &cobra.Command{
		Use:   "provision <cluster-name>",
		Short: "Create a cluster",
		Long: `Submit an apply. The service plans and applies the cluster, then records
its outputs. Poll 'provisioner status' for progress.`,
		Example: `  provisioner provision demo-1 -k 1.32 -i m5.xlarge --ip-family ipv6`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Provision(cmd.Context(), flags.request(args[0]))
			if err != nil {
				return err
			}
			return printAccepted(cmd.OutOrStdout(), resp)
		},
	}
	flags.register(cmd)
	return cmd
}

func newDestroyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy <cluster-name>",
		Short: "Destroy a provisioned cluster",
		Long: `Submit a destroy. Load balancers created inside the cluster are removed
first so the network can be torn down.`,
		Example: `  provisioner destroy demo-1`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Destroy(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAccepted(cmd.OutOrStdout(), resp)
		},
	}
	return cmd
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "status <cluster-name>",
		Short:   "Show the latest job of a cluster",
		Example: `  provisioner status demo-1 --json`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := newClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), status)
		},
	}
	return cmd
}

func newLogsCommand() *cobra.Command {
	var tail int

	cmd := &cobra.Command{
		Use:   "logs <cluster-name>",
		Short: "Show tool output of a cluster",
		Example: `  # Last 100 lines
  provisioner logs demo-1 --tail 100`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := newClient().Logs(cmd.Context(), args[0], tail)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), logs)
			}
			fmt.Fprint(cmd.OutOrStdout(), logs.Logs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&tail, "tail", "n", 0, "number of lines (0 uses the service default)")

	return cmd
}

func newCleanupCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "cleanup <cluster-name>",
		Short: "Delete the records of a destroyed cluster",
		Long: `Delete every job and the state partition of a cluster. The service refuses
unless the cluster was destroyed; --force skips that check and may orphan
cloud resources.`,
		Example: `  provisioner cleanup demo-1
  provisioner cleanup demo-1 --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Cleanup(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "delete even if the cluster was not destroyed")

	return cmd
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters and their latest job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().List(cmd.Context())
			if err != nil {
				return err
			}
			return printList(cmd.OutOrStdout(), list)
		},
	}
	return cmd
}

func newAuditCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit [cluster-name]",
		Short: "Show the audit trail",
		Example: `  # Everything, newest first
  provisioner audit

  # One cluster
  provisioner audit demo-1 --limit 20`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			audit, err := newClient().Audit(cmd.Context(), name, limit)
			if err != nil {
				return err
			}
			return printAudit(cmd.OutOrStdout(), audit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "maximum number of entries")

	return cmd
}
