// Package kube removes cluster workloads that own cloud load balancers so a
// destroy does not leave orphaned balancers behind.
package kube

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// Defaults for waiting on deletions.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultWaitTimeout  = 10 * time.Minute
)

// ClientFactory builds a clientset from kubeconfig bytes.
type ClientFactory func(kubeconfig []byte) (kubernetes.Interface, error)

// NewClientFromKubeconfig is the ClientFactory used against real clusters.
func NewClientFromKubeconfig(kubeconfig []byte) (kubernetes.Interface, error) {
	config, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kubeconfig from bytes: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create clientset: %w", err)
	}

	return clientset, nil
}

// Options tunes a Cleaner. Zero values use the defaults.
type Options struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
	Factory      ClientFactory
}

// Cleaner deletes LoadBalancer Services and Ingresses cluster-wide and
// waits until the API no longer reports them.
type Cleaner struct {
	factory      ClientFactory
	pollInterval time.Duration
	waitTimeout  time.Duration
	logger       zerolog.Logger
}

// NewCleaner creates a Cleaner.
func NewCleaner(opts Options, logger zerolog.Logger) *Cleaner {
	c := &Cleaner{
		factory:      opts.Factory,
		pollInterval: opts.PollInterval,
		waitTimeout:  opts.WaitTimeout,
		logger:       logger.With().Str("component", "kube-cleaner").Logger(),
	}
	if c.factory == nil {
		c.factory = NewClientFromKubeconfig
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.waitTimeout <= 0 {
		c.waitTimeout = DefaultWaitTimeout
	}
	return c
}

// RemoveLoadBalancers deletes every exposure that owns a cloud load
// balancer and returns how many it deleted. It returns once none are left.
func (c *Cleaner) RemoveLoadBalancers(ctx context.Context, kubeconfig []byte) (int, error) {
	client, err := c.factory(kubeconfig)
	if err != nil {
		return 0, err
	}

	services, err := c.deleteServices(ctx, client)
	if err != nil {
		return services, err
	}

	ingresses, err := c.deleteIngresses(ctx, client)
	removed := services + ingresses
	if err != nil {
		return removed, err
	}

	if removed == 0 {
		c.logger.Info().Msg("no load balancers to remove")
		return 0, nil
	}

	c.logger.Info().Int("services", services).Int("ingresses", ingresses).Msg("waiting for load balancers to be released")
	if err := c.waitForRemoval(ctx, client); err != nil {
		return removed, err
	}

	return removed, nil
}

func (c *Cleaner) deleteServices(ctx context.Context, client kubernetes.Interface) (int, error) {
	list, err := client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list services: %w", err)
	}

	deleted := 0
	for i := range list.Items {
		svc := &list.Items[i]
		if svc.Spec.Type != corev1.ServiceTypeLoadBalancer {
			continue
		}

		err := client.CoreV1().Services(svc.Namespace).Delete(ctx, svc.Name, deleteOptions())
		if err != nil && !apierrors.IsNotFound(err) {
			return deleted, fmt.Errorf("failed to delete service %s/%s: %w", svc.Namespace, svc.Name, err)
		}

		c.logger.Info().Str("namespace", svc.Namespace).Str("service", svc.Name).Msg("deleted load balancer service")
		deleted++
	}

	return deleted, nil
}

func (c *Cleaner) deleteIngresses(ctx context.Context, client kubernetes.Interface) (int, error) {
	list, err := client.NetworkingV1().Ingresses(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list ingresses: %w", err)
	}

	deleted := 0
	for i := range list.Items {
		ing := &list.Items[i]

		err := client.NetworkingV1().Ingresses(ing.Namespace).Delete(ctx, ing.Name, deleteOptions())
		if err != nil && !apierrors.IsNotFound(err) {
			return deleted, fmt.Errorf("failed to delete ingress %s/%s: %w", ing.Namespace, ing.Name, err)
		}

		c.logger.Info().Str("namespace", ing.Namespace).Str("ingress", ing.Name).Msg("deleted ingress")
		deleted++
	}

	return deleted, nil
}

// waitForRemoval polls until no LoadBalancer Service or Ingress remains.
// Cloud controllers hold a finalizer until the balancer is gone.
func (c *Cleaner) waitForRemoval(ctx context.Context, client kubernetes.Interface) error {
	var remaining int
	err := wait.PollUntilContextTimeout(ctx, c.pollInterval, c.waitTimeout, true, func(ctx context.Context) (bool, error) {
		n, err := countLoadBalancers(ctx, client)
		if err != nil {
			return false, err
		}
		remaining = n
		return n == 0, nil
	})
	if err != nil {
		return fmt.Errorf("load balancers not released, %d remaining: %w", remaining, err)
	}
	return nil
}

func countLoadBalancers(ctx context.Context, client kubernetes.Interface) (int, error) {
	services, err := client.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list services: %w", err)
	}

	count := 0
	for _, svc := range services.Items {
		if svc.Spec.Type == corev1.ServiceTypeLoadBalancer {
			count++
		}
	}

	ingresses, err := client.NetworkingV1().Ingresses(metav1.NamespaceAll).List(ctx, metav1.ListOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to list ingresses: %w", err)
	}

	return count + len(ingresses.Items), nil
}

func deleteOptions() metav1.DeleteOptions {
	policy := metav1.DeletePropagationForeground
	return metav1.DeleteOptions{PropagationPolicy: &policy}
}
