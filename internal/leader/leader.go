// Package leader provides Kubernetes Lease-based leader election so that
// only one replica polls Telegram and drives the scheduled tasks.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/starfall-bot/internal/config"
)

// ErrMissingCallbacks is returned by Run when a required callback is nil.
var ErrMissingCallbacks = errors.New("leader election needs both start and stop callbacks")

// Callbacks are invoked as leadership changes hands.
type Callbacks struct {
	// OnStartedLeading runs once this replica holds the lease. It should
	// block until ctx is done.
	OnStartedLeading func(ctx context.Context)
	// OnStoppedLeading runs when the lease is lost or released.
	OnStoppedLeading func()
	// OnNewLeader is optional and receives the identity of any other leader.
	OnNewLeader func(identity string)
}

// ClientFactory builds the clientset used for the Lease lock. Tests point
// it at a throwaway cluster.
var ClientFactory = func() (kubernetes.Interface, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// Identity is the name this replica holds the lease under.
func Identity(cfg config.LeaderElectionConfig) string {
	if cfg.Identity != "" {
		return cfg.Identity
	}
	if host, err := os.Hostname(); err == nil {
		return host
	}
	return "starfallbot"
}

// Run takes part in the election until ctx is canceled. The lease is
// released on cancel so a standby replica can take over without waiting
// for it to expire.
func Run(ctx context.Context, cfg config.LeaderElectionConfig, logger *slog.Logger, cb Callbacks) error {
	if cb.OnStartedLeading == nil || cb.OnStoppedLeading == nil {
		return ErrMissingCallbacks
	}

	client, err := ClientFactory()
	if err != nil {
		return fmt.Errorf("leader election client: %w", err)
	}

	id := Identity(cfg)
	logger = logger.With(slog.String("identity", id), slog.String("lease", cfg.LeaseNamespace+"/"+cfg.LeaseName))
	logger.InfoContext(ctx, "joining leader election")

	lock := &resourcelock.LeaseLock{
		LeaseMeta:  metav1.ObjectMeta{Name: cfg.LeaseName, Namespace: cfg.LeaseNamespace},
		Client:     client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{Identity: id},
	}
	elector, err := leaderelection.NewLeaderElector(electionConfig(cfg, lock, id, logger, cb))
	if err != nil {
		return fmt.Errorf("creating leader elector: %w", err)
	}
	elector.Run(ctx)
	return nil
}

func electionConfig(cfg config.LeaderElectionConfig, lock resourcelock.Interface, id string, logger *slog.Logger, cb Callbacks) leaderelection.LeaderElectionConfig {
	return leaderelection.LeaderElectionConfig{
		Lock:            lock,
		Name:            cfg.LeaseName,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				logger.InfoContext(ctx, "acquired leadership, starting bot and scheduler")
				cb.OnStartedLeading(ctx)
			},
			OnStoppedLeading: func() {
				logger.Info("released leadership")
				cb.OnStoppedLeading()
			},
			OnNewLeader: func(current string) {
				if current == id {
					return
				}
				logger.Info("standing by", slog.String("leader", current))
				if cb.OnNewLeader != nil {
					cb.OnNewLeader(current)
				}
			},
		},
	}
}
