// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package resourcebroker assembles the broker service: repository,
// cloud provider, continuation workers, pool maintenance loops and
// the management API.
package resourcebroker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"git.arvados.org/resourcebroker.git/lib/bgtask"
	"git.arvados.org/resourcebroker.git/lib/broker"
	"git.arvados.org/resourcebroker.git/lib/cloud"
	"git.arvados.org/resourcebroker.git/lib/cloud/azure"
	"git.arvados.org/resourcebroker.git/lib/cloud/ec2"
	"git.arvados.org/resourcebroker.git/lib/cloud/loopback"
	"git.arvados.org/resourcebroker.git/lib/cmd"
	"git.arvados.org/resourcebroker.git/lib/config"
	"git.arvados.org/resourcebroker.git/lib/continuation"
	"git.arvados.org/resourcebroker.git/lib/dblock"
	"git.arvados.org/resourcebroker.git/lib/heartbeat"
	"git.arvados.org/resourcebroker.git/lib/pool"
	"git.arvados.org/resourcebroker.git/lib/repair"
	"git.arvados.org/resourcebroker.git/lib/repository"
	"git.arvados.org/resourcebroker.git/lib/service"
	"git.arvados.org/resourcebroker.git/lib/strategy"
	"git.arvados.org/resourcebroker.git/lib/watchpool"
	"git.arvados.org/resourcebroker.git/sdk/go/ctxlog"
	"git.arvados.org/resourcebroker.git/sdk/go/resource"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var Command cmd.Handler = service.Command(newHandler)

var drivers = map[string]cloud.Driver{
	"azure":    azure.Driver,
	"ec2":      ec2.Driver,
	"loopback": loopback.Driver,
}

const healthCheckTimeout = 5 * time.Second

// shutdownGrace is how long Close lets background tasks finish
// before cancelling them.
const shutdownGrace = 10 * time.Second

func newHandler(ctx context.Context, cluster *resource.Cluster, reg *prometheus.Registry) service.Handler {
	h := &Handler{
		Cluster:  cluster,
		Context:  ctx,
		Registry: reg,
	}
	if err := h.Start(); err != nil {
		return service.ErrorHandler(ctx, cluster, err)
	}
	return h
}

// Handler is the broker service. It implements service.Handler.
type Handler struct {
	Cluster  *resource.Cluster
	Context  context.Context
	Registry *prometheus.Registry

	// Provider, if not nil, is used instead of the provider
	// configured in Cluster.Cloud.
	Provider cloud.Provider

	logger      logrus.FieldLogger
	repo        repository.Repository
	provider    cloud.Provider
	notifier    continuation.Notifier
	activator   *continuation.Activator
	definitions *pool.DefinitionStore
	broker      *broker.Broker
	runner      *bgtask.Runner
	watch       *watchpool.Loop
	sweeper     *repair.Sweeper
	httpHandler http.Handler

	cancel    context.CancelFunc
	setupOnce sync.Once
	setupErr  error
	closeOnce sync.Once
	stopped   chan struct{}
}

// Start sets up all components and starts the background workers.
// Start can be called multiple times with no ill effect.
func (h *Handler) Start() error {
	h.setupOnce.Do(func() {
		h.setupErr = h.setup()
		if h.setupErr != nil {
			h.teardown()
		}
	})
	return h.setupErr
}

func (h *Handler) setup() error {
	if h.Context == nil {
		h.Context = context.Background()
	}
	if h.Registry == nil {
		h.Registry = prometheus.NewRegistry()
	}
	var ctx context.Context
	ctx, h.cancel = context.WithCancel(h.Context)
	h.logger = ctxlog.FromContext(ctx)
	h.stopped = make(chan struct{})
	cluster := h.Cluster

	repo, err := repository.New(ctx, cluster)
	if err != nil {
		return fmt.Errorf("repository setup failed: %w", err)
	}
	h.repo = repo

	if h.Provider != nil {
		h.provider = h.Provider
	} else {
		driver, ok := drivers[cluster.Cloud.Driver]
		if !ok {
			return fmt.Errorf("unsupported cloud driver %q", cluster.Cloud.Driver)
		}
		p, err := driver.Provider(cluster.Cloud.DriverParameters, h.logger.WithField("CloudDriver", cluster.Cloud.Driver))
		if err != nil {
			return fmt.Errorf("cloud driver setup failed: %w", err)
		}
		h.provider = cloud.Throttle(p, cluster.Cloud.MaxCloudOpsPerSecond, h.logger)
	}

	if cluster.NATS.URL != "" {
		nn, err := continuation.NewNATSNotifier(cluster.NATS.URL, cluster.NATS.SubjectPrefix, h.logger)
		if err != nil {
			return fmt.Errorf("NATS setup failed: %w", err)
		}
		h.notifier = nn
	} else {
		h.notifier = continuation.NewLocalNotifier()
	}

	h.definitions = &pool.DefinitionStore{}
	if len(cluster.ScaleLevels) > 0 || cluster.ScaleLevelsFile != "" {
		if err := h.definitions.PushScaleLevels(cluster.ScaleLevels); err != nil {
			return err
		}
	}
	if cluster.ScaleLevelsFile != "" {
		err := config.WatchScaleLevels(ctx, h.logger, cluster.ScaleLevelsFile, func(defs []resource.PoolDefinition) {
			if err := h.definitions.PushScaleLevels(defs); err != nil {
				h.logger.WithError(err).Warn("rejected scale levels from file")
			}
		})
		if err != nil {
			return err
		}
	}

	h.activator = continuation.NewActivator(repo, h.notifier, cluster.Continuation, h.logger, h.Registry)
	handlers := &continuation.Handlers{
		Records:      repo,
		Provider:     h.provider,
		Environments: repo,
		Heartbeats:   heartbeat.NewManager(repo, cluster.Heartbeat.ThrottleInterval.Duration(), h.logger, h.Registry),
	}
	handlers.Register(h.activator)
	ops := continuation.NewOperations(h.activator, repo, h.logger)
	pools := pool.NewManager(repo, cluster.Pool.ClaimAttempts, h.logger, h.Registry)
	h.runner = bgtask.NewRunner(h.logger, h.Registry)
	alloc := strategy.New(strategy.Deps{
		Definitions: h.definitions,
		Pools:       pools,
		Records:     repo,
		Operations:  ops,
		Disks:       h.provider,
		Config:      cluster.Broker,
		Logger:      h.logger,
	}, h.Registry)
	h.broker = &broker.Broker{
		Records:    repo,
		Allocator:  alloc,
		Pools:      pools,
		Operations: ops,
		Runner:     h.runner,
		Config:     cluster.Broker,
		Logger:     h.logger,
		Registry:   h.Registry,
	}

	var watchLeader, repairLeader dblock.Leader
	if pg, ok := repo.(repository.DBGetter); ok {
		watchLeader = dblock.WatchPoolSize.Using(pg.GetDB)
		repairLeader = dblock.StateRepair.Using(pg.GetDB)
	}
	h.watch = &watchpool.Loop{
		Definitions: h.definitions,
		Records:     repo,
		Operations:  ops,
		Config:      cluster.Pool,
		Logger:      h.logger,
		Registry:    h.Registry,
		Leader:      watchLeader,
	}
	h.sweeper = &repair.Sweeper{
		Environments: repo,
		Actions:      &repair.EnvironmentActions{Environments: repo, Broker: h.broker},
		Config:       cluster.Repair,
		Logger:       h.logger,
		Registry:     h.Registry,
		Leader:       repairLeader,
	}

	h.httpHandler = h.router()

	h.activator.Start()
	h.watch.Start()
	h.sweeper.Start()
	h.logger.WithFields(logrus.Fields{
		"Repository":  cluster.Repository.Driver,
		"CloudDriver": cluster.Cloud.Driver,
		"NATS":        cluster.NATS.URL != "",
	}).Info("resource broker started")
	return nil
}

// ServeHTTP implements service.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := h.Start(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (h *Handler) CheckHealth() error {
	if err := h.Start(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(h.Context, healthCheckTimeout)
	defer cancel()
	if _, err := h.repo.GetUnassignedPoolCodes(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	return nil
}

// Done implements service.Handler.
func (h *Handler) Done() <-chan struct{} {
	h.Start()
	return h.stopped
}

// Close stops the background workers, waits for background tasks to
// finish (cancelling any still running after shutdownGrace), and
// releases the repository and provider.
func (h *Handler) Close() error {
	if err := h.Start(); err != nil {
		// setup already released everything
		return nil
	}
	var err error
	h.closeOnce.Do(func() {
		h.watch.Stop()
		h.sweeper.Stop()
		h.activator.Stop()
		h.runner.Shutdown(shutdownGrace)
		err = h.teardown()
	})
	return err
}

// teardown releases whatever setup acquired.
func (h *Handler) teardown() error {
	var err error
	if h.cancel != nil {
		h.cancel()
	}
	if h.notifier != nil {
		h.notifier.Close()
	}
	if h.provider != nil {
		h.provider.Stop()
	}
	if h.repo != nil {
		err = h.repo.Close()
	}
	if h.stopped != nil {
		close(h.stopped)
	}
	return err
}
