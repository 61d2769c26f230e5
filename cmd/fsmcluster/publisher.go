package main

import (
	"context"
	"sync/atomic"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/couchbaselabs/fsmcluster/contrib/etcdregistry"
	"go.uber.org/zap"
)

// deploymentPublisher keeps a deployment published for as long as it runs,
// republishing it under the same ID whenever its lease is lost.
type deploymentPublisher struct {
	logger   *zap.Logger
	registry *etcdregistry.Registry
	dep      *etcdregistry.Deployment
	opts     *etcdregistry.PublishOptions

	publication atomic.Pointer[etcdregistry.Publication]
	republished atomic.Int64

	cancel func()
	doneCh chan struct{}
}

func startDeploymentPublisher(
	ctx context.Context,
	logger *zap.Logger,
	registry *etcdregistry.Registry,
	dep *etcdregistry.Deployment,
	opts *etcdregistry.PublishOptions,
) (*deploymentPublisher, error) {
	publication, err := registry.Publish(ctx, dep, opts)
	if err != nil {
		return nil, err
	}

	record := *dep
	record.ID = publication.ID()

	runCtx, cancel := context.WithCancel(context.Background())
	p := &deploymentPublisher{
		logger:   logger.With(zap.String("deploymentId", record.ID)),
		registry: registry,
		dep:      &record,
		opts:     opts,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
	p.publication.Store(publication)

	go p.run(runCtx)

	return p, nil
}

func (p *deploymentPublisher) run(ctx context.Context) {
	defer close(p.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.publication.Load().Lost():
		}

		p.logger.Warn("deployment publication lost, republishing")

		var publication *etcdregistry.Publication
		err := backoff.Retry(func() error {
			var err error
			publication, err = p.registry.Publish(ctx, p.dep, p.opts)
			return err
		}, backoff.WithContext(backoff.NewExponentialBackOff(), ctx))
		if err != nil {
			p.logger.Warn("failed to republish deployment", zap.Error(err))
			return
		}

		p.publication.Store(publication)
		p.republished.Add(1)
	}
}

// Withdraw stops republishing and removes the current record.
func (p *deploymentPublisher) Withdraw(ctx context.Context) error {
	p.cancel()
	<-p.doneCh

	return p.publication.Load().Withdraw(ctx)
}
