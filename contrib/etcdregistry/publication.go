/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdregistry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type Publication struct {
	logger      *zap.Logger
	etcdClient  *etcd.Client
	key         string
	leasePeriod time.Duration

	lock       sync.Mutex
	deployment *Deployment
	leaseID    etcd.LeaseID

	keepAliveCancel func()
	lostCh          chan struct{}
}

func (p *Publication) ID() string {
	return p.deployment.ID
}

// Lost is closed if the lease backing the record expires while the
// publication is still active.
func (p *Publication) Lost() <-chan struct{} {
	return p.lostCh
}

func (p *Publication) publish(ctx context.Context) error {
	leaseTimeoutInSecs := int64(p.leasePeriod / time.Second)

	lease, err := p.etcdClient.Lease.Grant(ctx, leaseTimeoutInSecs)
	if err != nil {
		return errors.Wrap(err, "failed to grant lease")
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	leaseKaCh, err := p.etcdClient.Lease.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return errors.Wrap(err, "failed to keep lease alive")
	}

	p.leaseID = lease.ID
	p.keepAliveCancel = kaCancel

	go func() {
		for range leaseKaCh {
		}

		// the channel also closes when we cancel it ourselves on withdraw
		if kaCtx.Err() == nil {
			p.logger.Warn("lost lease for published deployment")
			close(p.lostCh)
		}
	}()

	err = p.put(ctx)
	if err != nil {
		kaCancel()
		return err
	}

	p.logger.Info("published deployment", zap.String("key", p.key))

	return nil
}

func (p *Publication) put(ctx context.Context) error {
	value, err := encodeDeployment(p.deployment)
	if err != nil {
		return err
	}

	_, err = p.etcdClient.KV.Put(ctx, p.key, value, etcd.WithLease(p.leaseID))
	if err != nil {
		return errors.Wrapf(err, "failed to write %s", p.key)
	}

	return nil
}

// Update replaces the published record, keeping its ID.
func (p *Publication) Update(ctx context.Context, dep *Deployment) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	record := *dep
	record.ID = p.deployment.ID
	p.deployment = &record

	return p.put(ctx)
}

// Withdraw removes the record and releases its lease.
func (p *Publication) Withdraw(ctx context.Context) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.keepAliveCancel()

	_, err := p.etcdClient.KV.Delete(ctx, p.key)
	if err != nil {
		return errors.Wrapf(err, "failed to delete %s", p.key)
	}

	_, err = p.etcdClient.Lease.Revoke(ctx, p.leaseID)
	if err != nil {
		p.logger.Debug("failed to revoke lease", zap.Error(err))
	}

	p.logger.Info("withdrew deployment")

	return nil
}
