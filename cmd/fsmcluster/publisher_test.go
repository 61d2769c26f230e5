package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/couchbaselabs/fsmcluster/contrib/etcdregistry"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

func getTestEtcdClient(t *testing.T) *etcd.Client {
	connectTimeout := 5 * time.Second

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: connectTimeout,
	})
	if err != nil {
		t.Skipf("failed to connect to etcd: %s", err)
	}
	t.Cleanup(func() {
		_ = etcdClient.Close()
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), connectTimeout)
	_, err = etcdClient.Get(waitCtx, "invalid-key")
	waitCancel()

	if errors.Is(err, context.DeadlineExceeded) {
		t.Skip("failed to connect to etcd: timeout")
	}

	return etcdClient
}

func TestDeploymentPublisherRepublishesLostLease(t *testing.T) {
	etcdClient := getTestEtcdClient(t)
	ctx := context.Background()
	keyPrefix := "testing/" + uuid.NewString()

	registry, err := etcdregistry.NewRegistry(etcdregistry.RegistryOptions{
		Logger:     zaptest.NewLogger(t),
		EtcdClient: etcdClient,
		KeyPrefix:  keyPrefix,
	})
	require.NoError(t, err)

	publisher, err := startDeploymentPublisher(ctx, zaptest.NewLogger(t), registry, &etcdregistry.Deployment{
		Kind:       "sharded",
		EntryPoint: "localhost:20006",
	}, nil)
	require.NoError(t, err)

	first := publisher.publication.Load()
	id := first.ID()
	require.NotEmpty(t, id)

	resp, err := etcdClient.KV.Get(ctx, keyPrefix+"/", etcd.WithPrefix())
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	require.NotZero(t, resp.Kvs[0].Lease)

	_, err = etcdClient.Lease.Revoke(ctx, etcd.LeaseID(resp.Kvs[0].Lease))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return publisher.republished.Load() > 0
	}, 15*time.Second, 50*time.Millisecond)

	assert.NotSame(t, first, publisher.publication.Load())

	snap, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Deployments, 1)
	assert.Equal(t, id, snap.Deployments[0].ID)
	assert.Equal(t, "localhost:20006", snap.Deployments[0].EntryPoint)

	require.NoError(t, publisher.Withdraw(ctx))

	snap, err = registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Deployments)
}
