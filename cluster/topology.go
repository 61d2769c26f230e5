/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cluster

import (
	"context"

	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
)

const (
	// replSetNodes is the size of every replica set we start.
	replSetNodes = 3

	// oplogSizeMB is enlarged to prevent rollover during write-heavy workloads.
	oplogSizeMB = 1024

	numShards  = 2
	numRouters = 2
)

type deployment struct {
	entryPoint provisioning.Node
	routers    []provisioning.Node
	dataNodes  []provisioning.Node
}

// topology is the per-kind strategy used by Cluster.  teardown must be safe
// to call after a failed or partial setup.
type topology interface {
	setup(ctx context.Context) (*deployment, error)
	teardown(ctx context.Context) error
}

type collectionSharder interface {
	shardCollection(ctx context.Context, opts provisioning.ShardCollectionOptions) error
}

func newTopology(opts Options, logger *zap.Logger, driver provisioning.Driver, standalone provisioning.Node, verbosity int) topology {
	switch opts.Kind() {
	case KindSharded:
		return &shardedTopology{
			logger:      logger,
			driver:      driver,
			replication: opts.Replication,
			legacy:      opts.UseLegacyConfigServers,
			verbosity:   verbosity,
		}
	case KindReplicated:
		return &replicatedTopology{logger: logger, driver: driver, verbosity: verbosity}
	case KindMasterSlave:
		return &masterSlaveTopology{logger: logger, driver: driver, verbosity: verbosity}
	default:
		return &standaloneTopology{logger: logger, conn: standalone, verbosity: verbosity}
	}
}

func setLogLevel(ctx context.Context, node provisioning.Node, verbosity int) error {
	cmd := bson.D{
		{Key: "setParameter", Value: 1},
		{Key: "logLevel", Value: verbosity},
	}
	err := node.AdminCommand(ctx, cmd, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to set log level on %s", node.Host())
	}
	return nil
}

// replicaSetMembers returns the primary followed by the secondaries in the
// order the set reports them.
func replicaSetMembers(ctx context.Context, rs provisioning.ReplicaSet) ([]provisioning.Node, error) {
	primary, err := rs.Primary(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to find primary of %s", rs.Name())
	}

	secondaries, err := rs.Secondaries(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list secondaries of %s", rs.Name())
	}

	return append([]provisioning.Node{primary}, secondaries...), nil
}

type standaloneTopology struct {
	logger    *zap.Logger
	conn      provisioning.Node
	verbosity int
}

func (t *standaloneTopology) setup(ctx context.Context) (*deployment, error) {
	err := setLogLevel(ctx, t.conn, t.verbosity)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("using standalone connection", zap.String("host", t.conn.Host()))

	return &deployment{
		entryPoint: t.conn,
		dataNodes:  []provisioning.Node{t.conn},
	}, nil
}

func (t *standaloneTopology) teardown(ctx context.Context) error {
	return nil
}

type masterSlaveTopology struct {
	logger    *zap.Logger
	driver    provisioning.Driver
	verbosity int

	ms provisioning.MasterSlave
}

func (t *masterSlaveTopology) setup(ctx context.Context) (*deployment, error) {
	ms, err := t.driver.StartMasterSlave(ctx, provisioning.MasterSlaveOptions{
		Verbosity: t.verbosity,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start master/slave pair")
	}
	t.ms = ms

	master := ms.Master()
	slave := ms.Slave()

	for _, node := range []provisioning.Node{master, slave} {
		err := setLogLevel(ctx, node, t.verbosity)
		if err != nil {
			return nil, err
		}
	}

	t.logger.Debug("master/slave pair started",
		zap.String("master", master.Host()),
		zap.String("slave", slave.Host()))

	return &deployment{
		entryPoint: master,
		dataNodes:  []provisioning.Node{master, slave},
	}, nil
}

func (t *masterSlaveTopology) teardown(ctx context.Context) error {
	if t.ms == nil {
		return nil
	}
	return t.ms.Stop(ctx)
}

type replicatedTopology struct {
	logger    *zap.Logger
	driver    provisioning.Driver
	verbosity int

	rs provisioning.ReplicaSet
}

func (t *replicatedTopology) setup(ctx context.Context) (*deployment, error) {
	rs, err := t.driver.StartReplicaSet(ctx, provisioning.ReplicaSetOptions{
		Nodes:     replSetNodes,
		OplogSize: oplogSizeMB,
		Verbosity: t.verbosity,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start replica set")
	}
	t.rs = rs

	err = rs.Initiate(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initiate replica set %s", rs.Name())
	}

	err = rs.AwaitSecondaryNodes(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed waiting for secondaries of %s", rs.Name())
	}

	members, err := replicaSetMembers(ctx, rs)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("replica set ready",
		zap.String("name", rs.Name()),
		zap.String("primary", members[0].Host()))

	return &deployment{
		entryPoint: members[0],
		dataNodes:  members,
	}, nil
}

func (t *replicatedTopology) teardown(ctx context.Context) error {
	if t.rs == nil {
		return nil
	}
	return t.rs.Stop(ctx)
}

type shardedTopology struct {
	logger      *zap.Logger
	driver      provisioning.Driver
	replication bool
	legacy      bool
	verbosity   int

	sc provisioning.ShardedCluster
}

func (t *shardedTopology) setup(ctx context.Context) (*deployment, error) {
	opts := provisioning.ShardedClusterOptions{
		Shards:              numShards,
		Routers:             numRouters,
		LegacyConfigServers: t.legacy,
		Verbosity:           t.verbosity,
	}
	if t.replication {
		opts.ReplicaSet = &provisioning.ReplicaSetOptions{
			Nodes:     replSetNodes,
			OplogSize: oplogSizeMB,
			Verbosity: t.verbosity,
		}
	}

	sc, err := t.driver.StartShardedCluster(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start sharded cluster")
	}
	t.sc = sc

	err = sc.StopBalancer(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to stop balancer")
	}

	routers := sc.Routers()
	if len(routers) == 0 {
		return nil, errors.New("sharded cluster started without any routers")
	}

	var dataNodes []provisioning.Node
	for _, shard := range sc.Shards() {
		rs, ok := shard.ReplicaSet()
		if !ok {
			dataNodes = append(dataNodes, shard.Node())
			continue
		}

		members, err := replicaSetMembers(ctx, rs)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list members of shard %s", shard.Name())
		}
		dataNodes = append(dataNodes, members...)
	}

	t.logger.Debug("sharded cluster ready",
		zap.Int("routers", len(routers)),
		zap.Int("dataNodes", len(dataNodes)))

	return &deployment{
		entryPoint: routers[0],
		routers:    append([]provisioning.Node(nil), routers...),
		dataNodes:  dataNodes,
	}, nil
}

func (t *shardedTopology) teardown(ctx context.Context) error {
	if t.sc == nil {
		return nil
	}
	return t.sc.Stop(ctx)
}

func (t *shardedTopology) shardCollection(ctx context.Context, opts provisioning.ShardCollectionOptions) error {
	return t.sc.ShardCollection(ctx, opts)
}
