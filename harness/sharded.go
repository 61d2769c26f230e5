/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package harness

import (
	"context"
	"fmt"

	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
)

const (
	numConfigServers = 3
	configReplSet    = "configRS"

	codeAlreadyInitialized = 23
	codeCommandNotFound    = 59
)

type shard struct {
	name string
	rs   *replicaSet
	srv  *server
}

var _ provisioning.Shard = (*shard)(nil)

func (s *shard) Name() string {
	return s.name
}

func (s *shard) ReplicaSet() (provisioning.ReplicaSet, bool) {
	if s.rs == nil {
		return nil, false
	}
	return s.rs, true
}

func (s *shard) Node() provisioning.Node {
	if s.rs != nil {
		return s.rs.members[0].node
	}
	return s.srv.node
}

// seed is the address handed to addShard.
func (s *shard) seed() string {
	if s.rs != nil {
		return s.rs.connectionString()
	}
	return s.srv.host
}

func (s *shard) stop(ctx context.Context, d *Driver) error {
	if s.rs != nil {
		return s.rs.Stop(ctx)
	}
	return d.stopServer(ctx, s.srv)
}

type shardedCluster struct {
	driver *Driver
	logger *zap.Logger

	configRS *replicaSet
	shards   []*shard
	routers  []*server
}

var _ provisioning.ShardedCluster = (*shardedCluster)(nil)

// ErrLegacyConfigServers is returned for mirrored config servers, which were
// removed in 3.4 while the driver needs at least 3.6.
var ErrLegacyConfigServers = errors.New("legacy mirrored config servers are not supported by this server version")

func (d *Driver) StartShardedCluster(ctx context.Context, opts provisioning.ShardedClusterOptions) (provisioning.ShardedCluster, error) {
	if opts.Shards <= 0 || opts.Routers <= 0 {
		return nil, errors.Errorf("sharded cluster needs shards and routers, got %d and %d", opts.Shards, opts.Routers)
	}
	if opts.LegacyConfigServers {
		return nil, ErrLegacyConfigServers
	}

	sc := &shardedCluster{
		driver: d,
		logger: d.logger.Named("sharded"),
	}

	err := sc.start(ctx, opts)
	if err != nil {
		_ = sc.Stop(context.Background())
		return nil, err
	}

	sc.logger.Info("sharded cluster started",
		zap.Int("shards", len(sc.shards)),
		zap.Strings("routers", hostsOf(sc.routers)))

	return sc, nil
}

func (sc *shardedCluster) start(ctx context.Context, opts provisioning.ShardedClusterOptions) error {
	d := sc.driver

	configDB, err := sc.startConfigServers(ctx, opts)
	if err != nil {
		return err
	}

	for i := 0; i < opts.Shards; i++ {
		sh, err := sc.startShard(ctx, i, opts)
		if err != nil {
			return err
		}
		sc.shards = append(sc.shards, sh)
	}

	for i := 0; i < opts.Routers; i++ {
		srv, err := d.startServer(ctx, serverSpec{
			name:      fmt.Sprintf("mongos-%d", i),
			binary:    d.cfg.MongosPath,
			args:      map[string]string{"configdb": configDB},
			verbosity: opts.Verbosity,
		})
		if err != nil {
			return errors.Wrapf(err, "failed to start router %d", i)
		}
		sc.routers = append(sc.routers, srv)
	}

	admin := sc.routers[0].node
	for _, sh := range sc.shards {
		cmd := bson.D{
			{Key: "addShard", Value: sh.seed()},
			{Key: "name", Value: sh.name},
		}
		err := admin.AdminCommand(ctx, cmd, nil)
		if err != nil {
			return errors.Wrapf(err, "failed to add shard %s", sh.name)
		}
	}

	return nil
}

// startConfigServers returns the --configdb value for the routers.
func (sc *shardedCluster) startConfigServers(ctx context.Context, opts provisioning.ShardedClusterOptions) (string, error) {
	d := sc.driver

	rs, err := d.startReplicaSet(ctx, configReplSet, provisioning.ReplicaSetOptions{
		Nodes:     numConfigServers,
		Verbosity: opts.Verbosity,
	}, map[string]string{"configsvr": ""})
	if err != nil {
		return "", errors.Wrap(err, "failed to start config servers")
	}
	sc.configRS = rs

	err = rs.Initiate(ctx)
	if err != nil {
		return "", err
	}

	err = rs.AwaitSecondaryNodes(ctx)
	if err != nil {
		return "", err
	}

	return rs.connectionString(), nil
}

func (sc *shardedCluster) startShard(ctx context.Context, idx int, opts provisioning.ShardedClusterOptions) (*shard, error) {
	d := sc.driver
	name := fmt.Sprintf("shard%d", idx)

	if opts.ReplicaSet == nil {
		srv, err := d.startServer(ctx, serverSpec{
			name:      name,
			binary:    d.cfg.MongodPath,
			dbPath:    true,
			args:      map[string]string{"shardsvr": ""},
			verbosity: opts.Verbosity,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to start %s", name)
		}
		return &shard{name: name, srv: srv}, nil
	}

	rs, err := d.startReplicaSet(ctx, name+"-rs", *opts.ReplicaSet, map[string]string{"shardsvr": ""})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", name)
	}
	sh := &shard{name: name, rs: rs}

	err = rs.Initiate(ctx)
	if err == nil {
		err = rs.AwaitSecondaryNodes(ctx)
	}
	if err != nil {
		_ = rs.Stop(context.Background())
		return nil, errors.Wrapf(err, "failed to bring up %s", name)
	}

	return sh, nil
}

func (sc *shardedCluster) Routers() []provisioning.Node {
	return nodesOf(sc.routers)
}

func (sc *shardedCluster) Shards() []provisioning.Shard {
	shards := make([]provisioning.Shard, 0, len(sc.shards))
	for _, sh := range sc.shards {
		shards = append(shards, sh)
	}
	return shards
}

// StopBalancer disables the balancer through the first router.
// balancerStop returns once any in-flight balancing round has finished.
// Routers that do not know the command get the balancer setting written
// directly instead.
func (sc *shardedCluster) StopBalancer(ctx context.Context) error {
	router := sc.routers[0].node

	cmd := bson.D{
		{Key: "balancerStop", Value: 1},
		{Key: "maxTimeMS", Value: sc.driver.cfg.SecondaryTimeout.Milliseconds()},
	}
	err := router.AdminCommand(ctx, cmd, nil)
	if err == nil {
		sc.logger.Debug("balancer stopped")
		return nil
	}
	if !isCommandNotFound(err) {
		return errors.Wrap(err, "failed to stop balancer")
	}

	sc.logger.Debug("balancerStop not supported, updating balancer settings")

	cmd = bson.D{
		{Key: "update", Value: "settings"},
		{Key: "updates", Value: bson.A{
			bson.D{
				{Key: "q", Value: bson.D{{Key: "_id", Value: "balancer"}}},
				{Key: "u", Value: bson.D{{Key: "$set", Value: bson.D{{Key: "stopped", Value: true}}}}},
				{Key: "upsert", Value: true},
			},
		}},
		{Key: "writeConcern", Value: bson.D{{Key: "w", Value: "majority"}}},
	}
	err = router.Database("config").RunCommand(ctx, cmd, nil)
	if err != nil {
		return errors.Wrap(err, "failed to disable balancer")
	}

	return nil
}

func isCommandNotFound(err error) bool {
	var serverErr mongo.ServerError
	return errors.As(err, &serverErr) && serverErr.HasErrorCode(codeCommandNotFound)
}

// ShardCollection enables sharding on the database, shards the collection,
// splits it at each split point and moves the chunks holding the move
// points across the shards.
func (sc *shardedCluster) ShardCollection(ctx context.Context, opts provisioning.ShardCollectionOptions) error {
	if len(opts.Key) == 0 {
		return errors.New("a shard key must be specified")
	}

	router := sc.routers[0].node
	ns := opts.Namespace()

	err := router.AdminCommand(ctx, bson.D{{Key: "enableSharding", Value: opts.Database}}, nil)
	if err != nil {
		var serverErr mongo.ServerError
		if !errors.As(err, &serverErr) || !serverErr.HasErrorCode(codeAlreadyInitialized) {
			return errors.Wrapf(err, "failed to enable sharding on %s", opts.Database)
		}
	}

	cmd := bson.D{
		{Key: "shardCollection", Value: ns},
		{Key: "key", Value: opts.Key},
	}
	if opts.Unique {
		cmd = append(cmd, bson.E{Key: "unique", Value: true})
	}
	err = router.AdminCommand(ctx, cmd, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to shard %s", ns)
	}

	for _, point := range opts.SplitPoints {
		err := router.AdminCommand(ctx, bson.D{
			{Key: "split", Value: ns},
			{Key: "middle", Value: point},
		}, nil)
		if err != nil {
			return errors.Wrapf(err, "failed to split %s at %v", ns, point)
		}
	}

	for i, point := range opts.MovePoints {
		target := sc.shards[(i+1)%len(sc.shards)].name
		err := router.AdminCommand(ctx, bson.D{
			{Key: "moveChunk", Value: ns},
			{Key: "find", Value: point},
			{Key: "to", Value: target},
		}, nil)
		if err != nil {
			return errors.Wrapf(err, "failed to move chunk of %s at %v to %s", ns, point, target)
		}
	}

	sc.logger.Info("collection sharded",
		zap.String("namespace", ns),
		zap.Int("splits", len(opts.SplitPoints)),
		zap.Int("moves", len(opts.MovePoints)))

	return nil
}

// Stop shuts down routers, then shards, then config servers.
func (sc *shardedCluster) Stop(ctx context.Context) error {
	d := sc.driver

	firstErr := d.stopServers(ctx, sc.routers)

	for _, sh := range sc.shards {
		err := sh.stop(ctx, d)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if sc.configRS != nil {
		err := sc.configRS.Stop(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
