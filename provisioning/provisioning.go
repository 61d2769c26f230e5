/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package provisioning describes the external deployment driver that the
// cluster package orchestrates: starting mongod/mongos processes, grouping
// them into replica sets and sharded clusters, and talking to individual
// nodes.
package provisioning

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Node is a single mongod or mongos endpoint of a deployment.
type Node interface {
	Host() string
	AdminCommand(ctx context.Context, cmd interface{}, result interface{}) error
	Database(name string) Database
}

// Database is a handle to a named database on a single node.
type Database interface {
	Name() string
	Node() Node
	Sibling(name string) Database

	RunCommand(ctx context.Context, cmd interface{}, result interface{}) error
	IsMaster(ctx context.Context) (*IsMasterResult, error)

	InsertWithWriteConcern(ctx context.Context, collection string, doc interface{}, wc WriteConcern) error
	DropCollection(ctx context.Context, collection string) (bool, error)
}

// IsMasterResult is the subset of the isMaster reply that orchestration
// depends on.
type IsMasterResult struct {
	IsMaster  bool     `bson:"ismaster"`
	Secondary bool     `bson:"secondary"`
	SetName   string   `bson:"setName,omitempty"`
	Primary   string   `bson:"primary,omitempty"`
	Hosts     []string `bson:"hosts,omitempty"`
	Passives  []string `bson:"passives,omitempty"`
	Arbiters  []string `bson:"arbiters,omitempty"`
	Msg       string   `bson:"msg,omitempty"`
}

// SetSize returns the number of data bearing members this node reports for
// its replica set, or zero when it is not a replica set member.
func (r *IsMasterResult) SetSize() int {
	if r.SetName == "" {
		return 0
	}
	return len(r.Hosts) + len(r.Passives)
}

// WriteConcern is an acknowledgement requirement attached to a write.
type WriteConcern struct {
	W        int
	WTimeout time.Duration
}

type MasterSlaveOptions struct {
	Verbosity int
}

type MasterSlave interface {
	Master() Node
	Slave() Node
	Stop(ctx context.Context) error
}

type ReplicaSetOptions struct {
	Name      string
	Nodes     int
	OplogSize int
	Verbosity int
}

type ReplicaSet interface {
	Name() string

	Initiate(ctx context.Context) error
	AwaitSecondaryNodes(ctx context.Context) error

	Primary(ctx context.Context) (Node, error)
	Secondaries(ctx context.Context) ([]Node, error)

	Stop(ctx context.Context) error
}

type ShardedClusterOptions struct {
	Shards  int
	Routers int

	// LegacyConfigServers selects pre-3.2 style mirrored config servers
	// instead of a config server replica set.
	LegacyConfigServers bool

	// ReplicaSet turns each shard into a replica set when non-nil.
	ReplicaSet *ReplicaSetOptions

	Verbosity int
}

type Shard interface {
	Name() string

	// ReplicaSet returns the replica set backing this shard, or false when
	// the shard is a single standalone node.
	ReplicaSet() (ReplicaSet, bool)
	Node() Node
}

type ShardCollectionOptions struct {
	Database   string
	Collection string
	Key        bson.D
	Unique     bool

	// SplitPoints are split in order after sharding; the chunks containing
	// MovePoints are moved round robin across shards, starting at the second.
	SplitPoints []bson.D
	MovePoints  []bson.D
}

func (o ShardCollectionOptions) Namespace() string {
	return o.Database + "." + o.Collection
}

type ShardedCluster interface {
	Routers() []Node
	Shards() []Shard

	StopBalancer(ctx context.Context) error
	ShardCollection(ctx context.Context, opts ShardCollectionOptions) error

	Stop(ctx context.Context) error
}

// Driver provisions deployments.  Each Start call returns a running
// deployment that the caller owns and must Stop.
type Driver interface {
	StartMasterSlave(ctx context.Context, opts MasterSlaveOptions) (MasterSlave, error)
	StartReplicaSet(ctx context.Context, opts ReplicaSetOptions) (ReplicaSet, error)
	StartShardedCluster(ctx context.Context, opts ShardedClusterOptions) (ShardedCluster, error)
}
