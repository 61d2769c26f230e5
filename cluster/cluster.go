/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package cluster stands up one of several MongoDB deployment topologies
// for workload testing and exposes a uniform way of addressing its nodes.
//
// A Cluster is driven from a single goroutine: Setup, the routing methods
// and Teardown are not safe for concurrent use.
package cluster

import (
	"context"
	"time"

	"github.com/couchbaselabs/fsmcluster/pkg/metrics"
	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	quiescenceDatabase   = "test"
	quiescenceCollection = "fsm_teardown"
	quiescenceTimeout    = 5 * time.Minute
)

var tracer = otel.Tracer("github.com/couchbaselabs/fsmcluster/cluster")

type Config struct {
	Logger *zap.Logger

	Options Options

	// Driver provisions every topology except standalone.
	Driver provisioning.Driver

	// Standalone is the existing connection used as the only node when the
	// options request neither replication nor sharding.
	Standalone provisioning.Node

	// Verbosity is the server log level applied to the nodes.
	Verbosity int
}

type Cluster struct {
	logger    *zap.Logger
	opts      Options
	verbosity int
	topo      topology

	state      State
	entryPoint provisioning.Node
	routers    []provisioning.Node
	dataNodes  []provisioning.Node

	// nextRouter is the round robin cursor used by GetHost.  It is only
	// touched from the owning goroutine.
	nextRouter int
}

func New(cfg *Config) (*Cluster, error) {
	opts, err := ValidateOptions(cfg.Options)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if opts.Kind() == KindStandalone {
		if cfg.Standalone == nil {
			return nil, errors.New("standalone topology requires an existing connection")
		}
	} else if cfg.Driver == nil {
		return nil, errors.Errorf("%s topology requires a provisioning driver", opts.Kind())
	}

	c := &Cluster{
		logger:    logger,
		opts:      opts,
		verbosity: cfg.Verbosity,
		state:     StateUninitialized,
	}
	c.topo = newTopology(opts, logger, cfg.Driver, cfg.Standalone, cfg.Verbosity)

	return c, nil
}

func (c *Cluster) Options() Options {
	return c.opts
}

func (c *Cluster) Kind() Kind {
	return c.opts.Kind()
}

func (c *Cluster) State() State {
	return c.state
}

func (c *Cluster) IsSharded() bool {
	return c.opts.Sharded
}

func (c *Cluster) IsReplicated() bool {
	return c.opts.Replication
}

func (c *Cluster) IsStandalone() bool {
	return IsStandalone(c.opts)
}

// Setup provisions the deployment and runs the configured setup functions
// against every node.  It may only be called once, even if it fails.
func (c *Cluster) Setup(ctx context.Context) error {
	if c.state != StateUninitialized {
		return &LifecycleError{Op: "setup", State: c.state, Err: ErrAlreadyInitialized}
	}
	c.state = StateInitializing

	kind := c.opts.Kind()
	kindAttr := attribute.String("topology", kind.String())

	ctx, span := tracer.Start(ctx, "cluster.Setup", trace.WithAttributes(kindAttr))
	defer span.End()

	fsmMetrics := metrics.GetFsmMetrics()
	startTime := time.Now()

	c.logger.Info("setting up cluster", zap.Stringer("topology", kind))

	err := c.setup(ctx)

	fsmMetrics.SetupDuration.Record(ctx, time.Since(startTime).Seconds(), metric.WithAttributes(kindAttr))
	fsmMetrics.Setups.Add(ctx, 1, metric.WithAttributes(kindAttr, attribute.Bool("success", err == nil)))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("cluster setup failed", zap.Stringer("topology", kind), zap.Error(err))
		return err
	}

	c.state = StateReady

	c.logger.Info("cluster ready",
		zap.Stringer("topology", kind),
		zap.String("entryPoint", c.entryPoint.Host()),
		zap.Int("routers", len(c.routers)),
		zap.Int("dataNodes", len(c.dataNodes)),
		zap.Duration("elapsed", time.Since(startTime)))

	return nil
}

func (c *Cluster) setup(ctx context.Context) error {
	dep, err := c.topo.setup(ctx)
	if err != nil {
		return err
	}

	c.entryPoint = dep.entryPoint
	c.routers = dep.routers
	c.dataNodes = dep.dataNodes

	err = c.forEachNode(ctx, c.dataNodes, c.opts.SetupFunctions.Mongod)
	if err != nil {
		return errors.Wrap(err, "mongod setup function failed")
	}

	err = c.forEachNode(ctx, c.routers, c.opts.SetupFunctions.Mongos)
	if err != nil {
		return errors.Wrap(err, "mongos setup function failed")
	}

	return nil
}

// Teardown stops whatever Setup started.  Calling it more than once, or
// before Setup, does nothing.
func (c *Cluster) Teardown(ctx context.Context) error {
	if c.state == StateUninitialized || c.state == StateTornDown {
		return nil
	}

	c.logger.Info("tearing down cluster", zap.Stringer("topology", c.opts.Kind()))

	err := c.topo.teardown(ctx)

	c.state = StateTornDown
	c.entryPoint = nil
	c.routers = nil
	c.dataNodes = nil

	if err != nil {
		return errors.Wrap(err, "failed to tear down cluster")
	}

	return nil
}

func (c *Cluster) requireReady(op string) error {
	if c.state != StateReady {
		return &LifecycleError{Op: op, State: c.state, Err: ErrNotInitialized}
	}
	return nil
}

// EntryPoint returns the node that queries are routed through: the first
// router when sharded, otherwise the primary (or only) data node.
func (c *Cluster) EntryPoint() (provisioning.Node, error) {
	err := c.requireReady("entryPoint")
	if err != nil {
		return nil, err
	}
	return c.entryPoint, nil
}

func (c *Cluster) GetDatabase(name string) (provisioning.Database, error) {
	err := c.requireReady("getDatabase")
	if err != nil {
		return nil, err
	}
	return c.entryPoint.Database(name), nil
}

// GetHost returns an address that independent clients can connect to.  For
// sharded clusters successive calls alternate between the routers.
func (c *Cluster) GetHost() (string, error) {
	err := c.requireReady("getHost")
	if err != nil {
		return "", err
	}

	if c.IsSharded() {
		router := c.routers[c.nextRouter%len(c.routers)]
		c.nextRouter++
		return router.Host(), nil
	}

	return c.entryPoint.Host(), nil
}

func (c *Cluster) Routers() []provisioning.Node {
	return append([]provisioning.Node(nil), c.routers...)
}

func (c *Cluster) DataNodes() []provisioning.Node {
	return append([]provisioning.Node(nil), c.dataNodes...)
}

// ForEachDataNode calls fn with the admin database of every data node, in
// order, stopping at the first error.
func (c *Cluster) ForEachDataNode(ctx context.Context, fn NodeFunc) error {
	err := c.requireReady("forEachDataNode")
	if err != nil {
		return err
	}
	return c.forEachNode(ctx, c.dataNodes, fn)
}

// ForEachRouter calls fn with the admin database of every router, in
// creation order, stopping at the first error.
func (c *Cluster) ForEachRouter(ctx context.Context, fn NodeFunc) error {
	err := c.requireReady("forEachRouter")
	if err != nil {
		return err
	}
	return c.forEachNode(ctx, c.routers, fn)
}

func (c *Cluster) forEachNode(ctx context.Context, nodes []provisioning.Node, fn NodeFunc) error {
	if fn == nil {
		return ErrInvalidNodeFunc
	}

	for _, node := range nodes {
		err := fn(ctx, node.Database("admin"))
		if err != nil {
			return errors.Wrapf(err, "node function failed on %s", node.Host())
		}
	}

	return nil
}

// ShardCollection forwards to the sharded cluster driver.
func (c *Cluster) ShardCollection(ctx context.Context, opts provisioning.ShardCollectionOptions) error {
	if !c.IsSharded() {
		return ErrNotSharded
	}

	err := c.requireReady("shardCollection")
	if err != nil {
		return err
	}

	sharder, ok := c.topo.(collectionSharder)
	if !ok {
		return ErrNotSharded
	}

	return sharder.shardCollection(ctx, opts)
}

// AwaitReplicationQuiescence blocks until every secondary has applied all
// writes made so far.  It is a no-op unless the cluster is replicated.
func (c *Cluster) AwaitReplicationQuiescence(ctx context.Context) error {
	if !c.IsReplicated() {
		return nil
	}

	err := c.requireReady("awaitReplicationQuiescence")
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "cluster.AwaitReplicationQuiescence")
	defer span.End()

	err = c.forEachNode(ctx, c.dataNodes, c.flushPrimary)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	metrics.GetFsmMetrics().Quiescences.Add(ctx, 1)

	return nil
}

// flushPrimary writes a marker document that must be acknowledged by every
// member of the node's replica set, then removes it.  Nodes that are not
// currently primary are skipped.
func (c *Cluster) flushPrimary(ctx context.Context, admin provisioning.Database) error {
	host := admin.Node().Host()

	res, err := admin.IsMaster(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to check primary state of %s", host)
	}

	if !res.IsMaster {
		return nil
	}

	// each shard is its own replica set, so size the write concern from the
	// set this primary belongs to
	w := res.SetSize()
	if w == 0 {
		w = replSetNodes
	}

	c.logger.Debug("awaiting replication on primary",
		zap.String("host", host),
		zap.String("setName", res.SetName),
		zap.Int("w", w))

	db := admin.Sibling(quiescenceDatabase)

	err = db.InsertWithWriteConcern(ctx, quiescenceCollection, bson.D{{Key: "a", Value: 1}},
		provisioning.WriteConcern{
			W:        w,
			WTimeout: quiescenceTimeout,
		})
	if err != nil {
		if errors.Is(err, provisioning.ErrWriteConcernTimeout) {
			return errors.Wrapf(ErrQuiescenceTimeout, "teardown insert on %s failed: %s", host, err)
		}
		return errors.Wrapf(err, "teardown insert on %s failed", host)
	}

	dropped, err := db.DropCollection(ctx, quiescenceCollection)
	if err != nil {
		return errors.Wrapf(ErrQuiescenceDrop, "teardown drop on %s failed: %s", host, err)
	}
	if !dropped {
		return errors.Wrapf(ErrQuiescenceDrop, "teardown drop on %s did not drop anything", host)
	}

	return nil
}

// Topology is a point-in-time description of the deployment addresses.
type Topology struct {
	Kind       string   `json:"kind"`
	State      string   `json:"state"`
	EntryPoint string   `json:"entryPoint,omitempty"`
	Routers    []string `json:"routers,omitempty"`
	DataNodes  []string `json:"dataNodes,omitempty"`
}

func (c *Cluster) Describe() *Topology {
	desc := &Topology{
		Kind:  c.opts.Kind().String(),
		State: c.state.String(),
	}

	if c.entryPoint != nil {
		desc.EntryPoint = c.entryPoint.Host()
	}
	for _, router := range c.routers {
		desc.Routers = append(desc.Routers, router.Host())
	}
	for _, node := range c.dataNodes {
		desc.DataNodes = append(desc.DataNodes, node.Host())
	}

	return desc
}
