/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package mongonode implements provisioning.Node on top of a mongo client
// connected directly to a single server.
package mongonode

import (
	"context"
	"time"

	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"
)

const (
	codeNamespaceNotFound  = 26
	codeWriteConcernFailed = 64

	defaultConnectTimeout   = 30 * time.Second
	defaultSelectionTimeout = 30 * time.Second
)

type Options struct {
	Logger *zap.Logger

	ConnectTimeout time.Duration
}

type Node struct {
	logger *zap.Logger
	host   string
	client *mongo.Client
}

var _ provisioning.Node = (*Node)(nil)

// Connect opens a direct connection to host.  Nodes are reached even while
// they are secondaries, so reads use the nearest read preference.
func Connect(ctx context.Context, host string, opts Options) (*Node, error) {
	clientOpts := options.Client().SetHosts([]string{host})
	return connect(ctx, host, clientOpts, opts)
}

// Dial connects to an existing server identified by a connection string.
func Dial(ctx context.Context, uri string, opts Options) (*Node, error) {
	clientOpts := options.Client().ApplyURI(uri)
	if len(clientOpts.Hosts) != 1 {
		return nil, errors.Errorf("connection string must name exactly one host, got %d", len(clientOpts.Hosts))
	}
	return connect(ctx, clientOpts.Hosts[0], clientOpts, opts)
}

func connect(ctx context.Context, host string, clientOpts *options.ClientOptions, opts Options) (*Node, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("host", host))

	connectTimeout := opts.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}

	clientOpts.
		SetDirect(true).
		SetReadPreference(readpref.Nearest()).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(defaultSelectionTimeout).
		SetLoggerOptions(newLoggerOptions(logger))

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", host)
	}

	err = client.Ping(ctx, readpref.Nearest())
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrapf(err, "failed to reach %s", host)
	}

	logger.Debug("connected to node")

	return &Node{
		logger: logger,
		host:   host,
		client: client,
	}, nil
}

func (n *Node) Host() string {
	return n.host
}

func (n *Node) Client() *mongo.Client {
	return n.client
}

func (n *Node) AdminCommand(ctx context.Context, cmd interface{}, result interface{}) error {
	return n.Database("admin").RunCommand(ctx, cmd, result)
}

func (n *Node) Database(name string) provisioning.Database {
	return &Database{
		node: n,
		db:   n.client.Database(name),
	}
}

func (n *Node) Close(ctx context.Context) error {
	err := n.client.Disconnect(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to disconnect from %s", n.host)
	}
	return nil
}

type Database struct {
	node *Node
	db   *mongo.Database
}

var _ provisioning.Database = (*Database)(nil)

func (d *Database) Name() string {
	return d.db.Name()
}

func (d *Database) Node() provisioning.Node {
	return d.node
}

func (d *Database) Sibling(name string) provisioning.Database {
	return d.node.Database(name)
}

// RunCommand runs cmd and decodes the reply into result when it is not nil.
// cmd must be an ordered document (bson.D) when the server cares about
// field order, which is the case for every command name.
func (d *Database) RunCommand(ctx context.Context, cmd interface{}, result interface{}) error {
	res := d.db.RunCommand(ctx, cmd)

	if result == nil {
		err := res.Err()
		if err != nil {
			return errors.Wrapf(err, "command failed on %s/%s", d.node.host, d.db.Name())
		}
		return nil
	}

	err := res.Decode(result)
	if err != nil {
		return errors.Wrapf(err, "command failed on %s/%s", d.node.host, d.db.Name())
	}

	return nil
}

func (d *Database) IsMaster(ctx context.Context) (*provisioning.IsMasterResult, error) {
	var res provisioning.IsMasterResult
	err := d.RunCommand(ctx, bson.D{{Key: "isMaster", Value: 1}}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

type writeConcernError struct {
	Code   int    `bson:"code"`
	ErrMsg string `bson:"errmsg"`
}

type writeError struct {
	Index  int    `bson:"index"`
	Code   int    `bson:"code"`
	ErrMsg string `bson:"errmsg"`
}

type insertReply struct {
	N                 int                `bson:"n"`
	WriteErrors       []writeError       `bson:"writeErrors"`
	WriteConcernError *writeConcernError `bson:"writeConcernError"`
}

// InsertWithWriteConcern inserts a single document and waits for the
// write concern to be satisfied.  A write concern timeout is reported as
// provisioning.ErrWriteConcernTimeout.
func (d *Database) InsertWithWriteConcern(ctx context.Context, collection string, doc interface{}, wc provisioning.WriteConcern) error {
	cmd := bson.D{
		{Key: "insert", Value: collection},
		{Key: "documents", Value: bson.A{doc}},
		{Key: "writeConcern", Value: bson.D{
			{Key: "w", Value: wc.W},
			{Key: "wtimeout", Value: wc.WTimeout.Milliseconds()},
		}},
	}

	var reply insertReply
	err := d.db.RunCommand(ctx, cmd).Decode(&reply)
	if err != nil {
		var serverErr mongo.ServerError
		if errors.As(err, &serverErr) && serverErr.HasErrorCode(codeWriteConcernFailed) {
			return errors.Wrapf(provisioning.ErrWriteConcernTimeout, "insert on %s: %s", d.node.host, err)
		}
		return errors.Wrapf(err, "insert into %s.%s on %s failed", d.db.Name(), collection, d.node.host)
	}

	if len(reply.WriteErrors) > 0 {
		return errors.Errorf("insert into %s.%s on %s failed: %s (code %d)",
			d.db.Name(), collection, d.node.host, reply.WriteErrors[0].ErrMsg, reply.WriteErrors[0].Code)
	}

	if wcErr := reply.WriteConcernError; wcErr != nil {
		if wcErr.Code == codeWriteConcernFailed {
			return errors.Wrapf(provisioning.ErrWriteConcernTimeout, "insert on %s: %s", d.node.host, wcErr.ErrMsg)
		}
		return errors.Errorf("write concern failed on %s: %s (code %d)", d.node.host, wcErr.ErrMsg, wcErr.Code)
	}

	return nil
}

// DropCollection drops a collection, returning false if it did not exist.
func (d *Database) DropCollection(ctx context.Context, collection string) (bool, error) {
	err := d.db.RunCommand(ctx, bson.D{{Key: "drop", Value: collection}}).Err()
	if err != nil {
		var serverErr mongo.ServerError
		if errors.As(err, &serverErr) && serverErr.HasErrorCode(codeNamespaceNotFound) {
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to drop %s.%s on %s", d.db.Name(), collection, d.node.host)
	}

	return true, nil
}
