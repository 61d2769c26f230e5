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
	"strconv"
	"strings"

	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/couchbaselabs/fsmcluster/utils/sliceutils"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type replicaSetMember struct {
	ID   int    `bson:"_id"`
	Host string `bson:"host"`
}

type replicaSetConfig struct {
	ID        string             `bson:"_id"`
	ConfigSvr bool               `bson:"configsvr,omitempty"`
	Members   []replicaSetMember `bson:"members"`
}

type replicaSet struct {
	driver    *Driver
	logger    *zap.Logger
	name      string
	configSvr bool
	members   []*server
}

var _ provisioning.ReplicaSet = (*replicaSet)(nil)

func (d *Driver) StartReplicaSet(ctx context.Context, opts provisioning.ReplicaSetOptions) (provisioning.ReplicaSet, error) {
	name := opts.Name
	if name == "" {
		name = "rs-" + shortID()
	}

	return d.startReplicaSet(ctx, name, opts, nil)
}

// startReplicaSet launches the members of a set without initiating it.
// extraArgs are added to every member's command line.
func (d *Driver) startReplicaSet(ctx context.Context, name string, opts provisioning.ReplicaSetOptions, extraArgs map[string]string) (*replicaSet, error) {
	if opts.Nodes <= 0 {
		return nil, errors.Errorf("replica set %s needs at least one node", name)
	}

	rs := &replicaSet{
		driver: d,
		logger: d.logger.With(zap.String("replSet", name)),
		name:   name,
	}
	_, rs.configSvr = extraArgs["configsvr"]

	for i := 0; i < opts.Nodes; i++ {
		args := map[string]string{
			"replSet": name,
		}
		if opts.OplogSize > 0 {
			args["oplogSize"] = strconv.Itoa(opts.OplogSize)
		}
		for key, value := range extraArgs {
			args[key] = value
		}

		srv, err := d.startServer(ctx, serverSpec{
			name:      fmt.Sprintf("%s-%d", name, i),
			binary:    d.cfg.MongodPath,
			dbPath:    true,
			args:      args,
			verbosity: opts.Verbosity,
		})
		if err != nil {
			_ = rs.Stop(context.Background())
			return nil, errors.Wrapf(err, "failed to start member %d of %s", i, name)
		}

		rs.members = append(rs.members, srv)
	}

	rs.logger.Info("replica set members started", zap.Strings("hosts", hostsOf(rs.members)))

	return rs, nil
}

func (r *replicaSet) Name() string {
	return r.name
}

// connectionString is the seed list used by addShard and --configdb.
func (r *replicaSet) connectionString() string {
	return r.name + "/" + strings.Join(hostsOf(r.members), ",")
}

func (r *replicaSet) config() replicaSetConfig {
	cfg := replicaSetConfig{
		ID:        r.name,
		ConfigSvr: r.configSvr,
	}
	for i, srv := range r.members {
		cfg.Members = append(cfg.Members, replicaSetMember{
			ID:   i,
			Host: srv.host,
		})
	}
	return cfg
}

func (r *replicaSet) Initiate(ctx context.Context) error {
	r.logger.Info("initiating replica set")

	cmd := bson.D{{Key: "replSetInitiate", Value: r.config()}}
	err := r.members[0].node.AdminCommand(ctx, cmd, nil)
	if err != nil {
		return errors.Wrapf(err, "replSetInitiate failed for %s", r.name)
	}

	return nil
}

func (r *replicaSet) findPrimary(ctx context.Context) (*server, *provisioning.IsMasterResult, error) {
	var primary *server
	var primaryRes *provisioning.IsMasterResult

	for _, srv := range r.members {
		res, err := srv.node.Database("admin").IsMaster(ctx)
		if err != nil {
			return nil, nil, err
		}

		if res.IsMaster {
			if primary != nil {
				return nil, nil, errors.Errorf("both %s and %s report as primary",
					primary.host, srv.host)
			}
			primary = srv
			primaryRes = res
		}
	}

	if primary == nil {
		return nil, nil, provisioning.ErrNoPrimary
	}

	return primary, primaryRes, nil
}

func (r *replicaSet) awaitPrimary(ctx context.Context) (*server, *provisioning.IsMasterResult, error) {
	var primary *server
	var res *provisioning.IsMasterResult

	err := pollUntil(ctx, r.driver.cfg.SecondaryTimeout, func() error {
		var err error
		primary, res, err = r.findPrimary(ctx)
		return err
	})
	if err != nil {
		return nil, nil, errors.Wrapf(err, "no primary elected in %s", r.name)
	}

	return primary, res, nil
}

func (r *replicaSet) Primary(ctx context.Context) (provisioning.Node, error) {
	primary, _, err := r.awaitPrimary(ctx)
	if err != nil {
		return nil, err
	}
	return primary.node, nil
}

// Secondaries returns every member other than the primary, in the order
// the primary lists them.
func (r *replicaSet) Secondaries(ctx context.Context) ([]provisioning.Node, error) {
	primary, res, err := r.awaitPrimary(ctx)
	if err != nil {
		return nil, err
	}

	hosts := sliceutils.RemoveDuplicates(append(append([]string(nil), res.Hosts...), res.Passives...))

	var nodes []provisioning.Node
	for _, host := range hosts {
		if host == primary.host {
			continue
		}

		idx := slices.IndexFunc(r.members, func(srv *server) bool {
			return srv.host == host
		})
		if idx < 0 {
			return nil, errors.Errorf("%s reported unknown member %s", r.name, host)
		}

		nodes = append(nodes, r.members[idx].node)
	}

	return nodes, nil
}

// AwaitSecondaryNodes waits for a primary and for every other member to
// report itself as secondary.
func (r *replicaSet) AwaitSecondaryNodes(ctx context.Context) error {
	primary, _, err := r.awaitPrimary(ctx)
	if err != nil {
		return err
	}

	for _, srv := range r.members {
		if srv == primary {
			continue
		}

		host := srv.host
		err := pollUntil(ctx, r.driver.cfg.SecondaryTimeout, func() error {
			res, err := srv.node.Database("admin").IsMaster(ctx)
			if err != nil {
				return err
			}
			if !res.Secondary {
				return errors.Errorf("%s is not yet secondary", host)
			}
			return nil
		})
		if err != nil {
			return errors.Wrapf(err, "timed out waiting for %s to become secondary", host)
		}
	}

	r.logger.Info("all secondaries caught up", zap.String("primary", primary.host))

	return nil
}

func (r *replicaSet) Stop(ctx context.Context) error {
	return r.driver.stopServers(ctx, r.members)
}
