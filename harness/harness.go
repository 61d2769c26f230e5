/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package harness provisions real deployments by launching mongod and
// mongos binaries on the local machine.
package harness

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchbaselabs/fsmcluster/launcher"
	"github.com/couchbaselabs/fsmcluster/mongonode"
	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultBasePort         = 20000
	DefaultSecondaryTimeout = 5 * time.Minute
)

type Config struct {
	Logger *zap.Logger

	MongodPath string
	MongosPath string

	BindIP   string
	BasePort int

	// DataDir is the parent of every per-run data directory.
	DataDir  string
	KeepData bool

	StartupTimeout   time.Duration
	StopTimeout      time.Duration
	SecondaryTimeout time.Duration

	// SetParameters are passed to every launched process.
	SetParameters map[string]interface{}
}

type Driver struct {
	logger *zap.Logger
	cfg    Config
	runID  string
	ports  *launcher.PortAllocator

	lock    sync.Mutex
	servers map[*server]struct{}
}

var _ provisioning.Driver = (*Driver)(nil)

func NewDriver(cfg *Config) (*Driver, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.MongodPath == "" {
		return nil, errors.New("mongod path must be specified")
	}
	if cfg.MongosPath == "" {
		return nil, errors.New("mongos path must be specified")
	}

	resolved := *cfg
	if resolved.BindIP == "" {
		resolved.BindIP = "localhost"
	}
	if resolved.BasePort == 0 {
		resolved.BasePort = DefaultBasePort
	}
	if resolved.DataDir == "" {
		resolved.DataDir = filepath.Join(os.TempDir(), "fsmcluster")
	}
	if resolved.SecondaryTimeout == 0 {
		resolved.SecondaryTimeout = DefaultSecondaryTimeout
	}

	runID := uuid.NewString()

	return &Driver{
		logger:  logger.With(zap.String("runId", runID)),
		cfg:     resolved,
		runID:   runID,
		ports:   launcher.NewPortAllocator(resolved.BindIP, resolved.BasePort),
		servers: make(map[*server]struct{}),
	}, nil
}

// RunID identifies the data directory tree of this driver's processes.
func (d *Driver) RunID() string {
	return d.runID
}

func (d *Driver) RunDir() string {
	return filepath.Join(d.cfg.DataDir, d.runID)
}

// Close stops every process that is still running.
func (d *Driver) Close(ctx context.Context) error {
	d.lock.Lock()
	servers := make([]*server, 0, len(d.servers))
	for srv := range d.servers {
		servers = append(servers, srv)
	}
	d.lock.Unlock()

	if len(servers) > 0 {
		d.logger.Warn("stopping processes left running", zap.Int("count", len(servers)))
	}

	firstErr := d.stopServers(ctx, servers)

	if !d.cfg.KeepData {
		_ = os.RemoveAll(d.RunDir())
	}

	return firstErr
}

type serverSpec struct {
	name   string
	binary string

	// dbPath requests a data directory under the run directory.
	dbPath bool
	args   map[string]string

	verbosity int
}

// server is a launched process together with the client connection used to
// talk to it.
type server struct {
	host    string
	proc    *launcher.Process
	node    *mongonode.Node
	dataDir string
}

func (d *Driver) startServer(ctx context.Context, spec serverSpec) (*server, error) {
	port, err := d.ports.Next()
	if err != nil {
		return nil, err
	}

	args := make(map[string]string, len(spec.args)+1)
	for key, value := range spec.args {
		args[key] = value
	}

	var dataDir string
	if spec.dbPath {
		dataDir = filepath.Join(d.RunDir(), spec.name)
		err := os.MkdirAll(dataDir, 0o755)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create data directory for %s", spec.name)
		}
		args["dbpath"] = dataDir
	}

	proc, err := launcher.Start(ctx, launcher.Options{
		Logger:         d.logger.Named("process"),
		Name:           spec.name,
		Binary:         spec.binary,
		BindIP:         d.cfg.BindIP,
		Port:           port,
		Verbosity:      spec.verbosity,
		SetParameters:  d.cfg.SetParameters,
		Args:           args,
		StartupTimeout: d.cfg.StartupTimeout,
		StopTimeout:    d.cfg.StopTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to launch %s", spec.name)
	}

	node, err := mongonode.Connect(ctx, proc.Host(), mongonode.Options{
		Logger: d.logger.Named("node"),
	})
	if err != nil {
		_ = proc.Stop(context.Background())
		return nil, errors.Wrapf(err, "failed to connect to %s", spec.name)
	}

	srv := &server{
		host:    proc.Host(),
		proc:    proc,
		node:    node,
		dataDir: dataDir,
	}

	d.lock.Lock()
	d.servers[srv] = struct{}{}
	d.lock.Unlock()

	return srv, nil
}

func (d *Driver) stopServer(ctx context.Context, srv *server) error {
	d.lock.Lock()
	_, ok := d.servers[srv]
	delete(d.servers, srv)
	d.lock.Unlock()

	if !ok {
		return nil
	}

	_ = srv.node.Close(ctx)

	err := srv.proc.Stop(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to stop %s", srv.proc.Name())
	}

	if srv.dataDir != "" && !d.cfg.KeepData {
		err := os.RemoveAll(srv.dataDir)
		if err != nil {
			d.logger.Warn("failed to remove data directory",
				zap.String("dataDir", srv.dataDir),
				zap.Error(err))
		}
	}

	return nil
}

// stopServers stops every server, returning the first error seen.
func (d *Driver) stopServers(ctx context.Context, servers []*server) error {
	var firstErr error
	for _, srv := range servers {
		err := d.stopServer(ctx, srv)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func nodesOf(servers []*server) []provisioning.Node {
	nodes := make([]provisioning.Node, 0, len(servers))
	for _, srv := range servers {
		nodes = append(nodes, srv.node)
	}
	return nodes
}

func hostsOf(servers []*server) []string {
	hosts := make([]string, 0, len(servers))
	for _, srv := range servers {
		hosts = append(hosts, srv.host)
	}
	return hosts
}

func shortID() string {
	return uuid.NewString()[:8]
}
