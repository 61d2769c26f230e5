package harness

import (
	"context"

	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type masterSlave struct {
	driver *Driver
	master *server
	slave  *server
}

var _ provisioning.MasterSlave = (*masterSlave)(nil)

func (d *Driver) StartMasterSlave(ctx context.Context, opts provisioning.MasterSlaveOptions) (provisioning.MasterSlave, error) {
	master, err := d.startServer(ctx, serverSpec{
		name:      "master",
		binary:    d.cfg.MongodPath,
		dbPath:    true,
		args:      map[string]string{"master": ""},
		verbosity: opts.Verbosity,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to start master")
	}

	slave, err := d.startServer(ctx, serverSpec{
		name:   "slave",
		binary: d.cfg.MongodPath,
		dbPath: true,
		args: map[string]string{
			"slave":  "",
			"source": master.host,
		},
		verbosity: opts.Verbosity,
	})
	if err != nil {
		_ = d.stopServer(context.Background(), master)
		return nil, errors.Wrap(err, "failed to start slave")
	}

	d.logger.Info("master/slave pair started",
		zap.String("master", master.host),
		zap.String("slave", slave.host))

	return &masterSlave{
		driver: d,
		master: master,
		slave:  slave,
	}, nil
}

func (m *masterSlave) Master() provisioning.Node {
	return m.master.node
}

func (m *masterSlave) Slave() provisioning.Node {
	return m.slave.node
}

func (m *masterSlave) Stop(ctx context.Context) error {
	return m.driver.stopServers(ctx, []*server{m.slave, m.master})
}
