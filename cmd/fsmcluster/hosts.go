package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/couchbaselabs/fsmcluster/contrib/etcdregistry"
	"github.com/couchbaselabs/fsmcluster/utils/sliceutils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const etcdDialTimeout = 5 * time.Second

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Lists the deployments published to etcd",

	RunE: func(cmd *cobra.Command, args []string) error {
		logLevel, logger := getLogger()

		err := loadConfigFile(logger)
		if err != nil {
			return err
		}

		config := readConfig(logger)
		applyLogLevel(logger, logLevel, config.logLevelStr)

		registry, closeFn, err := newRegistry(logger, config)
		if err != nil {
			return err
		}
		if registry == nil {
			return errors.New("--etcd-endpoints must be specified")
		}
		defer closeFn()

		out := cmd.OutOrStdout()

		if watchHosts {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			snapCh, err := registry.Watch(ctx)
			if err != nil {
				return err
			}

			for snap := range snapCh {
				_, _ = fmt.Fprintf(out, "# revision %d\n", snap.Revision)
				printDeployments(out, snap)
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), etcdDialTimeout)
		defer cancel()

		snap, err := registry.List(ctx)
		if err != nil {
			return err
		}

		printDeployments(out, snap)

		return nil
	},
}

var watchHosts bool

func init() {
	hostsCmd.Flags().BoolVar(&watchHosts, "watch", false, "keep printing the deployments as they change")
}

func printDeployments(out io.Writer, snap *etcdregistry.Snapshot) {
	for _, dep := range snap.Deployments {
		_, _ = fmt.Fprintf(out, "%s\t%s\t%s\trouters=%s\tdata=%s\n",
			dep.ID,
			dep.Kind,
			dep.EntryPoint,
			strings.Join(dep.Routers, ","),
			strings.Join(dep.DataNodes, ","))
	}
}

// newRegistry returns a nil registry when no etcd endpoints are configured.
func newRegistry(logger *zap.Logger, config *config) (*etcdregistry.Registry, func(), error) {
	if len(config.etcdEndpoints) == 0 {
		return nil, func() {}, nil
	}

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   sliceutils.RemoveDuplicates(config.etcdEndpoints),
		DialTimeout: etcdDialTimeout,
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to etcd")
	}

	registry, err := etcdregistry.NewRegistry(etcdregistry.RegistryOptions{
		Logger:     logger.Named("registry"),
		EtcdClient: etcdClient,
		KeyPrefix:  config.etcdPrefix,
	})
	if err != nil {
		_ = etcdClient.Close()
		return nil, nil, err
	}

	return registry, func() { _ = etcdClient.Close() }, nil
}
