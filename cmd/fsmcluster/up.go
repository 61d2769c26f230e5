package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/couchbaselabs/fsmcluster/cluster"
	"github.com/couchbaselabs/fsmcluster/contrib/etcdregistry"
	"github.com/couchbaselabs/fsmcluster/harness"
	"github.com/couchbaselabs/fsmcluster/mongonode"
	"github.com/couchbaselabs/fsmcluster/pkg/webapi"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Minute

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Sets up a deployment and keeps it running until interrupted",

	RunE: func(cmd *cobra.Command, args []string) error {
		return runUp(cmd)
	},
}

func runUp(cmd *cobra.Command) error {
	logLevel, logger := getLogger()

	logger.Info("starting fsmcluster")

	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))

	err := loadConfigFile(logger)
	if err != nil {
		return errors.Wrap(err, "failed to load specified config file")
	}

	config := readConfig(logger)
	applyLogLevel(logger, logLevel, config.logLevelStr)

	opts, err := readClusterOptions(viper.GetViper(), cmd.Flags())
	if err != nil {
		return err
	}

	tracerProvider, meterProvider, err := initTelemetry(
		context.Background(),
		logger,
		config.otlpEndpoint,
		!config.disableOtlpTraces,
		!config.disableOtlpMetrics)
	if err != nil {
		return errors.Wrap(err, "failed to initialize opentelemetry")
	}
	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
		defer func() {
			_ = tracerProvider.Shutdown(context.Background())
		}()
	}
	otel.SetMeterProvider(meterProvider)
	defer func() {
		_ = meterProvider.Shutdown(context.Background())
	}()

	var topology atomic.Pointer[cluster.Topology]
	if config.webPort != -1 {
		webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        logger.Named("webapi"),
			LogLevel:      &logLevel,
			ListenAddress: fmt.Sprintf("%s:%d", config.bindAddress, config.webPort),
			Topology:      topology.Load,
		})
	}

	// SIGINT during setup cancels it; after setup it starts the teardown
	setupCtx, cancelSetup := context.WithCancel(cmd.Context())
	defer cancelSetup()

	shutdownCh := make(chan struct{})
	var shutdownOnce sync.Once
	beginShutdown := func() {
		shutdownOnce.Do(func() {
			cancelSetup()
			close(shutdownCh)
		})
	}

	// reloads run on the signal and watcher goroutines; config stays read-only
	var configLock sync.Mutex
	lastConfig := *config
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		err := viper.ReadInConfig()
		if err != nil {
			logger.Warn("failed to parse configuration file", zap.Error(err))
		}

		newConfig := readConfig(logger)

		if newConfig.mongodPath != lastConfig.mongodPath ||
			newConfig.mongosPath != lastConfig.mongosPath ||
			newConfig.bindAddress != lastConfig.bindAddress ||
			newConfig.basePort != lastConfig.basePort ||
			newConfig.dataDir != lastConfig.dataDir {
			logger.Warn("config changes for binaries, bindAddress, basePort, or dataDir require a restart")
		}

		if newConfig.otlpEndpoint != lastConfig.otlpEndpoint ||
			newConfig.disableOtlpTraces != lastConfig.disableOtlpTraces ||
			newConfig.disableOtlpMetrics != lastConfig.disableOtlpMetrics {
			logger.Warn("config changes for otlpEndpoint, disableOtlpTraces, or disableOtlpMetrics require a restart")
		}

		if newConfig.logLevelStr != lastConfig.logLevelStr {
			applyLogLevel(logger, logLevel, newConfig.logLevelStr)
			logger.Info("updated log level", zap.String("newLevel", logLevel.Level().String()))
		}

		lastConfig = *newConfig
	}

	if watchCfgFile && cfgFile != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected", zap.String("op", in.Op.String()))
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	go func() {
		sigCh := make(chan os.Signal, 10)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

		hasReceivedSigInt := false
		for sig := range sigCh {
			if sig == syscall.SIGINT {
				if hasReceivedSigInt {
					logger.Info("Received SIGINT a second time, terminating...")
					os.Exit(1)
				} else {
					logger.Info("Received SIGINT, tearing down the deployment...")
					hasReceivedSigInt = true
					beginShutdown()
				}
			} else if sig == syscall.SIGTERM {
				logger.Info("Received SIGTERM, tearing down the deployment...")
				beginShutdown()
			} else if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration...")
				reloadConfiguration()
			}
		}
	}()

	clusterConfig := &cluster.Config{
		Logger:    logger.Named("cluster"),
		Options:   opts,
		Verbosity: config.verbosity,
	}

	var driver *harness.Driver
	if cluster.IsStandalone(opts) {
		node, err := mongonode.Dial(setupCtx, config.standaloneURI, mongonode.Options{
			Logger: logger.Named("standalone"),
		})
		if err != nil {
			return errors.Wrap(err, "failed to connect to standalone server")
		}
		defer func() {
			_ = node.Close(context.Background())
		}()

		clusterConfig.Standalone = node
	} else {
		driver, err = harness.NewDriver(&harness.Config{
			Logger:           logger.Named("harness"),
			MongodPath:       config.mongodPath,
			MongosPath:       config.mongosPath,
			BindIP:           config.bindAddress,
			BasePort:         config.basePort,
			DataDir:          config.dataDir,
			KeepData:         config.keepData,
			StartupTimeout:   config.startupTimeout,
			SecondaryTimeout: config.secondaryTimeout,
		})
		if err != nil {
			return err
		}
		defer func() {
			_ = driver.Close(context.Background())
		}()

		clusterConfig.Driver = driver
	}

	c, err := cluster.New(clusterConfig)
	if err != nil {
		return err
	}
	topology.Store(c.Describe())

	err = c.Setup(setupCtx)
	topology.Store(c.Describe())
	if err != nil {
		_ = c.Teardown(context.Background())
		return errors.Wrap(err, "failed to set up deployment")
	}

	desc := c.Describe()
	printTopology(cmd, desc)

	publisher, closeRegistry, err := publishDeployment(setupCtx, logger, config, driver, desc)
	if err != nil {
		logger.Warn("failed to publish deployment", zap.Error(err))
	}
	defer closeRegistry()

	logger.Info("deployment is up, waiting for a signal to tear it down")
	<-shutdownCh

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	if publisher != nil {
		err := publisher.Withdraw(shutdownCtx)
		if err != nil {
			logger.Warn("failed to withdraw deployment", zap.Error(err))
		}
	}

	err = c.AwaitReplicationQuiescence(shutdownCtx)
	if err != nil {
		logger.Warn("replication did not quiesce before teardown", zap.Error(err))
	}

	err = c.Teardown(shutdownCtx)
	topology.Store(c.Describe())
	if err != nil {
		return err
	}

	logger.Info("deployment torn down gracefully")

	return nil
}

func printTopology(cmd *cobra.Command, desc *cluster.Topology) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "kind: %s\n", desc.Kind)
	_, _ = fmt.Fprintf(out, "entry point: %s\n", desc.EntryPoint)
	for _, router := range desc.Routers {
		_, _ = fmt.Fprintf(out, "router: %s\n", router)
	}
	for _, node := range desc.DataNodes {
		_, _ = fmt.Fprintf(out, "data node: %s\n", node)
	}
}

// publishDeployment returns a nil publisher when no etcd endpoints are
// configured.
func publishDeployment(
	ctx context.Context,
	logger *zap.Logger,
	config *config,
	driver *harness.Driver,
	desc *cluster.Topology,
) (*deploymentPublisher, func(), error) {
	registry, closeFn, err := newRegistry(logger, config)
	if err != nil {
		return nil, func() {}, err
	}
	if registry == nil {
		return nil, closeFn, nil
	}

	dep := &etcdregistry.Deployment{
		Kind:       desc.Kind,
		EntryPoint: desc.EntryPoint,
		Routers:    desc.Routers,
		DataNodes:  desc.DataNodes,
		StartedAt:  time.Now(),
	}
	if driver != nil {
		dep.ID = driver.RunID()
	}

	publisher, err := startDeploymentPublisher(ctx, logger.Named("publisher"), registry, dep, &etcdregistry.PublishOptions{
		LeasePeriod: config.etcdLease,
	})
	if err != nil {
		closeFn()
		return nil, func() {}, err
	}

	return publisher, closeFn, nil
}
