package main

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var rootCmd = &cobra.Command{
	Use:   "fsmcluster",
	Short: "Stands up MongoDB test deployments for concurrency workloads",

	SilenceUsage: true,
}

var cfgFile string
var watchCfgFile bool

var clusterFlagOptions = map[string]string{
	"master-slave":              "masterSlave",
	"replication":               "replication",
	"sharded":                   "sharded",
	"same-db":                   "sameDB",
	"same-collection":           "sameCollection",
	"use-legacy-config-servers": "useLegacyConfigServers",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")
	rootCmd.PersistentFlags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("mongod", "mongod", "path to the mongod binary")
	configFlags.String("mongos", "mongos", "path to the mongos binary")
	configFlags.String("bind-address", "localhost", "the local address launched processes bind to")
	configFlags.Int("base-port", 20000, "the first port handed to launched processes")
	configFlags.String("data-dir", "", "parent directory for process data (defaults to the system temp dir)")
	configFlags.Bool("keep-data", false, "keep data directories after teardown")
	configFlags.Int("verbosity", 0, "server log verbosity")
	configFlags.Duration("startup-timeout", 2*time.Minute, "how long to wait for a process to accept connections")
	configFlags.Duration("secondary-timeout", 5*time.Minute, "how long to wait for replica set members to become secondary")
	configFlags.String("standalone-uri", "mongodb://localhost:27017", "connection string of the server used for standalone deployments")
	configFlags.Int("web-port", 9092, "the web metrics/health port, -1 to disable")
	configFlags.StringSlice("etcd-endpoints", nil, "etcd endpoints to publish deployments to")
	configFlags.String("etcd-prefix", "fsmcluster/deployments", "etcd key prefix for published deployments")
	configFlags.Duration("etcd-lease", 10*time.Second, "lease period of published deployments")
	configFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	configFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	configFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	clusterFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	clusterFlags.Bool("master-slave", false, "start a master/slave pair")
	clusterFlags.Bool("replication", false, "start a replica set, or replica set shards when sharded")
	clusterFlags.Bool("sharded", false, "start a sharded cluster")
	clusterFlags.Bool("same-db", false, "workloads share a single database")
	clusterFlags.Bool("same-collection", false, "workloads share a single collection")
	clusterFlags.Bool("use-legacy-config-servers", false, "use mirrored config servers instead of a config replica set")
	upCmd.Flags().AddFlagSet(clusterFlags)
	validateCmd.Flags().AddFlagSet(clusterFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("fsm")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)

	rootCmd.AddCommand(upCmd, validateCmd, hostsCmd)
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

// loadConfigFile reads --config, if given, into viper.
func loadConfigFile(logger *zap.Logger) error {
	if cfgFile == "" {
		return nil
	}

	viper.SetConfigFile(cfgFile)
	err := viper.ReadInConfig()
	if err != nil {
		return err
	}

	logger.Info("loaded config file", zap.String("config", cfgFile))
	return nil
}

func applyLogLevel(logger *zap.Logger, logLevel zap.AtomicLevel, levelStr string) {
	parsedLogLevel, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead", zap.String("level", levelStr))
		parsedLogLevel = zapcore.InfoLevel
	}
	logLevel.SetLevel(parsedLogLevel)
}

func main() {
	cobra.CheckErr(rootCmd.Execute())
}
