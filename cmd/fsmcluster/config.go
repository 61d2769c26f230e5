package main

import (
	"time"

	"github.com/couchbaselabs/fsmcluster/cluster"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type config struct {
	logLevelStr        string
	mongodPath         string
	mongosPath         string
	bindAddress        string
	basePort           int
	dataDir            string
	keepData           bool
	verbosity          int
	startupTimeout     time.Duration
	secondaryTimeout   time.Duration
	standaloneURI      string
	webPort            int
	etcdEndpoints      []string
	etcdPrefix         string
	etcdLease          time.Duration
	otlpEndpoint       string
	disableOtlpTraces  bool
	disableOtlpMetrics bool
}

func readConfig(logger *zap.Logger) *config {
	config := &config{
		logLevelStr:        viper.GetString("log-level"),
		mongodPath:         viper.GetString("mongod"),
		mongosPath:         viper.GetString("mongos"),
		bindAddress:        viper.GetString("bind-address"),
		basePort:           viper.GetInt("base-port"),
		dataDir:            viper.GetString("data-dir"),
		keepData:           viper.GetBool("keep-data"),
		verbosity:          viper.GetInt("verbosity"),
		startupTimeout:     viper.GetDuration("startup-timeout"),
		secondaryTimeout:   viper.GetDuration("secondary-timeout"),
		standaloneURI:      viper.GetString("standalone-uri"),
		webPort:            viper.GetInt("web-port"),
		etcdEndpoints:      viper.GetStringSlice("etcd-endpoints"),
		etcdPrefix:         viper.GetString("etcd-prefix"),
		etcdLease:          viper.GetDuration("etcd-lease"),
		otlpEndpoint:       viper.GetString("otlp-endpoint"),
		disableOtlpTraces:  viper.GetBool("disable-otlp-traces"),
		disableOtlpMetrics: viper.GetBool("disable-otlp-metrics"),
	}

	logger.Info("parsed fsmcluster configuration",
		zap.String("logLevelStr", config.logLevelStr),
		zap.String("mongodPath", config.mongodPath),
		zap.String("mongosPath", config.mongosPath),
		zap.String("bindAddress", config.bindAddress),
		zap.Int("basePort", config.basePort),
		zap.String("dataDir", config.dataDir),
		zap.Bool("keepData", config.keepData),
		zap.Int("verbosity", config.verbosity),
		zap.Duration("startupTimeout", config.startupTimeout),
		zap.Duration("secondaryTimeout", config.secondaryTimeout),
		zap.String("standaloneURI", config.standaloneURI),
		zap.Int("webPort", config.webPort),
		zap.Strings("etcdEndpoints", config.etcdEndpoints),
		zap.String("etcdPrefix", config.etcdPrefix),
		zap.Duration("etcdLease", config.etcdLease),
		zap.String("otlpEndpoint", config.otlpEndpoint),
		zap.Bool("disableOtlpTraces", config.disableOtlpTraces),
		zap.Bool("disableOtlpMetrics", config.disableOtlpMetrics))

	return config
}

// rawClusterOptions builds the option bag handed to cluster.ParseOptions.
// A `cluster` section in the config file takes precedence; otherwise only
// the cluster flags that were explicitly set are included, so that an unset
// --use-legacy-config-servers is not mistaken for a request.
func rawClusterOptions(v *viper.Viper, flags *pflag.FlagSet) (map[string]interface{}, error) {
	if v.IsSet("cluster") {
		return v.GetStringMap("cluster"), nil
	}

	raw := make(map[string]interface{})
	for flagName, option := range clusterFlagOptions {
		flag := flags.Lookup(flagName)
		if flag == nil || !flag.Changed {
			continue
		}

		value, err := flags.GetBool(flagName)
		if err != nil {
			return nil, err
		}
		raw[option] = value
	}

	return raw, nil
}

func readClusterOptions(v *viper.Viper, flags *pflag.FlagSet) (cluster.Options, error) {
	raw, err := rawClusterOptions(v, flags)
	if err != nil {
		return cluster.Options{}, err
	}
	return cluster.ParseOptions(raw)
}
