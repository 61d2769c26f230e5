package main

import (
	"fmt"

	"github.com/couchbaselabs/fsmcluster/cluster"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Checks the cluster options and prints the topology they resolve to",

	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger := getLogger()
		logger = logger.WithOptions(zap.IncreaseLevel(zap.WarnLevel))

		err := loadConfigFile(logger)
		if err != nil {
			return err
		}

		opts, err := readClusterOptions(viper.GetViper(), cmd.Flags())
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), describeOptions(opts))
		return err
	},
}

func describeOptions(opts cluster.Options) string {
	desc := opts.Kind().String()
	if opts.Sharded && opts.Replication {
		desc += " (replica set shards)"
	}
	if opts.UseLegacyConfigServers {
		desc += " (legacy config servers)"
	}
	return desc
}
