/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package cluster

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/couchbaselabs/fsmcluster/provisioning"
)

// NodeFunc is invoked with the admin database of a node.
type NodeFunc func(ctx context.Context, db provisioning.Database) error

type SetupFunctions struct {
	Mongod NodeFunc
	Mongos NodeFunc
}

// Options describes which deployment a Cluster provisions.  Options are
// copied by value on validation, so later changes by the caller are not
// observed by the Cluster.
type Options struct {
	MasterSlave            bool
	Replication            bool
	Sharded                bool
	SameCollection         bool
	SameDB                 bool
	UseLegacyConfigServers bool
	SetupFunctions         SetupFunctions
}

const (
	OptionMasterSlave            = "masterSlave"
	OptionReplication            = "replication"
	OptionSameCollection         = "sameCollection"
	OptionSameDB                 = "sameDB"
	OptionSetupFunctions         = "setupFunctions"
	OptionSharded                = "sharded"
	OptionUseLegacyConfigServers = "useLegacyConfigServers"
)

var allowedOptions = []string{
	OptionMasterSlave,
	OptionReplication,
	OptionSameCollection,
	OptionSameDB,
	OptionSetupFunctions,
	OptionSharded,
	OptionUseLegacyConfigServers,
}

func noopNodeFunc(ctx context.Context, db provisioning.Database) error {
	return nil
}

// Kind returns the topology these options resolve to.  Sharding wins over
// replication, which wins over master/slave.
func (o Options) Kind() Kind {
	switch {
	case o.Sharded:
		return KindSharded
	case o.Replication:
		return KindReplicated
	case o.MasterSlave:
		return KindMasterSlave
	default:
		return KindStandalone
	}
}

// IsStandalone reports whether opts describe a single standalone mongod.
func IsStandalone(opts Options) bool {
	return !opts.Sharded && !opts.Replication && !opts.MasterSlave
}

// ValidateOptions applies defaults and checks the option combination rules.
func ValidateOptions(opts Options) (Options, error) {
	if opts.SetupFunctions.Mongod == nil {
		opts.SetupFunctions.Mongod = noopNodeFunc
	}
	if opts.SetupFunctions.Mongos == nil {
		opts.SetupFunctions.Mongos = noopNodeFunc
	}

	if opts.UseLegacyConfigServers && !opts.Sharded {
		return Options{}, &ConfigError{
			Kind:   ConfigErrIllegalCombination,
			Option: OptionUseLegacyConfigServers,
			Reason: "must be sharded if 'useLegacyConfigServers' is specified",
		}
	}

	if opts.MasterSlave && opts.Replication {
		return Options{}, &ConfigError{
			Kind:   ConfigErrIllegalCombination,
			Option: OptionMasterSlave,
			Reason: "both 'masterSlave' and 'replication' cannot be true",
		}
	}

	if opts.MasterSlave && opts.Sharded {
		return Options{}, &ConfigError{
			Kind:   ConfigErrIllegalCombination,
			Option: OptionMasterSlave,
			Reason: "both 'masterSlave' and 'sharded' cannot be true",
		}
	}

	return opts, nil
}

// ParseOptions builds Options from a loosely typed option bag, such as the
// `cluster` section of a config file.  Keys are matched case-insensitively
// since viper lowercases them.
func ParseOptions(raw map[string]interface{}) (Options, error) {
	// iterate in a stable order so the reported error does not depend on
	// map ordering
	keys := make([]string, 0, len(raw))
	for key := range raw {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var opts Options
	legacySpecified := false

	for _, key := range keys {
		option := canonicalOption(key)
		if option == "" {
			return Options{}, &ConfigError{
				Kind:   ConfigErrUnknownOption,
				Option: key,
				Reason: fmt.Sprintf("valid options are: %s", strings.Join(allowedOptions, ", ")),
			}
		}

		value := raw[key]

		switch option {
		case OptionSetupFunctions:
			fns, err := parseSetupFunctions(value)
			if err != nil {
				return Options{}, err
			}
			opts.SetupFunctions = fns
			continue
		case OptionUseLegacyConfigServers:
			// present counts as specified, even when null
			legacySpecified = true
		}

		flag, err := parseBoolOption(option, value)
		if err != nil {
			return Options{}, err
		}

		switch option {
		case OptionMasterSlave:
			opts.MasterSlave = flag
		case OptionReplication:
			opts.Replication = flag
		case OptionSameCollection:
			opts.SameCollection = flag
		case OptionSameDB:
			opts.SameDB = flag
		case OptionSharded:
			opts.Sharded = flag
		case OptionUseLegacyConfigServers:
			opts.UseLegacyConfigServers = flag
		}
	}

	// an explicit false is still a request to configure config servers
	if legacySpecified && !opts.Sharded {
		return Options{}, &ConfigError{
			Kind:   ConfigErrIllegalCombination,
			Option: OptionUseLegacyConfigServers,
			Reason: "must be sharded if 'useLegacyConfigServers' is specified",
		}
	}

	return ValidateOptions(opts)
}

func canonicalOption(key string) string {
	for _, option := range allowedOptions {
		if strings.EqualFold(option, key) {
			return option
		}
	}
	return ""
}

// parseBoolOption accepts booleans and treats null, zero numbers and the
// empty string as false.  Any other value is rejected.
func parseBoolOption(option string, value interface{}) (bool, error) {
	switch v := value.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		if rv.IsZero() {
			return false, nil
		}
	}

	return false, &ConfigError{
		Kind:   ConfigErrInvalidValue,
		Option: option,
		Reason: fmt.Sprintf("expected a boolean, got %T", value),
	}
}

func parseSetupFunctions(value interface{}) (SetupFunctions, error) {
	switch v := value.(type) {
	case nil:
		return SetupFunctions{}, nil
	case SetupFunctions:
		return v, nil
	case *SetupFunctions:
		if v == nil {
			return SetupFunctions{}, nil
		}
		return *v, nil
	case map[string]interface{}:
		var fns SetupFunctions
		for key, fnValue := range v {
			fn, err := parseNodeFunc(key, fnValue)
			if err != nil {
				return SetupFunctions{}, err
			}

			switch strings.ToLower(key) {
			case "mongod":
				fns.Mongod = fn
			case "mongos":
				fns.Mongos = fn
			default:
				return SetupFunctions{}, &ConfigError{
					Kind:   ConfigErrUnknownOption,
					Option: OptionSetupFunctions + "." + key,
					Reason: "valid setup functions are: mongod, mongos",
				}
			}
		}
		return fns, nil
	default:
		return SetupFunctions{}, &ConfigError{
			Kind:   ConfigErrInvalidValue,
			Option: OptionSetupFunctions,
			Reason: fmt.Sprintf("expected setup functions, got %T", value),
		}
	}
}

func parseNodeFunc(key string, value interface{}) (NodeFunc, error) {
	switch fn := value.(type) {
	case nil:
		return nil, nil
	case NodeFunc:
		return fn, nil
	case func(context.Context, provisioning.Database) error:
		return fn, nil
	default:
		return nil, &ConfigError{
			Kind:   ConfigErrInvalidValue,
			Option: OptionSetupFunctions + "." + key,
			Reason: fmt.Sprintf("expected a function that takes a db as an argument, got %T", value),
		}
	}
}
