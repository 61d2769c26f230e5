/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"os"
	"strconv"
	"testing"
)

type Config struct {
	MongodPath    string
	MongosPath    string
	StandaloneURI string
	BasePort      int
}

var globalTestConfig *Config

func GetTestConfig(t *testing.T) *Config {
	if globalTestConfig == nil {
		testConfig := &Config{
			BasePort: 27100,
		}

		testConfig.MongodPath = os.Getenv("FSMTEST_MONGOD")
		testConfig.MongosPath = os.Getenv("FSMTEST_MONGOS")
		testConfig.StandaloneURI = os.Getenv("FSMTEST_STANDALONE_URI")

		envBasePort := os.Getenv("FSMTEST_BASEPORT")
		if envBasePort != "" {
			basePort, err := strconv.Atoi(envBasePort)
			if err != nil {
				t.Fatalf("invalid FSMTEST_BASEPORT: %s", err)
			}
			testConfig.BasePort = basePort
		}

		t.Logf("initialized test configuration")
		t.Logf("  mongod: %s", testConfig.MongodPath)
		t.Logf("  mongos: %s", testConfig.MongosPath)
		t.Logf("  standalone uri: %s", testConfig.StandaloneURI)
		t.Logf("  base port: %d", testConfig.BasePort)

		globalTestConfig = testConfig
	}

	return globalTestConfig
}
