package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/couchbaselabs/fsmcluster/harness"
	"github.com/couchbaselabs/fsmcluster/mongonode"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func SkipIfNoBinaries(t *testing.T) {
	cfg := GetTestConfig(t)
	if cfg.MongodPath == "" || cfg.MongosPath == "" {
		t.Skip("skipping due to no mongod/mongos binaries (FSMTEST_MONGOD, FSMTEST_MONGOS)")
	}
}

func SkipIfNoStandalone(t *testing.T) {
	if GetTestConfig(t).StandaloneURI == "" {
		t.Skip("skipping due to no standalone server (FSMTEST_STANDALONE_URI)")
	}
}

// StartTestDriver returns a harness driver whose processes are all stopped
// when the test finishes.
func StartTestDriver(t *testing.T) *harness.Driver {
	SkipIfNoBinaries(t)
	cfg := GetTestConfig(t)

	driver, err := harness.NewDriver(&harness.Config{
		Logger:         zaptest.NewLogger(t),
		MongodPath:     cfg.MongodPath,
		MongosPath:     cfg.MongosPath,
		BindIP:         "127.0.0.1",
		BasePort:       cfg.BasePort,
		DataDir:        t.TempDir(),
		StartupTimeout: time.Minute,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		err := driver.Close(context.Background())
		if err != nil {
			t.Errorf("failed to clean up test driver: %s", err)
		}
	})

	return driver
}

func DialStandalone(t *testing.T) *mongonode.Node {
	SkipIfNoStandalone(t)

	node, err := mongonode.Dial(context.Background(), GetTestConfig(t).StandaloneURI, mongonode.Options{
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = node.Close(context.Background())
	})

	return node
}
