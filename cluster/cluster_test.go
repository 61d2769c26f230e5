package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/couchbaselabs/fsmcluster/provisioning/fakeprovisioning"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.uber.org/zap/zaptest"
)

func newTestCluster(t *testing.T, opts Options) (*Cluster, *fakeprovisioning.Driver) {
	t.Helper()

	driver := fakeprovisioning.NewDriver()
	c, err := New(&Config{
		Logger:     zaptest.NewLogger(t),
		Options:    opts,
		Driver:     driver,
		Standalone: driver.NewStandaloneNode(),
	})
	require.NoError(t, err)

	return c, driver
}

func setupTestCluster(t *testing.T, opts Options) (*Cluster, *fakeprovisioning.Driver) {
	t.Helper()

	c, driver := newTestCluster(t, opts)
	require.NoError(t, c.Setup(context.Background()))
	t.Cleanup(func() {
		_ = c.Teardown(context.Background())
	})

	return c, driver
}

func hostsOf(nodes []provisioning.Node) []string {
	var hosts []string
	for _, node := range nodes {
		hosts = append(hosts, node.Host())
	}
	return hosts
}

func callsWithPrefix(driver *fakeprovisioning.Driver, prefix string) []string {
	var out []string
	for _, call := range driver.Calls() {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}

func requireLifecycleError(t *testing.T, err error, target error) {
	t.Helper()

	require.Error(t, err)
	require.ErrorIs(t, err, target)

	var lcErr *LifecycleError
	require.True(t, errors.As(err, &lcErr), "expected a LifecycleError, got %T", err)
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(&Config{
		Options: Options{MasterSlave: true, Replication: true},
		Driver:  fakeprovisioning.NewDriver(),
	})
	require.ErrorIs(t, err, ErrInvalidOptions)
}

func TestNewRequiresConnections(t *testing.T) {
	_, err := New(&Config{Options: Options{}})
	require.Error(t, err)

	_, err = New(&Config{Options: Options{Replication: true}})
	require.Error(t, err)
}

func TestStandaloneEndToEnd(t *testing.T) {
	c, driver := setupTestCluster(t, Options{})

	assert.False(t, c.IsSharded())
	assert.False(t, c.IsReplicated())
	assert.True(t, c.IsStandalone())
	assert.Equal(t, StateReady, c.State())
	require.Len(t, c.DataNodes(), 1)
	assert.Empty(t, c.Routers())

	entry, err := c.EntryPoint()
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		host, err := c.GetHost()
		require.NoError(t, err)
		assert.Equal(t, entry.Host(), host)
	}

	db, err := c.GetDatabase("foo")
	require.NoError(t, err)
	assert.Equal(t, "foo", db.Name())
	assert.Equal(t, entry.Host(), db.Node().Host())

	assert.Equal(t, []string{
		fmt.Sprintf("adminCommand %s {setParameter=1 logLevel=0}", entry.Host()),
	}, driver.Calls())
}

func TestMasterSlaveSetup(t *testing.T) {
	c, driver := setupTestCluster(t, Options{MasterSlave: true})

	nodes := c.DataNodes()
	require.Len(t, nodes, 2)

	entry, err := c.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, nodes[0].Host(), entry.Host())
	assert.Empty(t, c.Routers())

	assert.Len(t, callsWithPrefix(driver, "adminCommand"), 2)

	require.NoError(t, c.Teardown(context.Background()))
	assert.Equal(t, []string{"stopMasterSlave"}, callsWithPrefix(driver, "stopMasterSlave"))
}

func TestReplicatedSetup(t *testing.T) {
	c, driver := setupTestCluster(t, Options{Replication: true})

	assert.Equal(t, []string{
		"startReplicaSet nodes=3 oplogSize=1024",
		"initiate rs",
		"awaitSecondaryNodes rs",
	}, driver.Calls())

	nodes := c.DataNodes()
	require.Len(t, nodes, 3)

	entry, err := c.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, nodes[0].Host(), entry.Host())

	res, err := nodes[0].Database("admin").IsMaster(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsMaster)

	for _, node := range nodes[1:] {
		res, err := node.Database("admin").IsMaster(context.Background())
		require.NoError(t, err)
		assert.True(t, res.Secondary)
	}
}

func TestShardedRoundRobin(t *testing.T) {
	c, driver := setupTestCluster(t, Options{Sharded: true})

	assert.True(t, c.IsSharded())
	assert.False(t, c.IsReplicated())

	routers := c.Routers()
	require.Len(t, routers, 2)
	require.Len(t, c.DataNodes(), 2)

	entry, err := c.EntryPoint()
	require.NoError(t, err)
	assert.Equal(t, routers[0].Host(), entry.Host())

	for k := 0; k < 10; k++ {
		host, err := c.GetHost()
		require.NoError(t, err)
		assert.Equal(t, routers[k%2].Host(), host, "call %d", k)
	}

	assert.Equal(t, []string{
		"startShardedCluster shards=2 routers=2 rs=0 legacy=false",
		"stopBalancer",
	}, driver.Calls())
}

func TestShardedReplicatedDataNodeOrder(t *testing.T) {
	c, _ := setupTestCluster(t, Options{Sharded: true, Replication: true})

	nodes := c.DataNodes()
	require.Len(t, nodes, 6)

	// each shard's primary comes first, followed by its secondaries
	var setNames []string
	for i, node := range nodes {
		res, err := node.Database("admin").IsMaster(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i%3 == 0, res.IsMaster, "node %d", i)
		setNames = append(setNames, res.SetName)
	}
	assert.Equal(t, []string{
		"shard0-rs", "shard0-rs", "shard0-rs",
		"shard1-rs", "shard1-rs", "shard1-rs",
	}, setNames)
}

func TestShardedLegacyConfigServers(t *testing.T) {
	_, driver := setupTestCluster(t, Options{Sharded: true, UseLegacyConfigServers: true})

	assert.Equal(t,
		[]string{"startShardedCluster shards=2 routers=2 rs=0 legacy=true"},
		callsWithPrefix(driver, "startShardedCluster"))
}

func TestSetupTwiceFails(t *testing.T) {
	c, _ := setupTestCluster(t, Options{Sharded: true})
	before := hostsOf(c.DataNodes())

	err := c.Setup(context.Background())
	requireLifecycleError(t, err, ErrAlreadyInitialized)

	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, before, hostsOf(c.DataNodes()))

	_, err = c.GetHost()
	assert.NoError(t, err)
}

func TestSetupTwiceFailsAfterFailedSetup(t *testing.T) {
	c, driver := newTestCluster(t, Options{Replication: true})
	driver.InitiateErr = errors.New("initiate exploded")

	err := c.Setup(context.Background())
	require.ErrorIs(t, err, driver.InitiateErr)
	assert.Equal(t, StateInitializing, c.State())

	driver.InitiateErr = nil
	err = c.Setup(context.Background())
	requireLifecycleError(t, err, ErrAlreadyInitialized)

	// the partially started set is still stopped
	require.NoError(t, c.Teardown(context.Background()))
	assert.Equal(t, []string{"stopReplicaSet rs"}, callsWithPrefix(driver, "stopReplicaSet"))
}

func TestOperationsBeforeSetup(t *testing.T) {
	c, driver := newTestCluster(t, Options{Sharded: true})

	_, err := c.GetHost()
	requireLifecycleError(t, err, ErrNotInitialized)

	_, err = c.GetDatabase("test")
	requireLifecycleError(t, err, ErrNotInitialized)

	_, err = c.EntryPoint()
	requireLifecycleError(t, err, ErrNotInitialized)

	err = c.ShardCollection(context.Background(), provisioning.ShardCollectionOptions{
		Database:   "test",
		Collection: "foo",
		Key:        bson.D{{Key: "_id", Value: 1}},
	})
	requireLifecycleError(t, err, ErrNotInitialized)

	err = c.ForEachDataNode(context.Background(), noopNodeFunc)
	requireLifecycleError(t, err, ErrNotInitialized)

	err = c.ForEachRouter(context.Background(), noopNodeFunc)
	requireLifecycleError(t, err, ErrNotInitialized)

	assert.True(t, c.IsSharded())
	assert.Empty(t, driver.Calls())
}

func TestShardCollection(t *testing.T) {
	c, driver := setupTestCluster(t, Options{Sharded: true})

	err := c.ShardCollection(context.Background(), provisioning.ShardCollectionOptions{
		Database:   "test",
		Collection: "foo",
		Key:        bson.D{{Key: "_id", Value: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t,
		[]string{"shardCollection test.foo {_id=1}"},
		callsWithPrefix(driver, "shardCollection"))
}

func TestShardCollectionNotSharded(t *testing.T) {
	c, _ := setupTestCluster(t, Options{Replication: true})

	err := c.ShardCollection(context.Background(), provisioning.ShardCollectionOptions{
		Database:   "test",
		Collection: "foo",
	})
	require.ErrorIs(t, err, ErrNotSharded)
}

func TestSetupFunctionsOrder(t *testing.T) {
	var seen []string
	record := func(prefix string) NodeFunc {
		return func(ctx context.Context, db provisioning.Database) error {
			assert.Equal(t, "admin", db.Name())
			seen = append(seen, prefix+" "+db.Node().Host())
			return nil
		}
	}

	c, _ := setupTestCluster(t, Options{
		Sharded: true,
		SetupFunctions: SetupFunctions{
			Mongod: record("mongod"),
			Mongos: record("mongos"),
		},
	})

	var expected []string
	for _, host := range hostsOf(c.DataNodes()) {
		expected = append(expected, "mongod "+host)
	}
	for _, host := range hostsOf(c.Routers()) {
		expected = append(expected, "mongos "+host)
	}
	assert.Equal(t, expected, seen)
}

func TestSetupFunctionFailure(t *testing.T) {
	fnErr := errors.New("setup function failed")

	c, _ := newTestCluster(t, Options{
		SetupFunctions: SetupFunctions{
			Mongod: func(ctx context.Context, db provisioning.Database) error {
				return fnErr
			},
		},
	})

	err := c.Setup(context.Background())
	require.ErrorIs(t, err, fnErr)
	assert.NotEqual(t, StateReady, c.State())
}

func TestForEachWrongShape(t *testing.T) {
	c, driver := setupTestCluster(t, Options{Replication: true})
	before := len(driver.Calls())

	err := c.ForEachDataNode(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidNodeFunc)

	err = c.ForEachRouter(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidNodeFunc)

	assert.Len(t, driver.Calls(), before)
}

func TestForEachDataNode(t *testing.T) {
	c, _ := setupTestCluster(t, Options{Replication: true})

	var hosts []string
	err := c.ForEachDataNode(context.Background(), func(ctx context.Context, db provisioning.Database) error {
		hosts = append(hosts, db.Node().Host())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, hostsOf(c.DataNodes()), hosts)

	stopErr := errors.New("stop")
	calls := 0
	err = c.ForEachDataNode(context.Background(), func(ctx context.Context, db provisioning.Database) error {
		calls++
		return stopErr
	})
	require.ErrorIs(t, err, stopErr)
	assert.Equal(t, 1, calls)
}

func TestAwaitReplicationQuiescenceNoop(t *testing.T) {
	for _, opts := range []Options{{}, {MasterSlave: true}, {Sharded: true}} {
		c, driver := setupTestCluster(t, opts)
		before := driver.Calls()

		require.NoError(t, c.AwaitReplicationQuiescence(context.Background()))
		assert.Equal(t, before, driver.Calls())
	}
}

func TestAwaitReplicationQuiescence(t *testing.T) {
	c, driver := setupTestCluster(t, Options{Replication: true})
	primary := c.DataNodes()[0].Host()

	require.NoError(t, c.AwaitReplicationQuiescence(context.Background()))

	assert.Equal(t, []string{
		fmt.Sprintf("insert %s test.fsm_teardown w=3 wtimeout=5m0s", primary),
	}, callsWithPrefix(driver, "insert"))
	assert.Equal(t, []string{
		fmt.Sprintf("drop %s test.fsm_teardown", primary),
	}, callsWithPrefix(driver, "drop"))
	assert.Len(t, callsWithPrefix(driver, "isMaster"), 3)

	node := c.DataNodes()[0].(*fakeprovisioning.Node)
	assert.Equal(t, 0, node.Documents("test.fsm_teardown"))
}

func TestAwaitReplicationQuiescenceShardedPrimaries(t *testing.T) {
	c, driver := setupTestCluster(t, Options{Sharded: true, Replication: true})
	nodes := c.DataNodes()

	require.NoError(t, c.AwaitReplicationQuiescence(context.Background()))

	assert.Equal(t, []string{
		fmt.Sprintf("insert %s test.fsm_teardown w=3 wtimeout=5m0s", nodes[0].Host()),
		fmt.Sprintf("insert %s test.fsm_teardown w=3 wtimeout=5m0s", nodes[3].Host()),
	}, callsWithPrefix(driver, "insert"))
}

func TestAwaitReplicationQuiescenceTimeout(t *testing.T) {
	c, driver := setupTestCluster(t, Options{Replication: true})
	driver.WriteConcernTimeout = true

	err := c.AwaitReplicationQuiescence(context.Background())
	require.ErrorIs(t, err, ErrQuiescenceTimeout)
	assert.Empty(t, callsWithPrefix(driver, "drop"))
}

func TestAwaitReplicationQuiescenceDropFailure(t *testing.T) {
	c, driver := setupTestCluster(t, Options{Replication: true})
	driver.DropErr = errors.New("drop exploded")

	err := c.AwaitReplicationQuiescence(context.Background())
	require.ErrorIs(t, err, ErrQuiescenceDrop)
}

func TestTeardown(t *testing.T) {
	c, driver := newTestCluster(t, Options{Sharded: true, Replication: true})

	// before setup there is nothing to stop
	require.NoError(t, c.Teardown(context.Background()))
	assert.Empty(t, driver.Calls())

	require.NoError(t, c.Setup(context.Background()))
	require.NoError(t, c.Teardown(context.Background()))
	require.NoError(t, c.Teardown(context.Background()))

	assert.Equal(t, []string{"stopShardedCluster"}, callsWithPrefix(driver, "stopShardedCluster"))
	assert.Equal(t, StateTornDown, c.State())
	assert.Empty(t, c.DataNodes())

	_, err := c.GetHost()
	requireLifecycleError(t, err, ErrNotInitialized)

	err = c.Setup(context.Background())
	requireLifecycleError(t, err, ErrAlreadyInitialized)
}

func TestStandaloneTeardownIsNoop(t *testing.T) {
	c, driver := setupTestCluster(t, Options{})
	before := driver.Calls()

	require.NoError(t, c.Teardown(context.Background()))
	assert.Equal(t, before, driver.Calls())
}

func TestDescribe(t *testing.T) {
	c, _ := newTestCluster(t, Options{Sharded: true})

	desc := c.Describe()
	assert.Equal(t, "sharded", desc.Kind)
	assert.Equal(t, "uninitialized", desc.State)
	assert.Empty(t, desc.Routers)

	require.NoError(t, c.Setup(context.Background()))
	defer func() { _ = c.Teardown(context.Background()) }()

	desc = c.Describe()
	assert.Equal(t, "ready", desc.State)
	assert.Equal(t, hostsOf(c.Routers()), desc.Routers)
	assert.Equal(t, hostsOf(c.DataNodes()), desc.DataNodes)
	assert.Equal(t, desc.Routers[0], desc.EntryPoint)
}
