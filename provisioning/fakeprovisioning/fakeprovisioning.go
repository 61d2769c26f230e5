// Package fakeprovisioning is an in-memory provisioning.Driver that records
// every call made against it.
package fakeprovisioning

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/couchbaselabs/fsmcluster/provisioning"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/v2/bson"
)

type Driver struct {
	lock     sync.Mutex
	calls    []string
	nextPort int

	// Failure injection.  These are read when the matching call is made.
	StartErr            error
	InitiateErr         error
	WriteConcernTimeout bool
	DropErr             error
}

var _ provisioning.Driver = (*Driver)(nil)

func NewDriver() *Driver {
	return &Driver{nextPort: 20000}
}

func (d *Driver) record(format string, args ...interface{}) {
	d.lock.Lock()
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
	d.lock.Unlock()
}

// formatCommand renders ordered documents as `{key=value ...}` so journal
// entries stay stable across driver versions.
func formatCommand(cmd interface{}) string {
	doc, ok := cmd.(bson.D)
	if !ok {
		return fmt.Sprint(cmd)
	}

	parts := make([]string, 0, len(doc))
	for _, elem := range doc {
		parts = append(parts, elem.Key+"="+formatCommand(elem.Value))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// Calls returns a copy of the call journal.
func (d *Driver) Calls() []string {
	d.lock.Lock()
	defer d.lock.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *Driver) newNode() *Node {
	d.lock.Lock()
	port := d.nextPort
	d.nextPort++
	d.lock.Unlock()

	return &Node{
		driver:      d,
		host:        fmt.Sprintf("localhost:%d", port),
		collections: make(map[string]int),
	}
}

// NewStandaloneNode returns a node that behaves like an existing standalone
// mongod.
func (d *Driver) NewStandaloneNode() *Node {
	node := d.newNode()
	node.master = true
	return node
}

func (d *Driver) StartMasterSlave(ctx context.Context, opts provisioning.MasterSlaveOptions) (provisioning.MasterSlave, error) {
	d.record("startMasterSlave")
	if d.StartErr != nil {
		return nil, d.StartErr
	}

	master := d.newNode()
	master.master = true
	slave := d.newNode()

	return &MasterSlave{driver: d, master: master, slave: slave}, nil
}

func (d *Driver) newReplicaSet(name string, nodes int) *ReplicaSet {
	rs := &ReplicaSet{driver: d, name: name}
	for i := 0; i < nodes; i++ {
		node := d.newNode()
		node.set = rs
		rs.nodes = append(rs.nodes, node)
	}
	return rs
}

func (d *Driver) StartReplicaSet(ctx context.Context, opts provisioning.ReplicaSetOptions) (provisioning.ReplicaSet, error) {
	d.record("startReplicaSet nodes=%d oplogSize=%d", opts.Nodes, opts.OplogSize)
	if d.StartErr != nil {
		return nil, d.StartErr
	}

	name := opts.Name
	if name == "" {
		name = "rs"
	}

	return d.newReplicaSet(name, opts.Nodes), nil
}

func (d *Driver) StartShardedCluster(ctx context.Context, opts provisioning.ShardedClusterOptions) (provisioning.ShardedCluster, error) {
	rsNodes := 0
	if opts.ReplicaSet != nil {
		rsNodes = opts.ReplicaSet.Nodes
	}
	d.record("startShardedCluster shards=%d routers=%d rs=%d legacy=%t",
		opts.Shards, opts.Routers, rsNodes, opts.LegacyConfigServers)
	if d.StartErr != nil {
		return nil, d.StartErr
	}

	sc := &ShardedCluster{driver: d}

	for i := 0; i < opts.Shards; i++ {
		shard := &Shard{name: fmt.Sprintf("shard%d", i)}
		if opts.ReplicaSet != nil {
			rs := d.newReplicaSet(fmt.Sprintf("shard%d-rs", i), opts.ReplicaSet.Nodes)
			rs.initiate()
			shard.rs = rs
		} else {
			shard.node = d.newNode()
			shard.node.master = true
		}
		sc.shards = append(sc.shards, shard)
	}

	for i := 0; i < opts.Routers; i++ {
		router := d.newNode()
		router.master = true
		sc.routers = append(sc.routers, router)
	}

	return sc, nil
}

type Node struct {
	driver *Driver
	host   string

	master bool
	set    *ReplicaSet

	lock        sync.Mutex
	collections map[string]int
}

var _ provisioning.Node = (*Node)(nil)

func (n *Node) Host() string {
	return n.host
}

func (n *Node) AdminCommand(ctx context.Context, cmd interface{}, result interface{}) error {
	n.driver.record("adminCommand %s %s", n.host, formatCommand(cmd))
	return nil
}

func (n *Node) Database(name string) provisioning.Database {
	return &Database{node: n, name: name}
}

// Documents returns how many documents are held in a namespace.
func (n *Node) Documents(namespace string) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.collections[namespace]
}

func (n *Node) isPrimary() bool {
	if n.set == nil {
		return n.master
	}
	return n.set.initiated && n.set.nodes[0] == n
}

type Database struct {
	node *Node
	name string
}

var _ provisioning.Database = (*Database)(nil)

func (d *Database) Name() string {
	return d.name
}

func (d *Database) Node() provisioning.Node {
	return d.node
}

func (d *Database) Sibling(name string) provisioning.Database {
	return &Database{node: d.node, name: name}
}

func (d *Database) RunCommand(ctx context.Context, cmd interface{}, result interface{}) error {
	d.node.driver.record("runCommand %s %s %s", d.node.host, d.name, formatCommand(cmd))
	return nil
}

func (d *Database) IsMaster(ctx context.Context) (*provisioning.IsMasterResult, error) {
	d.node.driver.record("isMaster %s", d.node.host)

	res := &provisioning.IsMasterResult{
		IsMaster: d.node.isPrimary(),
	}

	if rs := d.node.set; rs != nil && rs.initiated {
		res.SetName = rs.name
		res.Secondary = !res.IsMaster
		res.Primary = rs.nodes[0].host
		for _, member := range rs.nodes {
			res.Hosts = append(res.Hosts, member.host)
		}
	}

	return res, nil
}

func (d *Database) InsertWithWriteConcern(ctx context.Context, collection string, doc interface{}, wc provisioning.WriteConcern) error {
	d.node.driver.record("insert %s %s.%s w=%d wtimeout=%s", d.node.host, d.name, collection, wc.W, wc.WTimeout)

	if d.node.driver.WriteConcernTimeout {
		return errors.Wrap(provisioning.ErrWriteConcernTimeout, "waiting for replication timed out")
	}

	d.node.lock.Lock()
	d.node.collections[d.name+"."+collection]++
	d.node.lock.Unlock()

	return nil
}

func (d *Database) DropCollection(ctx context.Context, collection string) (bool, error) {
	d.node.driver.record("drop %s %s.%s", d.node.host, d.name, collection)

	if d.node.driver.DropErr != nil {
		return false, d.node.driver.DropErr
	}

	namespace := d.name + "." + collection

	d.node.lock.Lock()
	defer d.node.lock.Unlock()

	_, ok := d.node.collections[namespace]
	delete(d.node.collections, namespace)

	return ok, nil
}

type MasterSlave struct {
	driver *Driver
	master *Node
	slave  *Node
}

func (m *MasterSlave) Master() provisioning.Node {
	return m.master
}

func (m *MasterSlave) Slave() provisioning.Node {
	return m.slave
}

func (m *MasterSlave) Stop(ctx context.Context) error {
	m.driver.record("stopMasterSlave")
	return nil
}

type ReplicaSet struct {
	driver    *Driver
	name      string
	nodes     []*Node
	initiated bool
}

var _ provisioning.ReplicaSet = (*ReplicaSet)(nil)

func (r *ReplicaSet) Name() string {
	return r.name
}

func (r *ReplicaSet) initiate() {
	r.initiated = true
}

func (r *ReplicaSet) Initiate(ctx context.Context) error {
	r.driver.record("initiate %s", r.name)
	if r.driver.InitiateErr != nil {
		return r.driver.InitiateErr
	}
	r.initiate()
	return nil
}

func (r *ReplicaSet) AwaitSecondaryNodes(ctx context.Context) error {
	r.driver.record("awaitSecondaryNodes %s", r.name)
	if !r.initiated {
		return provisioning.ErrNoPrimary
	}
	return nil
}

func (r *ReplicaSet) Primary(ctx context.Context) (provisioning.Node, error) {
	if !r.initiated {
		return nil, provisioning.ErrNoPrimary
	}
	return r.nodes[0], nil
}

func (r *ReplicaSet) Secondaries(ctx context.Context) ([]provisioning.Node, error) {
	if !r.initiated {
		return nil, provisioning.ErrNoPrimary
	}

	var nodes []provisioning.Node
	for _, node := range r.nodes[1:] {
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (r *ReplicaSet) Stop(ctx context.Context) error {
	r.driver.record("stopReplicaSet %s", r.name)
	return nil
}

type Shard struct {
	name string
	rs   *ReplicaSet
	node *Node
}

func (s *Shard) Name() string {
	return s.name
}

func (s *Shard) ReplicaSet() (provisioning.ReplicaSet, bool) {
	if s.rs == nil {
		return nil, false
	}
	return s.rs, true
}

func (s *Shard) Node() provisioning.Node {
	if s.rs != nil {
		return s.rs.nodes[0]
	}
	return s.node
}

type ShardedCluster struct {
	driver  *Driver
	routers []*Node
	shards  []*Shard
}

var _ provisioning.ShardedCluster = (*ShardedCluster)(nil)

func (s *ShardedCluster) Routers() []provisioning.Node {
	var nodes []provisioning.Node
	for _, node := range s.routers {
		nodes = append(nodes, node)
	}
	return nodes
}

func (s *ShardedCluster) Shards() []provisioning.Shard {
	var shards []provisioning.Shard
	for _, shard := range s.shards {
		shards = append(shards, shard)
	}
	return shards
}

func (s *ShardedCluster) StopBalancer(ctx context.Context) error {
	s.driver.record("stopBalancer")
	return nil
}

func (s *ShardedCluster) ShardCollection(ctx context.Context, opts provisioning.ShardCollectionOptions) error {
	s.driver.record("shardCollection %s %s", opts.Namespace(), formatCommand(opts.Key))
	return nil
}

func (s *ShardedCluster) Stop(ctx context.Context) error {
	s.driver.record("stopShardedCluster")
	return nil
}
