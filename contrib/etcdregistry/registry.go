// Package etcdregistry publishes running deployments into etcd so that
// workload runners on other machines can discover their hosts.
package etcdregistry

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/couchbaselabs/fsmcluster/utils/latestonlychannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const minLeasePeriod = 5 * time.Second

// Deployment is the record stored for each published deployment.
type Deployment struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	EntryPoint string    `json:"entryPoint"`
	Routers    []string  `json:"routers,omitempty"`
	DataNodes  []string  `json:"dataNodes,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
}

type Snapshot struct {
	Revision    int64
	Deployments []*Deployment
}

type RegistryOptions struct {
	Logger     *zap.Logger
	EtcdClient *etcd.Client
	KeyPrefix  string
}

type Registry struct {
	logger     *zap.Logger
	etcdClient *etcd.Client
	keyPrefix  string
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client must be specified")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Registry{
		logger:     logger,
		etcdClient: opts.EtcdClient,
		keyPrefix:  opts.KeyPrefix,
	}, nil
}

func (r *Registry) deploymentsPrefix() string {
	return r.keyPrefix + "/"
}

type PublishOptions struct {
	LeasePeriod time.Duration
}

// Publish stores dep under a lease that is kept alive until the returned
// Publication is withdrawn or the process dies.  A random ID is assigned
// when dep has none.
func (r *Registry) Publish(ctx context.Context, dep *Deployment, opts *PublishOptions) (*Publication, error) {
	if opts == nil {
		opts = &PublishOptions{}
	}

	leasePeriod := minLeasePeriod
	if opts.LeasePeriod != 0 {
		// etcd will not grant shorter leases
		if opts.LeasePeriod < minLeasePeriod {
			return nil, errors.Errorf("lease period must be at least %s", minLeasePeriod)
		}
		leasePeriod = opts.LeasePeriod
	}

	record := *dep
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	p := &Publication{
		logger:      r.logger.With(zap.String("deploymentId", record.ID)),
		etcdClient:  r.etcdClient,
		key:         r.deploymentsPrefix() + record.ID,
		leasePeriod: leasePeriod,
		deployment:  &record,
		lostCh:      make(chan struct{}),
	}

	err := p.publish(ctx)
	if err != nil {
		return nil, err
	}

	return p, nil
}

// List returns every deployment currently published, ordered by ID.
func (r *Registry) List(ctx context.Context) (*Snapshot, error) {
	resp, err := r.etcdClient.KV.Get(ctx, r.deploymentsPrefix(), etcd.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list deployments")
	}

	values := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values[string(kv.Key)] = kv.Value
	}

	return r.buildSnapshot(resp.Header.Revision, values), nil
}

// Watch emits the current snapshot and then a new one after every change.
// A reader that falls behind only receives the latest snapshot.  The channel
// is closed when ctx is done.
func (r *Registry) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	prefix := r.deploymentsPrefix()

	resp, err := r.etcdClient.KV.Get(ctx, prefix, etcd.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list deployments")
	}

	values := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values[string(kv.Key)] = kv.Value
	}
	revision := resp.Header.Revision

	snapCh := make(chan *Snapshot)

	watchCh := r.etcdClient.Watcher.Watch(ctx, prefix, etcd.WithPrefix(), etcd.WithRev(revision+1))
	go func() {
		defer close(snapCh)

		snapCh <- r.buildSnapshot(revision, values)

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				r.logger.Warn("deployment watch failed", zap.Error(err))
				return
			}

			for _, evt := range watchResp.Events {
				switch evt.Type {
				case mvccpb.PUT:
					values[string(evt.Kv.Key)] = evt.Kv.Value
				case mvccpb.DELETE:
					delete(values, string(evt.Kv.Key))
				}
			}

			snapCh <- r.buildSnapshot(watchResp.Header.Revision, values)
		}
	}()

	return latestonlychannel.Coalesce(snapCh), nil
}

func (r *Registry) buildSnapshot(revision int64, values map[string][]byte) *Snapshot {
	snap := &Snapshot{Revision: revision}

	for key, value := range values {
		dep, err := decodeDeployment(value)
		if err != nil {
			r.logger.Warn("ignoring malformed deployment record", zap.String("key", key), zap.Error(err))
			continue
		}
		snap.Deployments = append(snap.Deployments, dep)
	}

	sort.Slice(snap.Deployments, func(i, j int) bool {
		return snap.Deployments[i].ID < snap.Deployments[j].ID
	})

	return snap
}

func encodeDeployment(dep *Deployment) (string, error) {
	data, err := json.Marshal(dep)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode deployment")
	}
	return string(data), nil
}

func decodeDeployment(data []byte) (*Deployment, error) {
	var dep Deployment
	err := json.Unmarshal(data, &dep)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode deployment")
	}
	if dep.ID == "" {
		return nil, errors.New("deployment record has no id")
	}
	return &dep, nil
}
