// Package clustermirror best-effort replicates PluginDescriptor metadata
// (name, description, trigger, enabled) to etcd so multiple supervisor
// processes on a cluster can discover what is registered elsewhere. It
// never mirrors RunningInstance state: running instances are not meant to
// survive or replicate across supervisor restarts, which would otherwise
// be violated by a second process observing a mirrored "running" entry it
// does not actually own a child process for.
//
// Grounded on registry.Client (etcd key layout
// "/namespace/kind/name", JSON-encoded values via clientv3.Put/Get), with
// the lease/keepalive machinery dropped: a descriptor is a durable fact
// about registration, not a liveness heartbeat, so it is written once per
// registration/flag-change rather than kept alive by a TTL.
package clustermirror

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// DescriptorView is the subset of registry.Descriptor mirrored to the
// cluster; unexported supervisor internals (warnings, the live Valid flag)
// stay local.
type DescriptorView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Trigger     string `json:"trigger"`
	Enabled     bool   `json:"enabled"`
}

// Mirror is an optional collaborator attached to a Supervisor via
// WithClusterMirror.
type Mirror struct {
	client    *clientv3.Client
	namespace string
}

// Options configures a Mirror.
type Options struct {
	Endpoints   []string
	Namespace   string // defaults to "pluginsup"
	DialTimeout time.Duration
}

// New connects to an etcd cluster and returns a Mirror.
func New(opts Options) (*Mirror, error) {
	if len(opts.Endpoints) == 0 {
		return nil, fmt.Errorf("clustermirror: endpoints cannot be empty")
	}
	namespace := opts.Namespace
	if namespace == "" {
		namespace = "pluginsup"
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("clustermirror: create etcd client: %w", err)
	}

	return &Mirror{client: cli, namespace: namespace}, nil
}

// Put writes or overwrites the mirrored entry for a descriptor.
func (m *Mirror) Put(ctx context.Context, view DescriptorView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("clustermirror: marshal descriptor: %w", err)
	}
	if _, err := m.client.Put(ctx, m.key(view.Name), string(data)); err != nil {
		return fmt.Errorf("clustermirror: put descriptor %s: %w", view.Name, err)
	}
	return nil
}

// All returns every descriptor mirrored under this namespace, across any
// supervisor process that has published to it.
func (m *Mirror) All(ctx context.Context) ([]DescriptorView, error) {
	prefix := fmt.Sprintf("/%s/descriptors/", m.namespace)
	resp, err := m.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("clustermirror: list descriptors: %w", err)
	}
	out := make([]DescriptorView, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var view DescriptorView
		if err := json.Unmarshal(kv.Value, &view); err != nil {
			continue
		}
		out = append(out, view)
	}
	return out, nil
}

func (m *Mirror) key(name string) string {
	return fmt.Sprintf("/%s/descriptors/%s", m.namespace, name)
}

// Close releases the underlying etcd client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
