// Package etcdconfig loads a ThrottleConfig from etcd at startup. It is an
// external collaborator in the same sense as throttle.FromEnv: it runs once,
// outside the coordination core's suspension/bookkeeping paths, and simply
// produces a throttle.ThrottleConfig for New to validate.
package etcdconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/gentlify/pkg/throttle"
)

// Source reads and watches a ThrottleConfig stored as JSON under a single
// etcd key.
type Source struct {
	client *clientv3.Client
	key    string
}

// NewSource builds a Source over an existing etcd client.
func NewSource(client *clientv3.Client, key string) *Source {
	return &Source{client: client, key: key}
}

// Dial connects to etcd at the given endpoints.
func Dial(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// Load fetches the current config, falling back to throttle.DefaultConfig
// when the key does not exist yet.
func (s *Source) Load(ctx context.Context) (throttle.ThrottleConfig, error) {
	resp, err := s.client.Get(ctx, s.key)
	if err != nil {
		return throttle.ThrottleConfig{}, fmt.Errorf("etcdconfig: get %s: %w", s.key, err)
	}
	if len(resp.Kvs) == 0 {
		return throttle.NewThrottleConfig(throttle.DefaultConfig())
	}

	var m map[string]interface{}
	if err := json.Unmarshal(resp.Kvs[0].Value, &m); err != nil {
		return throttle.ThrottleConfig{}, fmt.Errorf("etcdconfig: unmarshal %s: %w", s.key, err)
	}
	return throttle.FromMap(m)
}

// Store writes cfg back to etcd as JSON, the inverse of Load.
func (s *Source) Store(ctx context.Context, cfg throttle.ThrottleConfig) error {
	payload, err := json.Marshal(cfg.ToMap())
	if err != nil {
		return fmt.Errorf("etcdconfig: marshal config: %w", err)
	}
	if _, err := s.client.Put(ctx, s.key, string(payload)); err != nil {
		return fmt.Errorf("etcdconfig: put %s: %w", s.key, err)
	}
	return nil
}

// Watch streams config updates, decoding and pushing each revision onto the
// returned channel. The channel is closed when ctx is cancelled.
func (s *Source) Watch(ctx context.Context) <-chan throttle.ThrottleConfig {
	out := make(chan throttle.ThrottleConfig)
	go func() {
		defer close(out)
		watchCh := s.client.Watch(ctx, s.key)
		for resp := range watchCh {
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var m map[string]interface{}
				if err := json.Unmarshal(ev.Kv.Value, &m); err != nil {
					continue
				}
				cfg, err := throttle.FromMap(m)
				if err != nil {
					continue
				}
				select {
				case out <- cfg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
