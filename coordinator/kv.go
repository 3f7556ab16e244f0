// Package coordinator implements the optional distributed coordinator:
// it mirrors the local allocator's decisions into a cluster-wide
// key-value store so that no two servers in a cluster hand out the same
// address, with degraded-mode semantics when that store is unreachable.
//
// Grounded on a Consul-backed range plugin's api.Client/KVPair
// JSON-marshal shape and an abstract key-value contract (CAS put, strict
// get, delete, prefix iteration).
package coordinator

import (
	"errors"
	"fmt"

	"github.com/hashicorp/consul/api"

	"github.com/coredhcp/clusterdhcp/config"
)

// ErrNotFound is returned by KV.Get when no value exists for the key.
var ErrNotFound = errors.New("coordinator: key not found")

// KVPair is a single key/value with the revision (Consul's ModifyIndex)
// CAS operations check against.
type KVPair struct {
	Key         string
	Value       []byte
	ModifyIndex uint64
}

// KV is the minimal cluster key-value contract the coordinator needs:
// CAS put, strict get, delete, and prefix iteration with no ordering
// guarantee across keys.
type KV interface {
	// Get returns the pair at key, or ErrNotFound.
	Get(key string) (*KVPair, error)
	// CAS writes pair.Value to pair.Key iff the stored ModifyIndex still
	// equals pair.ModifyIndex (0 meaning "key must not exist"). It
	// returns whether the write happened.
	CAS(pair *KVPair) (bool, error)
	// Delete removes key unconditionally.
	Delete(key string) error
	// List returns every pair whose key has the given prefix.
	List(prefix string) ([]*KVPair, error)
}

// consulKV adapts *api.Client to the KV interface.
type consulKV struct {
	client *api.Client
}

// NewConsulKV builds a Consul client for the first address in
// cfg.Addresses (127.0.0.1:8500 when none is set) and returns a KV backed
// by its KV store. Any further addresses are not used.
func NewConsulKV(cfg *config.ClusterConfig) (KV, error) {
	addr := "127.0.0.1:8500"
	if len(cfg.Addresses) > 0 {
		addr = cfg.Addresses[0]
	}
	client, err := api.NewClient(&api.Config{Address: addr})
	if err != nil {
		return nil, fmt.Errorf("coordinator: consul client: %w", err)
	}
	return &consulKV{client: client}, nil
}

func (c *consulKV) Get(key string) (*KVPair, error) {
	pair, _, err := c.client.KV().Get(key, nil)
	if err != nil {
		return nil, fmt.Errorf("coordinator: get %s: %w", key, err)
	}
	if pair == nil {
		return nil, ErrNotFound
	}
	return &KVPair{Key: pair.Key, Value: pair.Value, ModifyIndex: pair.ModifyIndex}, nil
}

func (c *consulKV) CAS(pair *KVPair) (bool, error) {
	ok, _, err := c.client.KV().CAS(&api.KVPair{
		Key:         pair.Key,
		Value:       pair.Value,
		ModifyIndex: pair.ModifyIndex,
	}, nil)
	if err != nil {
		return false, fmt.Errorf("coordinator: cas %s: %w", pair.Key, err)
	}
	return ok, nil
}

func (c *consulKV) Delete(key string) error {
	if _, err := c.client.KV().Delete(key, nil); err != nil {
		return fmt.Errorf("coordinator: delete %s: %w", key, err)
	}
	return nil
}

func (c *consulKV) List(prefix string) ([]*KVPair, error) {
	pairs, _, err := c.client.KV().List(prefix, nil)
	if err != nil {
		return nil, fmt.Errorf("coordinator: list %s: %w", prefix, err)
	}
	out := make([]*KVPair, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, &KVPair{Key: p.Key, Value: p.Value, ModifyIndex: p.ModifyIndex})
	}
	return out, nil
}

// fakeKV is an in-memory KV used by tests; it never fails and applies CAS
// semantics in-process.
type fakeKV struct {
	data map[string]*KVPair
	rev  uint64
}

// NewFakeKV returns a KV usable by coordinator tests without a live Consul
// agent.
func NewFakeKV() KV {
	return &fakeKV{data: make(map[string]*KVPair)}
}

func (f *fakeKV) Get(key string) (*KVPair, error) {
	p, ok := f.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeKV) CAS(pair *KVPair) (bool, error) {
	cur, exists := f.data[pair.Key]
	if exists && cur.ModifyIndex != pair.ModifyIndex {
		return false, nil
	}
	if !exists && pair.ModifyIndex != 0 {
		return false, nil
	}
	f.rev++
	f.data[pair.Key] = &KVPair{Key: pair.Key, Value: pair.Value, ModifyIndex: f.rev}
	return true, nil
}

func (f *fakeKV) Delete(key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeKV) List(prefix string) ([]*KVPair, error) {
	var out []*KVPair
	for k, v := range f.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}
