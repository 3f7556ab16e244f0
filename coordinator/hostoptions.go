package coordinator

import (
	"encoding/json"
	"fmt"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// HostOptionsStore mirrors per-reservation option overrides cluster-wide in
// a host_options bucket alongside leases, the same way lease records are
// pushed.
type HostOptionsStore struct {
	kv     KV
	prefix string
}

// NewHostOptionsStore returns a store sharing kv/prefix with a Coordinator.
func NewHostOptionsStore(kv KV, prefix string) *HostOptionsStore {
	return &HostOptionsStore{kv: kv, prefix: prefix}
}

func (h *HostOptionsStore) key(reservationKey string) string {
	return fmt.Sprintf("%shost_options/%s", h.prefix, reservationKey)
}

// Put mirrors opts for the reservation identified by reservationKey (the
// reservation's hwaddr string or match-option value), CAS'd against
// whatever revision is currently stored.
func (h *HostOptionsStore) Put(reservationKey string, opts dhcpv4.Options) error {
	data, err := json.Marshal(optionsToMap(opts))
	if err != nil {
		return fmt.Errorf("coordinator: marshal host options: %w", err)
	}
	key := h.key(reservationKey)
	var modIdx uint64
	if cur, err := h.kv.Get(key); err == nil {
		modIdx = cur.ModifyIndex
	}
	if _, err := h.kv.CAS(&KVPair{Key: key, Value: data, ModifyIndex: modIdx}); err != nil {
		return fmt.Errorf("coordinator: put host options for %s: %w", reservationKey, err)
	}
	return nil
}

// Get returns the mirrored options for reservationKey, if any server in the
// cluster has pushed a set.
func (h *HostOptionsStore) Get(reservationKey string) (dhcpv4.Options, bool, error) {
	pair, err := h.kv.Get(h.key(reservationKey))
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("coordinator: get host options for %s: %w", reservationKey, err)
	}
	var m map[uint8][]byte
	if err := json.Unmarshal(pair.Value, &m); err != nil {
		return nil, false, fmt.Errorf("coordinator: unmarshal host options for %s: %w", reservationKey, err)
	}
	opts := make(dhcpv4.Options, len(m))
	for k, v := range m {
		opts[k] = v
	}
	return opts, true, nil
}

func optionsToMap(opts dhcpv4.Options) map[uint8][]byte {
	m := make(map[uint8][]byte, len(opts))
	for k, v := range opts {
		m[k] = v
	}
	return m
}
