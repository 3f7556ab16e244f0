package leasestore

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/google/btree"
)

// MemoryStore is the in-memory Store variant: a single mutex guarding a
// btree ordered by ip (needed because NextExpired/InsertMaxInRange must
// find the *smallest*/*largest* candidate ip in a range) plus a map for
// O(1) point lookups by IP and by client.
type MemoryStore struct {
	mu       sync.Mutex
	tree     *btree.BTree
	byIP     map[string]*Record
	byClient map[string]net.IP // subnet+"|"+clientID -> ip
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:     btree.New(32),
		byIP:     make(map[string]*Record),
		byClient: make(map[string]net.IP),
	}
}

type ipItem struct {
	key []byte // net.IP.To16(), fixed 16 bytes, sorts as unsigned
	rec *Record
}

func (a ipItem) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(ipItem).key) < 0
}

func ipKey(ip net.IP) []byte {
	return []byte(ip.To16())
}

func clientKey(subnet, clientID string) string { return subnet + "|" + clientID }

func (m *MemoryStore) insertLocked(ip net.IP, rec *Record) {
	m.byIP[ip.String()] = rec
	m.tree.ReplaceOrInsert(ipItem{key: ipKey(ip), rec: rec})
	if rec.State.Active() {
		m.byClient[clientKey(rec.Subnet, rec.ClientID)] = ip
	}
}

func (m *MemoryStore) removeLocked(ip net.IP) {
	if rec, ok := m.byIP[ip.String()]; ok {
		if existing, ok := m.byClient[clientKey(rec.Subnet, rec.ClientID)]; ok && existing.Equal(ip) {
			delete(m.byClient, clientKey(rec.Subnet, rec.ClientID))
		}
		delete(m.byIP, ip.String())
		m.tree.Delete(ipItem{key: ipKey(ip)})
	}
}

// Insert implements Store.
func (m *MemoryStore) Insert(ip net.IP, subnet, clientID string, expires time.Time, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byIP[ip.String()]; ok {
		return ErrAddrInUse
	}
	now := time.Now()
	m.insertLocked(ip, &Record{
		IP: ip, ClientID: clientID, Subnet: subnet, ExpiresAt: expires,
		State: state, Revision: 1, UpdatedAt: now,
	})
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ip net.IP) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byIP[ip.String()]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// GetByClientID implements Store.
func (m *MemoryStore) GetByClientID(subnet, clientID string) (net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ip, ok := m.byClient[clientKey(subnet, clientID)]
	if !ok {
		return nil, ErrNotFound
	}
	rec := m.byIP[ip.String()]
	if rec.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return ip, nil
}

// UpdateExpired implements Store.
func (m *MemoryStore) UpdateExpired(ip net.IP, state State, clientID string, expires time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byIP[ip.String()]
	if !ok {
		return false, nil
	}
	if rec.ClientID != clientID && !rec.Expired(time.Now()) {
		return false, nil
	}
	m.removeLocked(ip)
	m.insertLocked(ip, &Record{
		IP: ip, ClientID: clientID, Subnet: rec.Subnet, ExpiresAt: expires,
		State: state, Revision: rec.Revision + 1, UpdatedAt: time.Now(),
	})
	return true, nil
}

// UpdateUnexpired implements Store.
func (m *MemoryStore) UpdateUnexpired(ip net.IP, state State, clientID string, expires time.Time, newClientID string) (net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byIP[ip.String()]
	if !ok || rec.Expired(time.Now()) || rec.ClientID != clientID {
		return nil, ErrNotFound
	}
	id := rec.ClientID
	if newClientID != "" {
		id = newClientID
	}
	m.removeLocked(ip)
	m.insertLocked(ip, &Record{
		IP: ip, ClientID: id, Subnet: rec.Subnet, ExpiresAt: expires,
		State: state, Revision: rec.Revision + 1, UpdatedAt: time.Now(),
	})
	return ip, nil
}

// NextExpired implements Store.
func (m *MemoryStore) NextExpired(rng Range, subnet, clientID string, expires time.Time, state State) (net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var found net.IP
	m.tree.AscendRange(ipItem{key: ipKey(rng.Start)}, ipItem{key: append(append([]byte(nil), ipKey(rng.End)...), 0xff)}, func(it btree.Item) bool {
		rec := it.(ipItem).rec
		if excluded(rng, rec.IP) {
			return true
		}
		if rec.Expired(now) || rec.ClientID == clientID {
			found = rec.IP
			return false
		}
		return true
	})
	if found == nil {
		return nil, ErrRangeExhausted
	}
	old := m.byIP[found.String()]
	m.removeLocked(found)
	m.insertLocked(found, &Record{
		IP: found, ClientID: clientID, Subnet: subnet, ExpiresAt: expires,
		State: state, Revision: old.Revision + 1, UpdatedAt: now,
	})
	return found, nil
}

// InsertMaxInRange implements Store.
func (m *MemoryStore) InsertMaxInRange(rng Range, subnet, clientID string, expires time.Time, state State) (net.IP, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var max net.IP
	m.tree.DescendRange(ipItem{key: append(append([]byte(nil), ipKey(rng.End)...), 0xff)}, ipItem{key: decIP(rng.Start)}, func(it btree.Item) bool {
		rec := it.(ipItem).rec
		if excluded(rng, rec.IP) {
			return true
		}
		max = rec.IP
		return false
	})

	var next net.IP
	if max == nil {
		next = rng.Start
	} else {
		var err error
		next, err = nextInRange(max, rng)
		if err != nil {
			return nil, err
		}
	}
	for next != nil && bytesWithinInclusive(next, rng.End) {
		if excluded(rng, next) {
			next = incIP(next)
			continue
		}
		if _, ok := m.byIP[next.String()]; !ok {
			m.insertLocked(next, &Record{
				IP: next, ClientID: clientID, Subnet: subnet, ExpiresAt: expires,
				State: state, Revision: 1, UpdatedAt: time.Now(),
			})
			return next, nil
		}
		next = incIP(next)
	}
	return nil, ErrRangeExhausted
}

// ReleaseIP implements Store.
func (m *MemoryStore) ReleaseIP(ip net.IP, clientID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byIP[ip.String()]
	if !ok || rec.ClientID != clientID {
		return Record{}, ErrNotFound
	}
	old := *rec
	m.removeLocked(ip)
	return old, nil
}

// UpdateIP implements Store.
func (m *MemoryStore) UpdateIP(ip net.IP, state State, clientID string, expires time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subnet := ""
	rev := uint64(1)
	if old, ok := m.byIP[ip.String()]; ok {
		subnet = old.Subnet
		rev = old.Revision + 1
		m.removeLocked(ip)
	}
	m.insertLocked(ip, &Record{
		IP: ip, ClientID: clientID, Subnet: subnet, ExpiresAt: expires,
		State: state, Revision: rev, UpdatedAt: time.Now(),
	})
	return nil
}

// Count implements Store.
func (m *MemoryStore) Count(state State) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for _, rec := range m.byIP {
		if rec.State == state && !rec.Expired(now) {
			n++
		}
	}
	return n, nil
}

func excluded(rng Range, ip net.IP) bool {
	for _, e := range rng.Exclusions {
		if e.Equal(ip) {
			return true
		}
	}
	return false
}

func bytesWithinInclusive(ip, end net.IP) bool {
	return bytes.Compare(ipKey(ip), ipKey(end)) <= 0
}

func decIP(ip net.IP) []byte {
	out := append([]byte(nil), ipKey(ip)...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0 {
			out[i]--
			break
		}
		out[i] = 0xff
	}
	return out
}

func incIP(ip net.IP) net.IP {
	out := append(net.IP(nil), ip...)
	for i := len(out) - 1; i >= 0; i-- {
		out[i]++
		if out[i] != 0 {
			break
		}
	}
	return out
}

func nextInRange(after net.IP, rng Range) (net.IP, error) {
	next := incIP(after)
	if !bytesWithinInclusive(next, rng.End) {
		return nil, ErrRangeExhausted
	}
	return next, nil
}
