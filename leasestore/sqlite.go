package leasestore

import (
	"database/sql"
	"fmt"
	"math/big"
	"net"
	"time"

	// registers the "sqlite3" driver
	_ "github.com/mattn/go-sqlite3"

	"github.com/coredhcp/clusterdhcp/logger"
)

var log = logger.GetLogger("leasestore")

// SQLiteStore is the durable Store variant backed by a single SQLite
// database file. ip is stored as an integer (32-bit for v4, 128-bit for
// v6, represented here as the decimal string of a big.Int since SQLite
// integers are 64-bit); state is the pair of booleans (leased, probated),
// defaulting to (false,false) meaning Reserved; a row is implicitly
// Expired once expires_at <= now rather than carrying a fourth boolean.
// Grounded on a dqlite-backed allocator for the shape of the
// transactional critical sections.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) the lease database at path
// and ensures its schema exists. The connection pool is capped at one
// writer: SQLite itself serializes writers at the database level, so one
// connection is both necessary and sufficient.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("leasestore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS leases (
	ip         TEXT NOT NULL PRIMARY KEY,
	client_id  TEXT NOT NULL,
	subnet     TEXT NOT NULL,
	expires_at INTEGER NOT NULL,
	leased     INTEGER NOT NULL DEFAULT 0,
	probated   INTEGER NOT NULL DEFAULT 0,
	revision   INTEGER NOT NULL DEFAULT 1,
	server_id  TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS leases_client_idx ON leases(subnet, client_id);
`
	_, err := s.db.Exec(schema)
	if err == nil {
		log.Debug("leases table ready")
	}
	return err
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func ipToKey(ip net.IP) string {
	b := ip.To4()
	if b == nil {
		b = ip.To16()
	}
	return new(big.Int).SetBytes(b).String()
}

func keyToIP(key string, v6 bool) net.IP {
	n, ok := new(big.Int).SetString(key, 10)
	if !ok {
		return nil
	}
	b := n.Bytes()
	if v6 {
		out := make([]byte, 16)
		copy(out[16-len(b):], b)
		return net.IP(out)
	}
	out := make([]byte, 4)
	copy(out[4-len(b):], b)
	return net.IP(out)
}

func stateToBools(s State) (leased, probated bool) {
	switch s {
	case Leased:
		return true, false
	case Probated:
		return false, true
	default:
		return false, false
	}
}

func boolsToState(leased, probated bool) State {
	switch {
	case probated:
		return Probated
	case leased:
		return Leased
	default:
		return Reserved
	}
}

func scanRecord(ip string, clientID, subnet string, expiresUnix int64, leased, probated bool, revision int64, serverID string, updatedUnix int64, v6 bool) Record {
	return Record{
		IP:        keyToIP(ip, v6),
		ClientID:  clientID,
		Subnet:    subnet,
		ExpiresAt: time.Unix(expiresUnix, 0),
		State:     boolsToState(leased, probated),
		Revision:  uint64(revision),
		ServerID:  serverID,
		UpdatedAt: time.Unix(updatedUnix, 0),
	}
}

func isV6(ip net.IP) bool { return ip.To4() == nil }

// Insert implements Store.
func (s *SQLiteStore) Insert(ip net.IP, subnet, clientID string, expires time.Time, state State) error {
	leased, probated := stateToBools(state)
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO leases(ip, client_id, subnet, expires_at, leased, probated, revision, updated_at) VALUES (?,?,?,?,?,?,1,?)`,
		ipToKey(ip), clientID, subnet, expires.Unix(), leased, probated, now.Unix(),
	)
	if err != nil {
		return ErrAddrInUse
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ip net.IP) (Record, error) {
	row := s.db.QueryRow(`SELECT ip, client_id, subnet, expires_at, leased, probated, revision, server_id, updated_at FROM leases WHERE ip = ?`, ipToKey(ip))
	var (
		ipKey                    string
		clientID, subnet, srv    string
		expiresAt, updatedAt     int64
		leased, probated         bool
		revision                 int64
	)
	if err := row.Scan(&ipKey, &clientID, &subnet, &expiresAt, &leased, &probated, &revision, &srv, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return scanRecord(ipKey, clientID, subnet, expiresAt, leased, probated, revision, srv, updatedAt, isV6(ip)), nil
}

// GetByClientID implements Store.
func (s *SQLiteStore) GetByClientID(subnet, clientID string) (net.IP, error) {
	row := s.db.QueryRow(`SELECT ip FROM leases WHERE subnet = ? AND client_id = ? AND expires_at > ? LIMIT 1`, subnet, clientID, time.Now().Unix())
	var ipKey string
	if err := row.Scan(&ipKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return keyToIP(ipKey, false), nil
}

// UpdateExpired implements Store.
func (s *SQLiteStore) UpdateExpired(ip net.IP, state State, clientID string, expires time.Time) (bool, error) {
	leased, probated := stateToBools(state)
	res, err := s.db.Exec(
		`UPDATE leases SET client_id = ?, expires_at = ?, leased = ?, probated = ?, revision = revision + 1, updated_at = ?
		 WHERE ip = ? AND (client_id = ? OR expires_at < ?)`,
		clientID, expires.Unix(), leased, probated, time.Now().Unix(),
		ipToKey(ip), clientID, time.Now().Unix(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateUnexpired implements Store.
func (s *SQLiteStore) UpdateUnexpired(ip net.IP, state State, clientID string, expires time.Time, newClientID string) (net.IP, error) {
	leased, probated := stateToBools(state)
	id := clientID
	if newClientID != "" {
		id = newClientID
	}
	res, err := s.db.Exec(
		`UPDATE leases SET client_id = ?, expires_at = ?, leased = ?, probated = ?, revision = revision + 1, updated_at = ?
		 WHERE ip = ? AND client_id = ? AND expires_at > ?`,
		id, expires.Unix(), leased, probated, time.Now().Unix(),
		ipToKey(ip), clientID, time.Now().Unix(),
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return ip, nil
}

// NextExpired implements Store. It runs inside an explicit transaction
//.
func (s *SQLiteStore) NextExpired(rng Range, subnet, clientID string, expires time.Time, state State) (net.IP, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT ip FROM leases WHERE ip >= ? AND ip <= ? AND (expires_at < ? OR client_id = ?) ORDER BY CAST(ip AS INTEGER) ASC`,
		ipToKey(rng.Start), ipToKey(rng.End), time.Now().Unix(), clientID,
	)
	if err != nil {
		return nil, err
	}
	var candidate string
	for rows.Next() {
		var ipKey string
		if err := rows.Scan(&ipKey); err != nil {
			rows.Close()
			return nil, err
		}
		if excludedKey(rng, ipKey) {
			continue
		}
		candidate = ipKey
		break
	}
	rows.Close()
	if candidate == "" {
		return nil, ErrRangeExhausted
	}

	leased, probated := stateToBools(state)
	if _, err := tx.Exec(
		`UPDATE leases SET client_id = ?, expires_at = ?, leased = ?, probated = ?, revision = revision + 1, updated_at = ? WHERE ip = ?`,
		clientID, expires.Unix(), leased, probated, time.Now().Unix(), candidate,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keyToIP(candidate, isV6(rng.Start)), nil
}

func excludedKey(rng Range, ipKey string) bool {
	for _, e := range rng.Exclusions {
		if ipToKey(e) == ipKey {
			return true
		}
	}
	return false
}

// InsertMaxInRange implements Store, running the find-max + insert inside a
// single transaction so a concurrent insert of the same candidate is
// detected as a UNIQUE constraint violation and the transaction rolled back.
// The conflict is returned as ErrRangeExhausted; ReserveFirst does not retry
// it.
func (s *SQLiteStore) InsertMaxInRange(rng Range, subnet, clientID string, expires time.Time, state State) (net.IP, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT ip FROM leases WHERE ip >= ? AND ip <= ? ORDER BY CAST(ip AS INTEGER) DESC LIMIT 1`,
		ipToKey(rng.Start), ipToKey(rng.End),
	)
	var maxKey string
	err = row.Scan(&maxKey)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	var next net.IP
	if err == sql.ErrNoRows {
		next = rng.Start
	} else {
		next = incIP(keyToIP(maxKey, isV6(rng.Start)))
	}
	for next != nil && bytesWithinInclusive(next, rng.End) {
		if excluded(rng, next) {
			next = incIP(next)
			continue
		}
		leased, probated := stateToBools(state)
		_, err := tx.Exec(
			`INSERT INTO leases(ip, client_id, subnet, expires_at, leased, probated, revision, updated_at) VALUES (?,?,?,?,?,?,1,?)`,
			ipToKey(next), clientID, subnet, expires.Unix(), leased, probated, time.Now().Unix(),
		)
		if err != nil {
			// candidate already taken concurrently: abandon this attempt;
			// the caller sees ErrRangeExhausted and does not retry.
			return nil, ErrRangeExhausted
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return next, nil
	}
	return nil, ErrRangeExhausted
}

// ReleaseIP implements Store.
func (s *SQLiteStore) ReleaseIP(ip net.IP, clientID string) (Record, error) {
	rec, err := s.Get(ip)
	if err != nil {
		return Record{}, err
	}
	if rec.ClientID != clientID {
		return Record{}, ErrNotFound
	}
	res, err := s.db.Exec(`DELETE FROM leases WHERE ip = ? AND client_id = ?`, ipToKey(ip), clientID)
	if err != nil {
		return Record{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// UpdateIP implements Store.
func (s *SQLiteStore) UpdateIP(ip net.IP, state State, clientID string, expires time.Time) error {
	leased, probated := stateToBools(state)
	_, err := s.db.Exec(
		`INSERT INTO leases(ip, client_id, subnet, expires_at, leased, probated, revision, updated_at) VALUES (?,?,'',?,?,?,1,?)
		 ON CONFLICT(ip) DO UPDATE SET client_id = excluded.client_id, expires_at = excluded.expires_at,
		 leased = excluded.leased, probated = excluded.probated, revision = leases.revision + 1, updated_at = excluded.updated_at`,
		ipToKey(ip), clientID, expires.Unix(), leased, probated, time.Now().Unix(),
	)
	return err
}

// Count implements Store.
func (s *SQLiteStore) Count(state State) (int, error) {
	leased, probated := stateToBools(state)
	row := s.db.QueryRow(`SELECT COUNT(*) FROM leases WHERE leased = ? AND probated = ? AND expires_at > ?`, leased, probated, time.Now().Unix())
	var n int
	err := row.Scan(&n)
	return n, err
}
