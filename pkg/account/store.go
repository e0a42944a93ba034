package account

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Store is the pebble persistence layer behind Manager. All access is
// serialized by Manager's mutex; Store itself holds no locks.
type Store struct {
	db *pebble.DB
}

// storedUser is the on-disk shape of a User. The API-facing struct strips
// the password hash from JSON, but persistence must keep it or nobody can
// sign in after a restart.
type storedUser struct {
	User
	PasswordHash string `json:"passwordHash"`
}

func marshalUser(u *User) ([]byte, error) {
	return json.Marshal(storedUser{User: *u, PasswordHash: u.PasswordHash})
}

func unmarshalUser(data []byte) (*User, error) {
	var su storedUser
	if err := json.Unmarshal(data, &su); err != nil {
		return nil, err
	}
	u := su.User
	u.PasswordHash = su.PasswordHash
	return &u, nil
}

// NewStore opens a pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                 pebble.NewCache(64 << 20),
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 2,
		MaxOpenFiles:          1000,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveUser persists a user plus its username index entry.
func (s *Store) SaveUser(u *User) error {
	data, err := marshalUser(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Set(userKey(u.ID), data, nil); err != nil {
		return err
	}
	if err := b.Set(usernameKey(u.Username), []byte(fmt.Sprintf("%d", u.ID)), nil); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

// LoadUsers loads every user. Used once at startup to warm the cache.
func (s *Store) LoadUsers() ([]*User, error) {
	prefix := []byte(prefixUser)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	defer iter.Close()

	var users []*User
	for iter.First(); iter.Valid(); iter.Next() {
		u, err := unmarshalUser(iter.Value())
		if err != nil {
			continue // skip invalid entries
		}
		users = append(users, u)
	}
	return users, nil
}

// SavePosition persists a position.
func (s *Store) SavePosition(p *Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	if err := s.db.Set(positionKey(p.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// SavePositionNoSync persists a position without an fsync. Mark-to-market
// rewrites every open position once per tick; losing the latest mark on
// crash is acceptable since the next tick recomputes it.
func (s *Store) SavePositionNoSync(p *Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	if err := s.db.Set(positionKey(p.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// LoadPositions loads every position (open and terminal).
func (s *Store) LoadPositions() ([]*Position, error) {
	prefix := []byte(prefixPosition)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	defer iter.Close()

	var positions []*Position
	for iter.First(); iter.Valid(); iter.Next() {
		var p Position
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			continue
		}
		positions = append(positions, &p)
	}
	return positions, nil
}

// SaveLiquidation appends a liquidation event.
func (s *Store) SaveLiquidation(ev LiquidationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal liquidation: %w", err)
	}
	key := liquidationKey(ev.Timestamp.UnixNano(), ev.PositionID)
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("save liquidation: %w", err)
	}
	return nil
}

// LoadLiquidations loads the liquidation log in time order.
func (s *Store) LoadLiquidations() ([]LiquidationEvent, error) {
	prefix := []byte(prefixLiq)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate liquidations: %w", err)
	}
	defer iter.Close()

	var events []LiquidationEvent
	for iter.First(); iter.Valid(); iter.Next() {
		var ev LiquidationEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// NextUserID reads the persisted id counter, or 0 when unset.
func (s *Store) NextUserID() (uint64, error) {
	data, closer, err := s.db.Get([]byte(keyNextUserID))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get next user id: %w", err)
	}
	defer closer.Close()

	var id uint64
	if _, err := fmt.Sscanf(string(data), "%d", &id); err != nil {
		return 0, fmt.Errorf("parse next user id: %w", err)
	}
	return id, nil
}

// SaveNextUserID persists the id counter.
func (s *Store) SaveNextUserID(id uint64) error {
	return s.db.Set([]byte(keyNextUserID), []byte(fmt.Sprintf("%d", id)), pebble.Sync)
}

// Batch groups writes that must land atomically, e.g. the margin reservation
// and position insert of an order fill.
type Batch struct {
	batch *pebble.Batch
}

// NewBatch creates a batch writer.
func (s *Store) NewBatch() *Batch {
	return &Batch{batch: s.db.NewBatch()}
}

// SaveUser adds a user save (without the username index) to the batch.
func (b *Batch) SaveUser(u *User) error {
	data, err := marshalUser(u)
	if err != nil {
		return err
	}
	return b.batch.Set(userKey(u.ID), data, nil)
}

// SavePosition adds a position save to the batch.
func (b *Batch) SavePosition(p *Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return b.batch.Set(positionKey(p.ID), data, nil)
}

// SaveLiquidation adds a liquidation event to the batch.
func (b *Batch) SaveLiquidation(ev LiquidationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.batch.Set(liquidationKey(ev.Timestamp.UnixNano(), ev.PositionID), data, nil)
}

// Commit writes the batch atomically.
func (b *Batch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *Batch) Close() error {
	return b.batch.Close()
}
