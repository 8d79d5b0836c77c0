// Package kvdb implements state.Store on an embedded tm-db key-value database.
package kvdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/limit-order-bot/withdraw-agent/internal/state"
	tmdb "github.com/tendermint/tm-db"
)

var ErrInvalidConfig = errors.New("state/kvdb: invalid config")

var (
	configKey     = []byte("cfg")
	attemptPrefix = []byte("wt/")

	// Outbox entries live at ob/<seq> so iteration yields insertion order; obi/<id> maps
	// an instruction id to its entry key.
	outboxSeqKey      = []byte("obseq")
	outboxPrefix      = []byte("ob/")
	outboxPrefixEnd   = []byte("ob0")
	outboxIndexPrefix = []byte("obi/")
)

type configRecord struct {
	Owner        string `json:"owner"`
	JobID        string `json:"jobId"`
	RetryDelayNS int64  `json:"retryDelayNs"`
}

type pendingRecord struct {
	ID        []byte `json:"id"`
	JobID     string `json:"jobId"`
	Payload   []byte `json:"payload"`
	CreatedNS int64  `json:"createdNs"`
}

type Store struct {
	db tmdb.DB

	// Serializes read-modify-write on the config key and the outbox sequence.
	mu sync.Mutex
}

func New(db tmdb.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil db", ErrInvalidConfig)
	}
	return &Store{db: db}, nil
}

// Open opens (or creates) a goleveldb-backed database named name under dir.
func Open(name, dir string) (*Store, error) {
	db, err := tmdb.NewDB(name, tmdb.GoLevelDBBackend, dir)
	if err != nil {
		return nil, fmt.Errorf("state/kvdb: open %s: %w", name, err)
	}
	return New(db)
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetConfig(_ context.Context) (state.Config, error) {
	if s == nil || s.db == nil {
		return state.Config{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	return s.readConfig()
}

func (s *Store) InitConfig(_ context.Context, cfg state.Config) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(configKey)
	if err != nil {
		return fmt.Errorf("state/kvdb: has config: %w", err)
	}
	if ok {
		return state.ErrAlreadyInitialized
	}
	return s.writeConfig(cfg)
}

func (s *Store) UpdateConfig(_ context.Context, cfg state.Config) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.db.Has(configKey)
	if err != nil {
		return fmt.Errorf("state/kvdb: has config: %w", err)
	}
	if !ok {
		return state.ErrNotFound
	}
	return s.writeConfig(cfg)
}

func (s *Store) LastAttempt(_ context.Context, depositID uint32) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	v, err := s.db.Get(attemptKey(depositID))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("state/kvdb: get attempt %d: %w", depositID, err)
	}
	if v == nil {
		return time.Time{}, false, nil
	}
	if len(v) != 8 {
		return time.Time{}, false, fmt.Errorf("state/kvdb: attempt %d: bad value length %d", depositID, len(v))
	}
	ns := int64(binary.BigEndian.Uint64(v))
	return time.Unix(0, ns).UTC(), true, nil
}

func (s *Store) RecordAttempts(_ context.Context, attempts []state.Attempt) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if len(attempts) == 0 {
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()

	for _, a := range attempts {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(a.At.UnixNano()))
		if err := b.Set(attemptKey(a.DepositID), v[:]); err != nil {
			return fmt.Errorf("state/kvdb: batch set %d: %w", a.DepositID, err)
		}
	}
	if err := b.WriteSync(); err != nil {
		return fmt.Errorf("state/kvdb: write batch: %w", err)
	}
	return nil
}

func (s *Store) CommitWithdraw(_ context.Context, attempts []state.Attempt, p state.Pending) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := p.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	for _, a := range attempts {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(a.At.UnixNano()))
		if err := b.Set(attemptKey(a.DepositID), v[:]); err != nil {
			return fmt.Errorf("state/kvdb: batch set %d: %w", a.DepositID, err)
		}
	}

	idxKey := outboxIndexKey(p.ID)
	exists, err := s.db.Has(idxKey)
	if err != nil {
		return fmt.Errorf("state/kvdb: has pending: %w", err)
	}
	if !exists {
		seq, err := s.nextOutboxSeq()
		if err != nil {
			return err
		}
		v, err := json.Marshal(pendingRecord{
			ID:        p.ID[:],
			JobID:     p.JobID,
			Payload:   p.Payload,
			CreatedNS: p.CreatedAt.UnixNano(),
		})
		if err != nil {
			return fmt.Errorf("state/kvdb: encode pending: %w", err)
		}
		entry := outboxKey(seq)
		var seqVal [8]byte
		binary.BigEndian.PutUint64(seqVal[:], seq)
		for _, kv := range [][2][]byte{{entry, v}, {idxKey, entry}, {outboxSeqKey, seqVal[:]}} {
			if err := b.Set(kv[0], kv[1]); err != nil {
				return fmt.Errorf("state/kvdb: batch set pending: %w", err)
			}
		}
	}

	if err := b.WriteSync(); err != nil {
		return fmt.Errorf("state/kvdb: write batch: %w", err)
	}
	return nil
}

func (s *Store) ListPending(_ context.Context, limit int) ([]state.Pending, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", state.ErrInvalidConfig)
	}

	it, err := s.db.Iterator(outboxPrefix, outboxPrefixEnd)
	if err != nil {
		return nil, fmt.Errorf("state/kvdb: outbox iterator: %w", err)
	}
	defer it.Close()

	var out []state.Pending
	for ; it.Valid() && len(out) < limit; it.Next() {
		var rec pendingRecord
		if err := json.Unmarshal(it.Value(), &rec); err != nil {
			return nil, fmt.Errorf("state/kvdb: decode pending: %w", err)
		}
		if len(rec.ID) != 32 {
			return nil, fmt.Errorf("state/kvdb: pending id has %d bytes", len(rec.ID))
		}
		p := state.Pending{
			JobID:     rec.JobID,
			Payload:   rec.Payload,
			CreatedAt: time.Unix(0, rec.CreatedNS).UTC(),
		}
		copy(p.ID[:], rec.ID)
		out = append(out, p)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("state/kvdb: outbox iterator: %w", err)
	}
	return out, nil
}

func (s *Store) DeletePending(_ context.Context, id [32]byte) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idxKey := outboxIndexKey(id)
	entry, err := s.db.Get(idxKey)
	if err != nil {
		return fmt.Errorf("state/kvdb: get pending index: %w", err)
	}
	if entry == nil {
		return nil
	}

	b := s.db.NewBatch()
	defer b.Close()
	if err := b.Delete(entry); err != nil {
		return fmt.Errorf("state/kvdb: batch delete pending: %w", err)
	}
	if err := b.Delete(idxKey); err != nil {
		return fmt.Errorf("state/kvdb: batch delete pending index: %w", err)
	}
	if err := b.WriteSync(); err != nil {
		return fmt.Errorf("state/kvdb: write batch: %w", err)
	}
	return nil
}

// nextOutboxSeq must be called with s.mu held.
func (s *Store) nextOutboxSeq() (uint64, error) {
	v, err := s.db.Get(outboxSeqKey)
	if err != nil {
		return 0, fmt.Errorf("state/kvdb: get outbox seq: %w", err)
	}
	if v == nil {
		return 1, nil
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("state/kvdb: outbox seq: bad value length %d", len(v))
	}
	return binary.BigEndian.Uint64(v) + 1, nil
}

func (s *Store) readConfig() (state.Config, error) {
	v, err := s.db.Get(configKey)
	if err != nil {
		return state.Config{}, fmt.Errorf("state/kvdb: get config: %w", err)
	}
	if v == nil {
		return state.Config{}, state.ErrNotFound
	}
	var rec configRecord
	if err := json.Unmarshal(v, &rec); err != nil {
		return state.Config{}, fmt.Errorf("state/kvdb: decode config: %w", err)
	}
	return state.Config{
		Owner:      rec.Owner,
		JobID:      rec.JobID,
		RetryDelay: time.Duration(rec.RetryDelayNS),
	}, nil
}

func (s *Store) writeConfig(cfg state.Config) error {
	v, err := json.Marshal(configRecord{
		Owner:        cfg.Owner,
		JobID:        cfg.JobID,
		RetryDelayNS: int64(cfg.RetryDelay),
	})
	if err != nil {
		return fmt.Errorf("state/kvdb: encode config: %w", err)
	}
	if err := s.db.SetSync(configKey, v); err != nil {
		return fmt.Errorf("state/kvdb: put config: %w", err)
	}
	return nil
}

func attemptKey(depositID uint32) []byte {
	k := make([]byte, len(attemptPrefix)+4)
	copy(k, attemptPrefix)
	binary.BigEndian.PutUint32(k[len(attemptPrefix):], depositID)
	return k
}

func outboxKey(seq uint64) []byte {
	k := make([]byte, len(outboxPrefix)+8)
	copy(k, outboxPrefix)
	binary.BigEndian.PutUint64(k[len(outboxPrefix):], seq)
	return k
}

func outboxIndexKey(id [32]byte) []byte {
	k := make([]byte, 0, len(outboxIndexPrefix)+len(id))
	k = append(k, outboxIndexPrefix...)
	return append(k, id[:]...)
}
