package storage

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	bolt "go.etcd.io/bbolt"

	"nusd/native/cdp"
	"nusd/native/collateral"
	nativecommon "nusd/native/common"
	"nusd/native/stability"
)

var (
	bucketCollateral  = []byte("collateral")
	bucketCdps        = []byte("cdps")
	bucketPrivileged  = []byte("privileged")
	bucketHistories   = []byte("rate_histories")
	bucketRedemptions = []byte("redemptions")
	bucketMarked      = []byte("marked")
	bucketQuotas      = []byte("quotas")
	bucketPools       = []byte("pools")
)

var buckets = [][]byte{
	bucketCollateral,
	bucketCdps,
	bucketPrivileged,
	bucketHistories,
	bucketRedemptions,
	bucketMarked,
	bucketQuotas,
	bucketPools,
}

// Store persists the protocol state in a single bbolt file. It satisfies the
// persistence interfaces of the collateral registry, the position ledger and
// the stability pool engine.
//
// The store is not safe for concurrent use while RunAtomic is active; callers
// serialize access the same way they serialize engine mutations.
type Store struct {
	db *bolt.DB
	tx *bolt.Tx
}

// Open initialises the database at path, creating the file and the required
// buckets when absent.
func Open(path string, opts *bolt.Options) (*Store, error) {
	if opts == nil {
		opts = &bolt.Options{Timeout: time.Second}
	}
	db, err := bolt.Open(path, 0o600, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunAtomic runs fn inside a single write transaction. Every store access fn
// performs, directly or through the engines, joins that transaction, so an
// error from fn rolls all of its writes back together.
func (s *Store) RunAtomic(fn func() error) error {
	if s.tx != nil {
		return fn()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		s.tx = tx
		defer func() { s.tx = nil }()
		return fn()
	})
}

func (s *Store) view(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.View(fn)
}

func (s *Store) update(fn func(tx *bolt.Tx) error) error {
	if s.tx != nil {
		return fn(s.tx)
	}
	return s.db.Update(fn)
}

func (s *Store) get(bucket, key []byte, out interface{}) (bool, error) {
	var found bool
	err := s.view(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucket).Get(key)
		if raw == nil {
			return nil
		}
		found = true
		return rlp.DecodeBytes(raw, out)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func (s *Store) put(bucket, key []byte, record interface{}) error {
	encoded, err := rlp.EncodeToBytes(record)
	if err != nil {
		return fmt.Errorf("storage: encode record: %w", err)
	}
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, encoded)
	})
}

func (s *Store) listKeys(bucket []byte) ([]string, error) {
	var keys []string
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func cdpKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// GetCollateral loads a collateral type definition, returning nil when the
// symbol is unknown.
func (s *Store) GetCollateral(symbol string) (*collateral.Type, error) {
	var stored storedCollateralType
	found, err := s.get(bucketCollateral, []byte(symbol), &stored)
	if err != nil || !found {
		return nil, err
	}
	return fromStoredCollateralType(&stored)
}

// PutCollateral writes a collateral type definition.
func (s *Store) PutCollateral(symbol string, record *collateral.Type) error {
	return s.put(bucketCollateral, []byte(symbol), toStoredCollateralType(record))
}

// ListCollateral returns the registered collateral symbols.
func (s *Store) ListCollateral() ([]string, error) {
	return s.listKeys(bucketCollateral)
}

// GetCdp loads a position by identifier, returning nil when absent.
func (s *Store) GetCdp(id uint64) (*cdp.Cdp, error) {
	var stored storedCdp
	found, err := s.get(bucketCdps, cdpKey(id), &stored)
	if err != nil || !found {
		return nil, err
	}
	return fromStoredCdp(&stored)
}

// PutCdp writes a position record keyed by its identifier.
func (s *Store) PutCdp(record *cdp.Cdp) error {
	return s.put(bucketCdps, cdpKey(record.ID), toStoredCdp(record))
}

// NextCdpID allocates the next monotonically increasing position identifier.
func (s *Store) NextCdpID() (uint64, error) {
	var next uint64
	err := s.update(func(tx *bolt.Tx) error {
		seq, err := tx.Bucket(bucketCdps).NextSequence()
		if err != nil {
			return err
		}
		next = seq
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("storage: allocate position id: %w", err)
	}
	return next, nil
}

// ListCdps returns every position backed by the given collateral type in
// ascending identifier order.
func (s *Store) ListCdps(symbol string) ([]*cdp.Cdp, error) {
	var records []*cdp.Cdp
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCdps).ForEach(func(_, raw []byte) error {
			var stored storedCdp
			if err := rlp.DecodeBytes(raw, &stored); err != nil {
				return err
			}
			if stored.CollateralType != symbol {
				return nil
			}
			record, err := fromStoredCdp(&stored)
			if err != nil {
				return err
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// GetPrivileged loads a privileged borrower record, returning nil when absent.
func (s *Store) GetPrivileged(id string) (*cdp.PrivilegedBorrower, error) {
	var stored storedPrivileged
	found, err := s.get(bucketPrivileged, []byte(id), &stored)
	if err != nil || !found {
		return nil, err
	}
	return fromStoredPrivileged(&stored)
}

// PutPrivileged writes a privileged borrower record.
func (s *Store) PutPrivileged(record *cdp.PrivilegedBorrower) error {
	return s.put(bucketPrivileged, []byte(record.ID), toStoredPrivileged(record))
}

// GetRateHistory loads the recorded sweep rates for a collateral type.
func (s *Store) GetRateHistory(symbol string) (*cdp.RateHistory, error) {
	var stored storedRateHistory
	found, err := s.get(bucketHistories, []byte(symbol), &stored)
	if err != nil || !found {
		return nil, err
	}
	return fromStoredRateHistory(&stored)
}

// PutRateHistory writes the recorded sweep rates for a collateral type.
func (s *Store) PutRateHistory(symbol string, history *cdp.RateHistory) error {
	return s.put(bucketHistories, []byte(symbol), toStoredRateHistory(history))
}

// GetRedemptionState loads the redemption fee state for a collateral type.
func (s *Store) GetRedemptionState(symbol string) (*cdp.RedemptionState, error) {
	var stored storedRedemptionState
	found, err := s.get(bucketRedemptions, []byte(symbol), &stored)
	if err != nil || !found {
		return nil, err
	}
	return fromStoredRedemptionState(&stored)
}

// PutRedemptionState writes the redemption fee state for a collateral type.
func (s *Store) PutRedemptionState(symbol string, st *cdp.RedemptionState) error {
	return s.put(bucketRedemptions, []byte(symbol), toStoredRedemptionState(st))
}

// GetMarked loads the identifiers of positions inside their notice period.
func (s *Store) GetMarked(symbol string) ([]uint64, error) {
	var ids []uint64
	found, err := s.get(bucketMarked, []byte(symbol), &ids)
	if err != nil || !found {
		return nil, err
	}
	return ids, nil
}

// PutMarked writes the identifiers of positions inside their notice period.
func (s *Store) PutMarked(symbol string, ids []uint64) error {
	if ids == nil {
		ids = []uint64{}
	}
	return s.put(bucketMarked, []byte(symbol), ids)
}

// GetQuota loads the current mint quota counters for a collateral type.
func (s *Store) GetQuota(symbol string) (nativecommon.QuotaNow, error) {
	var stored storedQuota
	found, err := s.get(bucketQuotas, []byte(symbol), &stored)
	if err != nil || !found {
		return nativecommon.QuotaNow{}, err
	}
	return nativecommon.QuotaNow{ReqCount: stored.ReqCount, Minted: stored.Minted, EpochID: stored.EpochID}, nil
}

// PutQuota writes the current mint quota counters for a collateral type.
func (s *Store) PutQuota(symbol string, usage nativecommon.QuotaNow) error {
	stored := storedQuota{ReqCount: usage.ReqCount, Minted: usage.Minted, EpochID: usage.EpochID}
	return s.put(bucketQuotas, []byte(symbol), &stored)
}

// GetPool loads a stability pool record, returning nil when absent.
func (s *Store) GetPool(symbol string) (*stability.Pool, error) {
	var stored storedPool
	found, err := s.get(bucketPools, []byte(symbol), &stored)
	if err != nil || !found {
		return nil, err
	}
	return fromStoredPool(&stored)
}

// PutPool writes a stability pool record.
func (s *Store) PutPool(symbol string, pool *stability.Pool) error {
	return s.put(bucketPools, []byte(symbol), toStoredPool(pool))
}

// ListPools returns the collateral symbols with a configured stability pool.
func (s *Store) ListPools() ([]string, error) {
	return s.listKeys(bucketPools)
}
