// Package snapshot persists the replica to disk so a restarting node can
// warm-start from its last known state instead of pulling everything from
// its peers.
//
// Snapshots are an optimisation only. Every loaded entry goes through the
// store's merge rule, so a stale snapshot can never override fresher state
// learned from a peer.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/ugorji/go/codec"
	"go.uber.org/zap"

	"github.com/meridianrt/meridian/pkg/log"
	"github.com/meridianrt/meridian/server/kvstore"
)

// Snapshotter periodically writes the replica to a bolt database, one
// bucket per area.
type Snapshotter struct {
	store *kvstore.Store

	conf Config

	db *bolt.DB

	logger log.Logger
}

func NewSnapshotter(
	store *kvstore.Store,
	conf Config,
	logger log.Logger,
) (*Snapshotter, error) {
	db, err := bolt.Open(conf.Path, 0600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open: %s: %w", conf.Path, err)
	}

	return &Snapshotter{
		store:  store,
		conf:   conf,
		db:     db,
		logger: logger.WithSubsystem("snapshot"),
	}, nil
}

// Load merges the persisted entries into the store.
func (s *Snapshotter) Load() error {
	var loaded int
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			areaID := string(name)
			return bucket.ForEach(func(k, v []byte) error {
				var value kvstore.Value
				decoder := codec.NewDecoderBytes(v, &codec.MsgpackHandle{})
				if err := decoder.Decode(&value); err != nil {
					// Skip undecodable entries rather than refusing to
					// start. A peer full sync recovers anything lost.
					s.logger.Warn(
						"failed to decode snapshot entry",
						zap.String("area", areaID),
						zap.String("key", string(k)),
						zap.Error(err),
					)
					return nil
				}
				if err := value.Verify(); err != nil {
					s.logger.Warn(
						"invalid snapshot entry",
						zap.String("area", areaID),
						zap.String("key", string(k)),
						zap.Error(err),
					)
					return nil
				}

				s.store.Merge(areaID, string(k), value, "")
				loaded++
				return nil
			})
		})
	})
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	s.logger.Info("loaded snapshot", zap.Int("entries", loaded))
	return nil
}

// Run writes snapshots at the configured interval until the context is
// cancelled, then writes a final snapshot.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.conf.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Write(); err != nil {
				s.logger.Error("failed to write snapshot", zap.Error(err))
			}
		case <-ctx.Done():
			if err := s.Write(); err != nil {
				s.logger.Error("failed to write final snapshot", zap.Error(err))
			}
			return nil
		}
	}
}

// Write persists the current replica.
func (s *Snapshotter) Write() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, areaID := range s.store.Areas() {
			// Recreate the bucket so purged keys don't linger.
			if tx.Bucket([]byte(areaID)) != nil {
				if err := tx.DeleteBucket([]byte(areaID)); err != nil {
					return fmt.Errorf("delete bucket: %s: %w", areaID, err)
				}
			}
			bucket, err := tx.CreateBucket([]byte(areaID))
			if err != nil {
				return fmt.Errorf("create bucket: %s: %w", areaID, err)
			}

			for _, kv := range s.store.Dump(areaID, "") {
				var buf []byte
				encoder := codec.NewEncoderBytes(&buf, &codec.MsgpackHandle{})
				if err := encoder.Encode(kv.Value); err != nil {
					return fmt.Errorf("encode: %s: %w", kv.Key, err)
				}
				if err := bucket.Put([]byte(kv.Key), buf); err != nil {
					return fmt.Errorf("put: %s: %w", kv.Key, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (s *Snapshotter) Close() error {
	return s.db.Close()
}
