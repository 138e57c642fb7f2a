package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/casualjim/fetchbroker/pkg/wire"
	"github.com/goccy/go-json"
	"go.etcd.io/bbolt"
)

var rootBucket = []byte("generations")

// boltStore keeps one nested bucket per generation under a single root bucket, so
// purging a generation is a single DeleteBucket.
type boltStore struct {
	db *bbolt.DB
}

// Bolt opens (or creates) a persistent store at path.
func Bolt(path string) (Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create root bucket: %w", err)
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(_ context.Context, generation, key string) (wire.Response, bool, error) {
	var (
		resp  wire.Response
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		gen := tx.Bucket(rootBucket).Bucket([]byte(generation))
		if gen == nil {
			return nil
		}
		data := gen.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &resp)
	})
	if err != nil {
		return wire.Response{}, false, translateBolt(err)
	}
	return resp, found, nil
}

func (s *boltStore) Put(_ context.Context, generation, key string, resp wire.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return translateBolt(s.db.Update(func(tx *bbolt.Tx) error {
		gen, err := tx.Bucket(rootBucket).CreateBucketIfNotExists([]byte(generation))
		if err != nil {
			return err
		}
		return gen.Put([]byte(key), data)
	}))
}

func (s *boltStore) Generations(context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(rootBucket).ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, translateBolt(err)
}

func (s *boltStore) Purge(_ context.Context, generation string) error {
	return translateBolt(s.db.Update(func(tx *bbolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root.Bucket([]byte(generation)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(generation))
	}))
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

func translateBolt(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
