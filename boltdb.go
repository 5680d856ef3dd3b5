package main

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var (
	playersBucket = []byte("players")
	gamesBucket   = []byte("games")
)

// boltdb keys players by external id and games by big-endian sequence number.
// bolt allows a single writer at a time, which serializes recordGame.
type boltdb struct {
	db *bolt.DB
}

func NewBoltDB(filename string) (DB, error) {
	db, err := bolt.Open(filename, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open %s", filename)
	}

	b := &boltdb{db: db}
	if err := b.createTables(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return b, nil
}

func (b *boltdb) Close() error {
	return errors.Wrap(b.db.Close(), "unable to close database")
}

func (b *boltdb) createTables(ctx context.Context) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{playersBucket, gamesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "unable to create bucket %s", name)
			}
		}
		return nil
	})

	return errors.Wrap(err, "unable to create buckets")
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func getBoltPlayer(tx *bolt.Tx, externalID string) (*player, error) {
	v := tx.Bucket(playersBucket).Get([]byte(externalID))
	if v == nil {
		return nil, errors.Wrap(errNotFound{}, "unable to get player")
	}

	var p player
	if err := json.Unmarshal(v, &p); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal player")
	}

	return &p, nil
}

func putBoltPlayer(tx *bolt.Tx, p player) error {
	data, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "unable to marshal player into json")
	}

	return errors.Wrap(tx.Bucket(playersBucket).Put([]byte(p.ExternalID), data), "error putting player")
}

func putBoltGame(tx *bolt.Tx, g game) error {
	data, err := json.Marshal(g)
	if err != nil {
		return errors.Wrap(err, "unable to marshal game into json")
	}

	return errors.Wrap(tx.Bucket(gamesBucket).Put(itob(g.ID), data), "error putting game")
}

func (b *boltdb) insertPlayer(ctx context.Context, p player) (*player, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		bucket := tx.Bucket(playersBucket)
		if bucket.Get([]byte(p.ExternalID)) != nil {
			return errAlreadyRegistered{externalID: p.ExternalID}
		}

		id, err := bucket.NextSequence()
		if err != nil {
			return errors.Wrap(err, "unable to get next player id")
		}
		p.ID = int64(id)

		return putBoltPlayer(tx, p)
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to insert player")
	}

	return &p, nil
}

func (b *boltdb) getPlayer(ctx context.Context, externalID string) (*player, error) {
	var p *player
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = getBoltPlayer(tx, externalID)
		return err
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

func (b *boltdb) getLeaderboard(ctx context.Context, limit int) ([]player, error) {
	l, err := b.getPlayers(ctx)
	if err != nil {
		return nil, err
	}

	sort.Sort(players(l))
	if len(l) > limit {
		l = l[:limit]
	}

	return l, nil
}

func (b *boltdb) recordGame(ctx context.Context, externalID1, externalID2 string, o outcome) (*player, *player, error) {
	var p1, p2 *player
	err := b.db.Update(func(tx *bolt.Tx) error {
		var err error
		p1, p2, err = lookupPair(externalID1, externalID2, func(id string) (*player, error) {
			return getBoltPlayer(tx, id)
		})
		if err != nil {
			return err
		}

		if p1.ID == p2.ID {
			return errSameParticipant{}
		}

		p1.Rating, p2.Rating = update(p1.Rating, p2.Rating, o)
		for _, p := range []*player{p1, p2} {
			if err := putBoltPlayer(tx, *p); err != nil {
				return err
			}
		}

		id, err := tx.Bucket(gamesBucket).NextSequence()
		if err != nil {
			return errors.Wrap(err, "unable to get next game id")
		}

		err = putBoltGame(tx, game{
			ID:         int64(id),
			Player1ID:  p1.ID,
			Player2ID:  p2.ID,
			Outcome:    o,
			RecordedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		// last chance to abandon before bolt commits
		return ctx.Err()
	})
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to record game")
	}

	return p1, p2, nil
}

func (b *boltdb) getPlayers(ctx context.Context) ([]player, error) {
	l := make([]player, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(playersBucket).ForEach(func(k, v []byte) error {
			var p player
			if err := json.Unmarshal(v, &p); err != nil {
				return errors.Wrap(err, "unable to unmarshal player")
			}
			l = append(l, p)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to get players")
	}

	sort.Slice(l, func(i, j int) bool { return l[i].ID < l[j].ID })
	return l, nil
}

func (b *boltdb) getGames(ctx context.Context) ([]game, error) {
	l := make([]game, 0)
	err := b.db.View(func(tx *bolt.Tx) error {
		// keys are big-endian ids so the cursor already walks them in order
		return tx.Bucket(gamesBucket).ForEach(func(k, v []byte) error {
			var g game
			if err := json.Unmarshal(v, &g); err != nil {
				return errors.Wrap(err, "unable to unmarshal game")
			}
			l = append(l, g)
			return nil
		})
	})

	return l, errors.Wrap(err, "unable to get games")
}

func (b *boltdb) importData(ctx context.Context, p []player, g []game) error {
	tx, err := b.db.Begin(true)
	if err != nil {
		return errors.Wrap(err, "unable to begin transaction")
	}
	defer tx.Rollback()

	var maxPlayer, maxGame int64
	for _, u := range p {
		if tx.Bucket(playersBucket).Get([]byte(u.ExternalID)) != nil {
			return errors.Wrap(errAlreadyRegistered{externalID: u.ExternalID}, "unable to import player")
		}
		if err := putBoltPlayer(tx, u); err != nil {
			return err
		}
		if u.ID > maxPlayer {
			maxPlayer = u.ID
		}
	}

	for _, r := range g {
		if tx.Bucket(gamesBucket).Get(itob(r.ID)) != nil {
			return errors.Errorf("game %d already exists", r.ID)
		}
		if err := putBoltGame(tx, r); err != nil {
			return err
		}
		if r.ID > maxGame {
			maxGame = r.ID
		}
	}

	if err := bumpSequence(tx.Bucket(playersBucket), maxPlayer); err != nil {
		return err
	}
	if err := bumpSequence(tx.Bucket(gamesBucket), maxGame); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	return errors.Wrap(tx.Commit(), "unable to commit transaction")
}

func bumpSequence(bucket *bolt.Bucket, atLeast int64) error {
	if uint64(atLeast) <= bucket.Sequence() {
		return nil
	}

	return errors.Wrap(bucket.SetSequence(uint64(atLeast)), "unable to set sequence")
}
