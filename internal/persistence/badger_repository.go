package persistence

import (
	"errors"

	"github.com/dgraph-io/badger/v3"
)

// badgerRepository is the BadgerDB implementation of the StateRepository.
// Keys look like bot/<id>/<document>.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is noisy; errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func botPrefix(botID string) []byte {
	return []byte("bot/" + botID + "/")
}

func documentKey(botID string, doc Document) []byte {
	return append(botPrefix(botID), doc...)
}

// Set replaces the document in a single transaction.
func (r *badgerRepository) Set(botID string, doc Document, data []byte) error {
	if err := validBotID(botID); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(documentKey(botID, doc), data)
	})
}

// Get loads a document. A missing key returns (nil, nil).
func (r *badgerRepository) Get(botID string, doc Document) ([]byte, error) {
	var data []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(documentKey(botID, doc))
		if err != nil {
			// checked outside the transaction
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Delete drops every key under the bot prefix.
func (r *badgerRepository) Delete(botID string) error {
	if err := validBotID(botID); err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = botPrefix(botID)
		it := txn.NewIterator(opts)
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
