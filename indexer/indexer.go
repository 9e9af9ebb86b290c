// Package indexer maintains a secondary index over committed registration
// events so RPC queries can list who registered at a height without
// scanning the state path tree.
package indexer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/ainblock/ainchain/core"
	"github.com/ainblock/ainchain/events"
	"github.com/ainblock/ainchain/storage"
)

const prefixHeightRegistrants = "idx:height:registrants:"

// Indexer subscribes to chain events and updates secondary lookup tables.
type Indexer struct {
	db      storage.DB
	emitter *events.Emitter
}

// New creates an Indexer backed by db and subscribes to relevant events.
func New(db storage.DB, emitter *events.Emitter) *Indexer {
	idx := &Indexer{db: db, emitter: emitter}
	emitter.Subscribe(events.EventRegistrationEmitted, idx.onRegistrationEmitted)
	return idx
}

// GetRegistrantsAtHeight returns every address that registered for the
// given height, in the order their registrations were observed.
func (idx *Indexer) GetRegistrantsAtHeight(number int64) ([]string, error) {
	return idx.getList(prefixHeightRegistrants + strconv.FormatInt(number, 10))
}

func (idx *Indexer) onRegistrationEmitted(ev events.Event) {
	address, _ := ev.Data["address"].(string)
	if address == "" {
		return
	}
	key := prefixHeightRegistrants + strconv.FormatInt(ev.BlockHeight, 10)
	if err := idx.addToList(key, address); err != nil {
		log.Printf("[indexer] registration index write failed (height=%d address=%s): %v", ev.BlockHeight, address, err)
	}
}

// ---- list helpers ----

func (idx *Indexer) getList(key string) ([]string, error) {
	data, err := idx.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, nil // empty list
		}
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("indexer unmarshal: %w", err)
	}
	return ids, nil
}

func (idx *Indexer) addToList(key, value string) error {
	ids, err := idx.getList(key)
	if err != nil {
		return fmt.Errorf("read list: %w", err)
	}
	for _, id := range ids {
		if id == value {
			return nil // already present
		}
	}
	ids = append(ids, value)
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return idx.db.Set([]byte(key), data)
}
