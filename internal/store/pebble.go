package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"venue-connector/internal/core"
	"venue-connector/internal/logger"
)

const (
	orderKeyPrefix = "o:"
	fillKeyPrefix  = "f:"
)

// PebbleStore keeps one key per order (o:<client id>) and one per journaled fill (f:<fill id>).
type PebbleStore struct {
	db  *pebble.DB
	log logrus.FieldLogger
}

var _ OrderStore = (*PebbleStore)(nil)

func OpenPebble(path string, log logrus.FieldLogger) (*PebbleStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, &core.ConfigurationError{Field: "state.dir", Reason: "required"}
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", path, err)
	}
	return &PebbleStore{db: db, log: logger.WithComponent(log, "store")}, nil
}

func orderKey(clientOrderID string) []byte {
	return []byte(orderKeyPrefix + clientOrderID)
}

func fillKey(fillID string) []byte {
	return []byte(fillKeyPrefix + fillID)
}

// prefixUpperBound returns the smallest key greater than every key with the prefix.
func prefixUpperBound(prefix string) []byte {
	end := []byte(prefix)
	end[len(end)-1]++
	return end
}

// SaveOrders replaces the persisted order table in one batch.
func (s *PebbleStore) SaveOrders(orders map[string]core.Order) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(orderKeyPrefix),
		UpperBound: prefixUpperBound(orderKeyPrefix),
	})
	if err != nil {
		return err
	}
	for iter.First(); iter.Valid(); iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), orderKeyPrefix)
		if _, ok := orders[id]; ok {
			continue
		}
		if err := batch.Delete(orderKey(id), nil); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for id, o := range orders {
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode order %s: %w", id, err)
		}
		if err := batch.Set(orderKey(id), data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) LoadOrders() (map[string]core.Order, bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(orderKeyPrefix),
		UpperBound: prefixUpperBound(orderKeyPrefix),
	})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	orders := make(map[string]core.Order)
	for iter.First(); iter.Valid(); iter.Next() {
		id := strings.TrimPrefix(string(iter.Key()), orderKeyPrefix)
		var o core.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			s.log.WithFields(logrus.Fields{
				"event":           "stored_order_undecodable",
				"client_order_id": id,
			}).WithError(err).Warn("skipping undecodable stored order")
			continue
		}
		if o.ClientOrderID == "" {
			o.ClientOrderID = id
		}
		orders[id] = o
	}
	if err := iter.Error(); err != nil {
		return nil, false, err
	}
	if len(orders) == 0 {
		return nil, false, nil
	}
	return orders, true, nil
}

func (s *PebbleStore) AppendFill(fill core.Fill) error {
	id := strings.TrimSpace(fill.FillID)
	if id == "" {
		return errors.New("fill id required")
	}
	_, closer, err := s.db.Get(fillKey(id))
	if err == nil {
		return closer.Close()
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}
	if fill.Time.IsZero() {
		fill.Time = time.Now().UTC()
	}
	data, err := json.Marshal(fill)
	if err != nil {
		return err
	}
	return s.db.Set(fillKey(id), data, pebble.Sync)
}

// Fills returns every journaled fill.
func (s *PebbleStore) Fills() ([]core.Fill, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(fillKeyPrefix),
		UpperBound: prefixUpperBound(fillKeyPrefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var fills []core.Fill
	for iter.First(); iter.Valid(); iter.Next() {
		var f core.Fill
		if err := json.Unmarshal(iter.Value(), &f); err != nil {
			continue
		}
		fills = append(fills, f)
	}
	return fills, iter.Error()
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
