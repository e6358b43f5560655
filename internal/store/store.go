package store

import (
	"bufio"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"venue-connector/internal/core"
	"venue-connector/internal/logger"
)

// OrderStore persists the tracked order table and the fill journal.
type OrderStore interface {
	SaveOrders(orders map[string]core.Order) error
	// LoadOrders reports ok=false when nothing was saved yet.
	LoadOrders() (map[string]core.Order, bool, error)
	// AppendFill journals a fill once per fill id.
	AppendFill(fill core.Fill) error
	Close() error
}

type RuntimeStatus struct {
	Venue             string     `json:"venue"`
	Tier              string     `json:"tier,omitempty"`
	InstanceID        string     `json:"instance_id"`
	PID               int        `json:"pid"`
	State             string     `json:"state"`
	StartedAt         time.Time  `json:"started_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	LastError         string     `json:"last_error,omitempty"`
	ReconnectAttempts int        `json:"reconnect_attempts,omitempty"`
	DisconnectedAt    *time.Time `json:"disconnected_at,omitempty"`
	ActiveOrders      int        `json:"active_orders"`
	LostOrders        int        `json:"lost_orders,omitempty"`
	UnmatchedUpdates  int        `json:"unmatched_updates,omitempty"`
	LastBalanceAt     *time.Time `json:"last_balance_at,omitempty"`
	ClockOffsetMillis int64      `json:"clock_offset_ms"`
}

type fillIndexEntry struct {
	FillID string    `json:"fill_id"`
	SeenAt time.Time `json:"seen_at"`
}

const (
	fillIndexMaxEntries    = 10000
	fillIndexTrimToEntries = 8000
)

// FileStore keeps state as JSON files under one directory.
type FileStore struct {
	root string
	log  logrus.FieldLogger

	mu               sync.Mutex
	fillIndexLoaded  bool
	fillIndex        map[string]struct{}
	fillIndexEntries []fillIndexEntry
}

var _ OrderStore = (*FileStore)(nil)

func New(root string, log logrus.FieldLogger) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, &core.ConfigurationError{Field: "state.dir", Reason: "required"}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: root, log: logger.WithComponent(log, "store")}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) SaveOrders(orders map[string]core.Order) error {
	if orders == nil {
		orders = make(map[string]core.Order)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.ordersPath(), orders, s.log)
}

func (s *FileStore) LoadOrders() (map[string]core.Order, bool, error) {
	data, err := os.ReadFile(s.ordersPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	orders, err := decodeOrders(data)
	if err != nil {
		return nil, false, err
	}
	return orders, true, nil
}

func (s *FileStore) SaveRuntimeStatus(status RuntimeStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSONAtomic(s.runtimeStatusPath(), status, s.log)
}

func (s *FileStore) LoadRuntimeStatus() (RuntimeStatus, bool, error) {
	data, err := os.ReadFile(s.runtimeStatusPath())
	if err != nil {
		if os.IsNotExist(err) {
			return RuntimeStatus{}, false, nil
		}
		return RuntimeStatus{}, false, err
	}
	var status RuntimeStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return RuntimeStatus{}, false, err
	}
	return status, true, nil
}

// AppendFill writes the fill to fills/YYYY-MM-DD.jsonl unless its id was journaled before.
func (s *FileStore) AppendFill(fill core.Fill) error {
	id := strings.TrimSpace(fill.FillID)
	if id == "" {
		return errors.New("fill id required")
	}
	if fill.Time.IsZero() {
		fill.Time = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadFillIndexLocked(); err != nil {
		return err
	}
	if _, ok := s.fillIndex[id]; ok {
		return nil
	}

	dir := filepath.Join(s.root, "fills")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, fill.Time.UTC().Format("2006-01-02")+".jsonl")
	data, err := json.Marshal(fill)
	if err != nil {
		return err
	}
	if err := appendLine(path, data); err != nil {
		return err
	}
	return s.recordFillLocked(id, time.Now().UTC())
}

// HasFill reports whether the fill id is in the journal index.
func (s *FileStore) HasFill(fillID string) (bool, error) {
	fillID = strings.TrimSpace(fillID)
	if fillID == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadFillIndexLocked(); err != nil {
		return false, err
	}
	_, ok := s.fillIndex[fillID]
	return ok, nil
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) recordFillLocked(id string, seenAt time.Time) error {
	entry := fillIndexEntry{FillID: id, SeenAt: seenAt.UTC()}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := appendLine(s.fillIndexPath(), line); err != nil {
		return err
	}
	s.fillIndex[id] = struct{}{}
	s.fillIndexEntries = append(s.fillIndexEntries, entry)
	if len(s.fillIndexEntries) > fillIndexMaxEntries {
		return s.trimFillIndexLocked()
	}
	return nil
}

func (s *FileStore) trimFillIndexLocked() error {
	if len(s.fillIndexEntries) <= fillIndexMaxEntries {
		return nil
	}
	keep := fillIndexTrimToEntries
	if keep > len(s.fillIndexEntries) {
		keep = len(s.fillIndexEntries)
	}
	kept := append([]fillIndexEntry(nil), s.fillIndexEntries[len(s.fillIndexEntries)-keep:]...)
	if err := writeJSONLinesAtomic(s.fillIndexPath(), kept, s.log); err != nil {
		return err
	}
	s.fillIndexEntries = kept
	s.fillIndex = make(map[string]struct{}, len(kept))
	for _, entry := range kept {
		s.fillIndex[entry.FillID] = struct{}{}
	}
	s.log.WithFields(logrus.Fields{
		"event": "fill_index_trimmed",
		"kept":  len(kept),
	}).Debug("fill index trimmed")
	return nil
}

func (s *FileStore) loadFillIndexLocked() error {
	if s.fillIndexLoaded {
		return nil
	}
	s.fillIndex = make(map[string]struct{})
	s.fillIndexEntries = make([]fillIndexEntry, 0)
	f, err := os.Open(s.fillIndexPath())
	if err != nil {
		if os.IsNotExist(err) {
			s.fillIndexLoaded = true
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	loadedAt := time.Now().UTC()
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry fillIndexEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		entry.FillID = strings.TrimSpace(entry.FillID)
		if entry.FillID == "" {
			continue
		}
		if _, ok := s.fillIndex[entry.FillID]; ok {
			continue
		}
		if entry.SeenAt.IsZero() {
			entry.SeenAt = loadedAt
		}
		s.fillIndex[entry.FillID] = struct{}{}
		s.fillIndexEntries = append(s.fillIndexEntries, entry)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := s.trimFillIndexLocked(); err != nil {
		return err
	}
	s.fillIndexLoaded = true
	return nil
}

func (s *FileStore) ordersPath() string {
	return filepath.Join(s.root, "orders.json")
}

func (s *FileStore) runtimeStatusPath() string {
	return filepath.Join(s.root, "runtime_status.json")
}

func (s *FileStore) fillIndexPath() string {
	return filepath.Join(s.root, "fill_index.jsonl")
}

func decodeOrders(data []byte) (map[string]core.Order, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("orders snapshot is empty")
	}
	var orders map[string]core.Order
	if err := json.Unmarshal(trimmed, &orders); err != nil {
		return nil, err
	}
	if orders == nil {
		orders = make(map[string]core.Order)
	}
	for id, o := range orders {
		if o.ClientOrderID == "" {
			o.ClientOrderID = id
			orders[id] = o
		}
	}
	return orders, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

func writeJSONAtomic(path string, v any, log logrus.FieldLogger) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	return commitTemp(tmp, path, log)
}

func writeJSONLinesAtomic(path string, entries []fillIndexEntry, log logrus.FieldLogger) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	enc := json.NewEncoder(tmp)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
			return err
		}
	}
	return commitTemp(tmp, path, log)
}

func commitTemp(tmp *os.File, path string, log logrus.FieldLogger) error {
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	fsyncDirBestEffort(filepath.Dir(path), path, log)
	return nil
}

// fsyncDirBestEffort makes the rename durable where the platform allows it.
func fsyncDirBestEffort(dir, path string, log logrus.FieldLogger) {
	fields := logrus.Fields{"dir": dir, "target": path}
	d, err := os.Open(dir)
	if err != nil {
		log.WithFields(fields).WithField("event", "store_dir_fsync_skipped").WithError(err).Warn("directory fsync skipped")
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		log.WithFields(fields).WithField("event", "store_dir_fsync_failed").WithError(err).Warn("directory fsync failed")
	}
}
