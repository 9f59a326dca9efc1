package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xhad/dossier/internal/types"
)

// ConfirmClearAll must be passed to Clear to wipe every tier.
const ConfirmClearAll = "clear-all-cache-entries"

var ErrClearNotConfirmed = errors.New("cache clear requires explicit confirmation")

type ManagerConfig struct {
	Namespace    string
	L1MaxEntries int
	L1MaxBytes   int64
	TTL          map[Category]time.Duration
	// Shared is the L2 tier. Nil runs the manager with L1 only.
	Shared types.SharedCache
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager is the two-tier cache. Construct one per process and pass it to its users.
type Manager struct {
	config ManagerConfig
	l1     *l1
	l2     types.SharedCache
	logger *slog.Logger
	now    func() time.Time

	l1Stats counters
	l2Stats counters
}

func NewWithConfig(config ManagerConfig) (*Manager, error) {
	if config.Namespace == "" {
		config.Namespace = "dossier"
	}
	if config.L1MaxEntries == 0 {
		config.L1MaxEntries = 4096
	}
	if config.L1MaxBytes == 0 {
		config.L1MaxBytes = 64 << 20
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	ttl := make(map[Category]time.Duration, len(DefaultTTLs))
	for c, d := range DefaultTTLs {
		ttl[c] = d
	}
	for c, d := range config.TTL {
		if d > 0 {
			ttl[c] = d
		}
	}
	config.TTL = ttl

	m := &Manager{
		config: config,
		l2:     config.Shared,
		logger: config.Logger,
		now:    config.Now,
	}
	l1, err := newL1(config.L1MaxEntries, config.L1MaxBytes, func() { m.l1Stats.evictions.Add(1) })
	if err != nil {
		return nil, fmt.Errorf("failed to create l1 cache: %w", err)
	}
	m.l1 = l1
	return m, nil
}

// Key renders k under this manager's namespace.
func (m *Manager) Key(k Key) string {
	return k.render(m.config.Namespace)
}

func (m *Manager) TTL(c Category) time.Duration {
	if d, ok := m.config.TTL[c]; ok {
		return d
	}
	return 5 * time.Minute
}

// Get reads L1, then L2. An L2 hit is promoted into L1 for the rest of its lifetime.
// L2 failures are logged and reported as a miss.
func (m *Manager) Get(ctx context.Context, k Key) ([]byte, bool) {
	key := m.Key(k)
	now := m.now()

	if v, ok := m.l1.get(key, now); ok {
		m.l1Stats.hits.Add(1)
		return v, true
	}
	m.l1Stats.misses.Add(1)

	if m.l2 == nil {
		return nil, false
	}
	raw, ok, err := m.l2.Get(ctx, key)
	if err != nil {
		m.l2Stats.errors.Add(1)
		m.logger.Warn("shared cache read failed", "key", key, "error", err)
		return nil, false
	}
	if !ok {
		m.l2Stats.misses.Add(1)
		return nil, false
	}
	writtenAt, value, err := decodeEntry(raw)
	if err != nil {
		m.l2Stats.errors.Add(1)
		m.logger.Warn("discarding malformed shared cache entry", "key", key, "error", err)
		return nil, false
	}
	m.l2Stats.hits.Add(1)

	expires := writtenAt.Add(m.TTL(k.Category))
	if now.Before(expires) {
		m.l1.set(key, value, expires)
	}
	return value, true
}

// Set writes through both tiers with the category TTL.
func (m *Manager) Set(ctx context.Context, k Key, value []byte) {
	key := m.Key(k)
	now := m.now()
	ttl := m.TTL(k.Category)

	m.l1.set(key, value, now.Add(ttl))
	m.l1Stats.writes.Add(1)

	if m.l2 == nil {
		return
	}
	if err := m.l2.Set(ctx, key, encodeEntry(now, value), ttl); err != nil {
		m.l2Stats.errors.Add(1)
		m.logger.Warn("shared cache write failed", "key", key, "error", err)
		return
	}
	m.l2Stats.writes.Add(1)
}

// InvalidateKey removes one entry from both tiers.
func (m *Manager) InvalidateKey(ctx context.Context, k Key) error {
	key := m.Key(k)
	if m.l1.remove(key) {
		m.l1Stats.invalidations.Add(1)
	}
	if m.l2 == nil {
		return nil
	}
	if err := m.l2.Delete(ctx, key); err != nil {
		m.l2Stats.errors.Add(1)
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	m.l2Stats.invalidations.Add(1)
	return nil
}

// InvalidateDocument removes every key scoped to the document.
func (m *Manager) InvalidateDocument(ctx context.Context, docID string) (int, error) {
	return m.invalidatePrefix(ctx, DocumentScope(docID).prefix(m.config.Namespace))
}

// InvalidateCase removes every key scoped to the case.
func (m *Manager) InvalidateCase(ctx context.Context, caseID string) (int, error) {
	return m.invalidatePrefix(ctx, CaseScope(caseID).prefix(m.config.Namespace))
}

// Clear wipes both tiers. confirm must equal ConfirmClearAll.
func (m *Manager) Clear(ctx context.Context, confirm string) error {
	if confirm != ConfirmClearAll {
		return ErrClearNotConfirmed
	}
	m.l1.purge()
	m.l1Stats.invalidations.Add(1)
	if m.l2 == nil {
		return nil
	}
	if _, err := m.l2.DeletePrefix(ctx, m.config.Namespace+":"); err != nil {
		m.l2Stats.errors.Add(1)
		return fmt.Errorf("failed to clear shared cache: %w", err)
	}
	m.l2Stats.invalidations.Add(1)
	m.logger.Info("cache cleared", "namespace", m.config.Namespace)
	return nil
}

func (m *Manager) invalidatePrefix(ctx context.Context, prefix string) (int, error) {
	n := m.l1.removePrefix(prefix)
	m.l1Stats.invalidations.Add(int64(n))
	if m.l2 == nil {
		return n, nil
	}
	removed, err := m.l2.DeletePrefix(ctx, prefix)
	if err != nil {
		m.l2Stats.errors.Add(1)
		return n, fmt.Errorf("failed to invalidate %s*: %w", prefix, err)
	}
	m.l2Stats.invalidations.Add(int64(removed))
	return n + removed, nil
}

// Ping checks the shared tier, if any.
func (m *Manager) Ping(ctx context.Context) error {
	if m.l2 == nil {
		return nil
	}
	if err := m.l2.Ping(ctx); err != nil {
		return fmt.Errorf("%w: shared cache: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

func (m *Manager) Stats() Stats {
	entries, bytes := m.l1.size()
	return Stats{
		L1:        m.l1Stats.snapshot(),
		L2:        m.l2Stats.snapshot(),
		L1Entries: entries,
		L1Bytes:   bytes,
	}
}

// Fetch is a read-through helper: cached values are JSON decoded; on a miss compute runs
// and its result is written through both tiers.
func Fetch[T any](ctx context.Context, m *Manager, k Key, compute func(context.Context) (T, error)) (T, error) {
	if data, ok := m.Get(ctx, k); ok {
		var v T
		err := json.Unmarshal(data, &v)
		if err == nil {
			return v, nil
		}
		m.logger.Warn("discarding undecodable cache entry", "key", m.Key(k), "error", err)
	}

	v, err := compute(ctx)
	if err != nil {
		return v, err
	}
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("value not cacheable", "key", m.Key(k), "error", err)
		return v, nil
	}
	m.Set(ctx, k, data)
	return v, nil
}

// L2 values carry their write time so promotion keeps the original expiry.
func encodeEntry(writtenAt time.Time, value []byte) []byte {
	buf := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(writtenAt.UnixNano()))
	copy(buf[8:], value)
	return buf
}

func decodeEntry(raw []byte) (time.Time, []byte, error) {
	if len(raw) < 8 {
		return time.Time{}, nil, fmt.Errorf("entry too short: %d bytes", len(raw))
	}
	nanos := int64(binary.BigEndian.Uint64(raw))
	return time.Unix(0, nanos), raw[8:], nil
}
