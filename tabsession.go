package chatsync

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPresenceHeartbeat = 30 * time.Second
	DefaultPresenceStaleAge  = 120 * time.Second

	sessionKeyPrefix = "session_"
	sessionTabIDKey  = "tabId"
	tabIDSuffixLen   = 11
)

var (
	errMissingStore = errors.New("shared store is required")
	noOpLogger      = zap.NewNop()
)

// TabIdentity identifies one running client instance.
type TabIdentity struct {
	TabID      string
	SessionKey string
	CreatedAt  time.Time
}

// TabPresenceRecord is one entry of the live-tab registry.
type TabPresenceRecord struct {
	TabID     string `json:"tabId"`
	Timestamp int64  `json:"timestamp"`
	UserAgent string `json:"userAgent"`
}

// TabSessionConfig configures a TabSession.
type TabSessionConfig struct {
	Store             SharedStore
	UserAgent         string
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func (c *TabSessionConfig) defaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultPresenceHeartbeat
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultPresenceStaleAge
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = noOpLogger
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
}

// TabSession gives one client instance a stable identity, a private
// credential namespace and a heartbeat in the shared presence registry.
// Primary-tab status is advisory and may change between calls.
type TabSession struct {
	identity TabIdentity
	config   TabSessionConfig
	store    SharedStore
	clock    func() time.Time
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	stopCh  chan struct{}
	unsub   func()
	wg      sync.WaitGroup
}

// NewTabSession creates a session with a fresh tab id. Call Start to announce
// it to other instances.
func NewTabSession(cfg TabSessionConfig) (*TabSession, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	cfg.defaults()

	now := cfg.Clock()
	tabID, err := newTabID(now)
	if err != nil {
		return nil, err
	}
	return &TabSession{
		identity: TabIdentity{
			TabID:      tabID,
			SessionKey: sessionKeyPrefix + tabID,
			CreatedAt:  now,
		},
		config: cfg,
		store:  cfg.Store,
		clock:  cfg.Clock,
		logger: cfg.Logger.With(zap.String("tab_id", tabID)),
		stopCh: make(chan struct{}),
	}, nil
}

// newTabID returns "<unix-ms>_<base36 suffix>".
func newTabID(now time.Time) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(36), big.NewInt(tabIDSuffixLen), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate tab id: %w", err)
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + n.Text(36), nil
}

func (t *TabSession) TabID() string { return t.identity.TabID }

func (t *TabSession) SessionKey() string { return t.identity.SessionKey }

func (t *TabSession) Identity() TabIdentity { return t.identity }

// Start records the session marker, publishes presence immediately and keeps
// it fresh until Close. It is a no-op after the first call.
func (t *TabSession) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	if err := t.store.SetSessionValue(ctx, t.identity.SessionKey, sessionTabIDKey, t.identity.TabID); err != nil {
		return fmt.Errorf("store tab id: %w", err)
	}
	if err := t.Heartbeat(ctx); err != nil {
		return err
	}

	changes, unsub, err := t.store.Subscribe(context.Background())
	if err != nil {
		t.logger.Warn("presence change listener unavailable", zap.Error(err))
	} else {
		t.mu.Lock()
		t.unsub = unsub
		t.mu.Unlock()
		t.wg.Add(1)
		go t.watchLoop(changes)
	}

	t.wg.Add(1)
	go t.heartbeatLoop()
	return nil
}

// Heartbeat writes or refreshes this tab's presence record.
func (t *TabSession) Heartbeat(ctx context.Context) error {
	record := TabPresenceRecord{
		TabID:     t.identity.TabID,
		Timestamp: t.clock().UnixMilli(),
		UserAgent: t.config.UserAgent,
	}
	_, err := t.store.UpdatePresence(ctx, func(records []TabPresenceRecord) []TabPresenceRecord {
		for i := range records {
			if records[i].TabID == record.TabID {
				records[i] = record
				return records
			}
		}
		return append(records, record)
	})
	if err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

// ActiveTabs returns the live presence records. Records whose heartbeat is at
// least StaleAfter old are removed from the store and omitted.
func (t *TabSession) ActiveTabs(ctx context.Context) ([]TabPresenceRecord, error) {
	now := t.clock().UnixMilli()
	staleMs := t.config.StaleAfter.Milliseconds()

	var pruned int
	live, err := t.store.UpdatePresence(ctx, func(records []TabPresenceRecord) []TabPresenceRecord {
		kept := records[:0]
		for _, r := range records {
			if now-r.Timestamp >= staleMs {
				pruned++
				continue
			}
			kept = append(kept, r)
		}
		return kept
	})
	if err != nil {
		return nil, fmt.Errorf("read presence: %w", err)
	}
	if pruned > 0 {
		t.logger.Debug("pruned stale tabs", zap.Int("count", pruned))
	}
	out := make([]TabPresenceRecord, len(live))
	copy(out, live)
	return out, nil
}

// IsPrimaryTab reports whether this tab has the earliest live heartbeat. With
// no live records the tab is trivially primary.
func (t *TabSession) IsPrimaryTab(ctx context.Context) (bool, error) {
	tabs, err := t.ActiveTabs(ctx)
	if err != nil {
		return false, err
	}
	if len(tabs) == 0 {
		return true, nil
	}
	sort.SliceStable(tabs, func(i, j int) bool {
		if tabs[i].Timestamp != tabs[j].Timestamp {
			return tabs[i].Timestamp < tabs[j].Timestamp
		}
		return tabs[i].TabID < tabs[j].TabID
	})
	return tabs[0].TabID == t.identity.TabID, nil
}

// Close stops the heartbeat and removes this tab's presence record and
// session marker. Cleanup is best-effort; readers prune anything it misses.
func (t *TabSession) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stopCh)
	unsub := t.unsub
	t.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	t.wg.Wait()

	var errs []error
	_, err := t.store.UpdatePresence(ctx, func(records []TabPresenceRecord) []TabPresenceRecord {
		kept := records[:0]
		for _, r := range records {
			if r.TabID != t.identity.TabID {
				kept = append(kept, r)
			}
		}
		return kept
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("remove presence: %w", err))
	}
	if err := t.store.DeleteSessionValue(ctx, t.identity.SessionKey, sessionTabIDKey); err != nil {
		errs = append(errs, fmt.Errorf("remove tab id: %w", err))
	}
	if len(errs) > 0 {
		t.logger.Warn("tab cleanup incomplete", zap.Error(errors.Join(errs...)))
	}
	return errors.Join(errs...)
}

func (t *TabSession) heartbeatLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if err := t.Heartbeat(context.Background()); err != nil {
				t.logger.Warn("presence heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (t *TabSession) watchLoop(changes <-chan StoreChange) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stopCh:
			return
		case change := <-changes:
			if change.Key != PresenceKey && change.Key != "" {
				continue
			}
			records, err := DecodePresence(change.Value)
			if change.Value == "" {
				records, err = t.store.Presence(context.Background())
			}
			if err != nil {
				t.logger.Debug("unreadable presence change", zap.Error(err))
				continue
			}
			for _, r := range records {
				if r.TabID != t.identity.TabID {
					t.logger.Debug("tab is active", zap.String("peer_tab_id", r.TabID))
				}
			}
		}
	}
}
