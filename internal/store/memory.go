package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"botctl/internal/core"
)

func timeFromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// MemoryStore implements core.Persistence in memory, for tests.
type MemoryStore struct {
	mu sync.RWMutex

	bots       map[int64]core.Bot
	nextBotID  int64
	records    map[int64]core.TradeRecord
	nextRecord int64
	fills      map[string]core.Fill
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:    make(map[int64]core.Bot),
		records: make(map[int64]core.TradeRecord),
		fills:   make(map[string]core.Fill),
	}
}

// CreateBot implements core.Persistence.
func (s *MemoryStore) CreateBot(ctx context.Context, bot core.Bot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bot.ID == 0 {
		s.nextBotID++
		bot.ID = s.nextBotID
	} else if bot.ID > s.nextBotID {
		s.nextBotID = bot.ID
	}
	s.bots[bot.ID] = bot
	return bot.ID, nil
}

// GetBot implements core.Persistence.
func (s *MemoryStore) GetBot(ctx context.Context, id int64) (core.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bot, ok := s.bots[id]
	if !ok {
		return core.Bot{}, fmt.Errorf("bot %d: %w", id, sql.ErrNoRows)
	}
	return bot, nil
}

// ListBots implements core.Persistence.
func (s *MemoryStore) ListBots(ctx context.Context) ([]core.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bots := make([]core.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		bots = append(bots, b)
	}
	return bots, nil
}

// UpdateBotStatus implements core.Persistence.
func (s *MemoryStore) UpdateBotStatus(ctx context.Context, id int64, status core.BotStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[id]
	if !ok {
		return fmt.Errorf("bot %d: %w", id, sql.ErrNoRows)
	}
	bot.Status = status
	s.bots[id] = bot
	return nil
}

// UpdateBotConfig implements core.Persistence.
func (s *MemoryStore) UpdateBotConfig(ctx context.Context, id int64, signal core.SignalConfig, envelope core.TradeEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bot, ok := s.bots[id]
	if !ok {
		return fmt.Errorf("bot %d: %w", id, sql.ErrNoRows)
	}
	bot.Signal = signal
	bot.Envelope = envelope
	s.bots[id] = bot
	return nil
}

// CreateTradeRecord implements core.Persistence.
func (s *MemoryStore) CreateTradeRecord(ctx context.Context, rec core.TradeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextRecord++
	rec.ID = s.nextRecord
	s.records[rec.ID] = rec
	return rec.ID, nil
}

// TransitionTradeRecord implements core.Persistence.
func (s *MemoryStore) TransitionTradeRecord(ctx context.Context, id int64, from, to core.TradeStatus, filledAt int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.Status != from {
		return false, nil
	}
	rec.Status = to
	rec.FailureReason = reason
	if filledAt != 0 {
		rec.FilledAt = timeFromUnixNano(filledAt)
	}
	s.records[id] = rec
	return true, nil
}

// GetTradeRecord implements core.Persistence.
func (s *MemoryStore) GetTradeRecord(ctx context.Context, id int64) (core.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return core.TradeRecord{}, fmt.Errorf("trade record %d: %w", id, sql.ErrNoRows)
	}
	return rec, nil
}

// ListTradeRecordsByBot implements core.Persistence.
func (s *MemoryStore) ListTradeRecordsByBot(ctx context.Context, botID int64) ([]core.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.TradeRecord
	for _, rec := range s.records {
		if rec.BotID == botID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// ListTradeRecordsByStatus implements core.Persistence.
func (s *MemoryStore) ListTradeRecordsByStatus(ctx context.Context, status core.TradeStatus) ([]core.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.TradeRecord
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SetTradeRecordStuck implements core.Persistence.
func (s *MemoryStore) SetTradeRecordStuck(ctx context.Context, id int64, level core.StuckLevel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("trade record %d: %w", id, sql.ErrNoRows)
	}
	rec.Stuck = level
	s.records[id] = rec
	return nil
}

// UpsertFill implements core.Persistence.
func (s *MemoryStore) UpsertFill(ctx context.Context, fill core.Fill) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.fills[fill.FillID]; exists {
		return false, nil
	}
	s.fills[fill.FillID] = fill
	return true, nil
}

// ListFillsByPair implements core.Persistence.
func (s *MemoryStore) ListFillsByPair(ctx context.Context, pair string) ([]core.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Fill
	for _, f := range s.fills {
		if f.Pair == pair {
			out = append(out, f)
		}
	}
	// Map iteration order is random; the PnL calculator relies on FIFO fill
	// order, so always return fills oldest-first with fill_id as a tiebreak.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.Before(out[j].ExecutedAt)
		}
		return out[i].FillID < out[j].FillID
	})
	return out, nil
}

var _ core.Persistence = (*MemoryStore)(nil)
