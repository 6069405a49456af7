package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tillcraft/tillcraft/internal/pos"
)

// Redis keys backing the queue.
const (
	keyEntryPrefix = "queue:entry:"
	keyByTime      = "queue:by_time"
	keySyncIDs     = "queue:sync_ids"
	keySynced      = "queue:synced"
	keyStranded    = "queue:stranded"
)

// Entry describes the persisted metadata of one queued sale.
type Entry struct {
	LocalID       string
	SyncID        string
	Synced        bool
	AttemptCount  int
	LastAttemptAt time.Time
	CreatedAt     time.Time
}

// PendingEntry pairs queue metadata with the decrypted sale.
type PendingEntry struct {
	Entry
	Sale *pos.Sale
}

// Stats summarises queue occupancy.
type Stats struct {
	Pending  int64 `json:"pending"`
	Synced   int64 `json:"synced"`
	Stranded int64 `json:"stranded"`
}

// Store is the durable, encrypted-at-rest queue of sales awaiting upload.
// Redis executes each command atomically and pipelined mutations under
// MULTI/EXEC, which serialises concurrent updates to a single entry.
type Store struct {
	rdb    *redis.Client
	cipher *Cipher
	logger *slog.Logger
	now    func() time.Time
}

// NewStore constructs a Store.
func NewStore(rdb *redis.Client, cipher *Cipher, logger *slog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		cipher: cipher,
		logger: logger,
		now:    time.Now,
	}
}

func entryKey(localID string) string {
	return keyEntryPrefix + localID
}

// Enqueue encrypts and persists a sale that could not reach the authoritative
// store. It assigns the local id and, when absent, the sync id. Encryption and
// storage failures surface to the caller: an unrecorded sale is revenue loss.
func (s *Store) Enqueue(ctx context.Context, sale *pos.Sale) (*Entry, error) {
	if sale.SyncID == "" {
		sale.SyncID = pos.ComputeSyncID(sale)
	}
	sale.Status = pos.SaleStatusPending

	plaintext, err := json.Marshal(sale)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal sale: %w", pos.ErrEncryption, err)
	}
	ciphertext, err := s.cipher.Seal(plaintext, []byte(sale.SyncID))
	if err != nil {
		return nil, fmt.Errorf("%w: seal payload: %w", pos.ErrEncryption, err)
	}

	localID := uuid.NewString()
	createdAt := s.now()

	ok, err := s.rdb.HSetNX(ctx, keySyncIDs, sale.SyncID, localID).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: reserve sync id: %w", pos.ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: sync id %s already queued", pos.ErrDuplicateSale, sale.SyncID)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, entryKey(localID), map[string]interface{}{
			"local_id":        localID,
			"sync_id":         sale.SyncID,
			"payload":         ciphertext,
			"synced":          "0",
			"attempt_count":   0,
			"last_attempt_at": 0,
			"created_at":      createdAt.UnixNano(),
		})
		pipe.ZAdd(ctx, keyByTime, redis.Z{Score: float64(createdAt.UnixNano()), Member: localID})
		return nil
	})
	if err != nil {
		_ = s.rdb.HDel(ctx, keySyncIDs, sale.SyncID).Err()
		return nil, fmt.Errorf("%w: persist entry: %w", pos.ErrStorage, err)
	}

	return &Entry{
		LocalID:   localID,
		SyncID:    sale.SyncID,
		CreatedAt: createdAt,
	}, nil
}

// ListPending returns up to limit decrypted pending entries whose creation
// time is strictly after the cursor, ordered by creation time ascending,
// together with the cursor for the next call. Entries that fail to decrypt
// are logged, remembered as stranded and skipped; partial availability beats
// total failure.
func (s *Store) ListPending(ctx context.Context, after int64, limit int64) ([]PendingEntry, int64, error) {
	min := "-inf"
	if after > 0 {
		min = "(" + strconv.FormatInt(after, 10)
	}
	zs, err := s.rdb.ZRangeByScoreWithScores(ctx, keyByTime, &redis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: limit,
	}).Result()
	if err != nil {
		return nil, after, fmt.Errorf("%w: list pending: %w", pos.ErrStorage, err)
	}

	cursor := after
	var out []PendingEntry
	for _, z := range zs {
		cursor = int64(z.Score)
		localID, _ := z.Member.(string)

		vals, err := s.rdb.HGetAll(ctx, entryKey(localID)).Result()
		if err != nil {
			return nil, cursor, fmt.Errorf("%w: read entry %s: %w", pos.ErrStorage, localID, err)
		}
		if len(vals) == 0 || vals["synced"] == "1" {
			continue
		}

		entry := parseEntry(localID, vals)
		plaintext, err := s.cipher.Open([]byte(vals["payload"]), []byte(entry.SyncID))
		if err != nil {
			s.logger.Error("skipping undecryptable queue entry",
				slog.String("local_id", localID),
				slog.String("sync_id", entry.SyncID),
				slog.Any("error", err))
			_ = s.rdb.SAdd(ctx, keyStranded, localID).Err()
			continue
		}
		var sale pos.Sale
		if err := json.Unmarshal(plaintext, &sale); err != nil {
			s.logger.Error("skipping unreadable queue entry",
				slog.String("local_id", localID),
				slog.Any("error", err))
			_ = s.rdb.SAdd(ctx, keyStranded, localID).Err()
			continue
		}

		out = append(out, PendingEntry{Entry: entry, Sale: &sale})
	}
	return out, cursor, nil
}

// MarkSynced transitions an entry to synced. It is idempotent and refuses to
// mark an entry that belongs to a different logical sale.
func (s *Store) MarkSynced(ctx context.Context, localID, syncID string) error {
	vals, err := s.rdb.HGetAll(ctx, entryKey(localID)).Result()
	if err != nil {
		return fmt.Errorf("%w: read entry %s: %w", pos.ErrStorage, localID, err)
	}
	if len(vals) == 0 {
		return fmt.Errorf("%w: queue entry %s", pos.ErrNotFound, localID)
	}
	if vals["sync_id"] != syncID {
		return fmt.Errorf("%w: entry %s holds %s", pos.ErrSyncIDMismatch, localID, vals["sync_id"])
	}
	if vals["synced"] == "1" {
		return nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, entryKey(localID), "synced", "1")
		pipe.SAdd(ctx, keySynced, localID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: mark synced %s: %w", pos.ErrStorage, localID, err)
	}
	return nil
}

// IncrementAttempt bumps the attempt counter and last-attempt timestamp.
func (s *Store) IncrementAttempt(ctx context.Context, localID string) error {
	exists, err := s.rdb.Exists(ctx, entryKey(localID)).Result()
	if err != nil {
		return fmt.Errorf("%w: check entry %s: %w", pos.ErrStorage, localID, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: queue entry %s", pos.ErrNotFound, localID)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, entryKey(localID), "attempt_count", 1)
		pipe.HSet(ctx, entryKey(localID), "last_attempt_at", s.now().UnixNano())
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: increment attempt %s: %w", pos.ErrStorage, localID, err)
	}
	return nil
}

// PurgeOlderThan removes entries older than age regardless of sync status.
// Unsynced entries discarded here never reached the authoritative store; each
// one is logged at error level so the loss is at least observable.
func (s *Store) PurgeOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.now().Add(-age).UnixNano()
	members, err := s.rdb.ZRangeByScore(ctx, keyByTime, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: list aged entries: %w", pos.ErrStorage, err)
	}

	purged := 0
	for _, localID := range members {
		vals, err := s.rdb.HGetAll(ctx, entryKey(localID)).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: read entry %s: %w", pos.ErrStorage, localID, err)
		}
		if vals["synced"] != "1" {
			s.logger.Error("purging unsynced queue entry; sale never reached authoritative store",
				slog.String("local_id", localID),
				slog.String("sync_id", vals["sync_id"]))
		}
		if err := s.removeEntry(ctx, localID, vals["sync_id"]); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// ClearSynced removes all synced entries to bound storage growth.
func (s *Store) ClearSynced(ctx context.Context) (int, error) {
	members, err := s.rdb.SMembers(ctx, keySynced).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: list synced: %w", pos.ErrStorage, err)
	}
	cleared := 0
	for _, localID := range members {
		syncID, err := s.rdb.HGet(ctx, entryKey(localID), "sync_id").Result()
		if err != nil && err != redis.Nil {
			return cleared, fmt.Errorf("%w: read entry %s: %w", pos.ErrStorage, localID, err)
		}
		if err := s.removeEntry(ctx, localID, syncID); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

// Stats reports queue occupancy.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.rdb.ZCard(ctx, keyByTime).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: count entries: %w", pos.ErrStorage, err)
	}
	synced, err := s.rdb.SCard(ctx, keySynced).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: count synced: %w", pos.ErrStorage, err)
	}
	stranded, err := s.rdb.SCard(ctx, keyStranded).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: count stranded: %w", pos.ErrStorage, err)
	}
	return &Stats{Pending: total - synced, Synced: synced, Stranded: stranded}, nil
}

func (s *Store) removeEntry(ctx context.Context, localID, syncID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entryKey(localID))
		pipe.ZRem(ctx, keyByTime, localID)
		pipe.SRem(ctx, keySynced, localID)
		pipe.SRem(ctx, keyStranded, localID)
		if syncID != "" {
			pipe.HDel(ctx, keySyncIDs, syncID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: remove entry %s: %w", pos.ErrStorage, localID, err)
	}
	return nil
}

func parseEntry(localID string, vals map[string]string) Entry {
	entry := Entry{
		LocalID: localID,
		SyncID:  vals["sync_id"],
		Synced:  vals["synced"] == "1",
	}
	if n, err := strconv.Atoi(vals["attempt_count"]); err == nil {
		entry.AttemptCount = n
	}
	if ns, err := strconv.ParseInt(vals["last_attempt_at"], 10, 64); err == nil && ns > 0 {
		entry.LastAttemptAt = time.Unix(0, ns)
	}
	if ns, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil {
		entry.CreatedAt = time.Unix(0, ns)
	}
	return entry
}
