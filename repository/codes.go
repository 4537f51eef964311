package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/goliatone/go-linking"
	"github.com/uptrace/bun"
)

// CodeStore implements linking.CodeStore on a shared SQL table so several
// processes can coordinate pairing and device login. Claim is a single
// conditional UPDATE, which keeps it atomic across connections.
type CodeStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ linking.CodeStore = (*CodeStore)(nil)

// CodeStoreOption customizes a CodeStore.
type CodeStoreOption func(*CodeStore)

// WithCodeStoreClock injects a custom clock (useful for tests).
func WithCodeStoreClock(now func() time.Time) CodeStoreOption {
	return func(s *CodeStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewCodeStore creates a new store.
func NewCodeStore(db *bun.DB, opts ...CodeStoreOption) *CodeStore {
	s := &CodeStore{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *CodeStore) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixNano()
}

// Put implements linking.CodeStore.
func (s *CodeStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	model := &CodeModel{Key: key, Value: string(value), ExpiresAt: s.deadline(ttl)}
	_, err := s.db.NewInsert().
		Model(model).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("expires_at = EXCLUDED.expires_at").
		Set("claimed_at = NULL").
		Exec(ctx)
	return err
}

// PutIfAbsent implements linking.CodeStore. An expired row counts as absent.
func (s *CodeStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO ephemeral_codes (key, value, expires_at, claimed_at) VALUES (?, ?, ?, NULL)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, claimed_at = NULL
WHERE ephemeral_codes.expires_at <> 0 AND ephemeral_codes.expires_at <= ?`,
		key, string(value), s.deadline(ttl), s.now().UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get implements linking.CodeStore.
func (s *CodeStore) Get(ctx context.Context, key string) (linking.CodeEntry, bool, error) {
	var model CodeModel
	err := s.db.NewSelect().
		Model(&model).
		Where("key = ?", key).
		Where("expires_at = 0 OR expires_at > ?", s.now().UnixNano()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return linking.CodeEntry{}, false, nil
		}
		return linking.CodeEntry{}, false, err
	}

	entry := linking.CodeEntry{Value: []byte(model.Value)}
	if model.ExpiresAt != 0 {
		entry.ExpiresAt = time.Unix(0, model.ExpiresAt)
	}
	if model.ClaimedAt != nil {
		claimed := time.Unix(0, *model.ClaimedAt)
		entry.ClaimedAt = &claimed
	}
	return entry, true, nil
}

// Claim implements linking.CodeStore.
func (s *CodeStore) Claim(ctx context.Context, key string) ([]byte, bool, error) {
	now := s.now().UnixNano()
	var values []string
	err := s.db.NewRaw(
		"UPDATE ephemeral_codes SET claimed_at = ? WHERE key = ? AND claimed_at IS NULL AND (expires_at = 0 OR expires_at > ?) RETURNING value",
		now, key, now,
	).Scan(ctx, &values)
	if err != nil && !isNoRows(err) {
		return nil, false, err
	}
	if len(values) == 0 {
		return nil, false, nil
	}
	return []byte(values[0]), true, nil
}

// Delete implements linking.CodeStore.
func (s *CodeStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.db.NewDelete().
		Model((*CodeModel)(nil)).
		Where("key IN (?)", bun.In(keys)).
		Exec(ctx)
	return err
}

// Sweep removes expired rows and returns how many were deleted.
func (s *CodeStore) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*CodeModel)(nil)).
		Where("expires_at <> 0 AND expires_at <= ?", s.now().UnixNano()).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
