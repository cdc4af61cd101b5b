// Package store persists discovered contracts and their per-platform
// publish state. Every write is a keyed, conditional operation so
// re-running any phase after a crash is safe, and the daemon keeps
// operating (without persistence) when the database is unreachable
// at startup.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"bidwatch-backend/lib/platforms/bid"
	"bidwatch-backend/services/bid/store/db"
)

type Config struct {
	// sqlite file path, defaults to bidwatch.db; ignored when Url
	// is set
	File string `json:"file"`
	// optional remote libsql/turso url
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

type Store struct {
	// nil when the store is degraded to a no-op
	db *sql.DB
}

func (c Config) openDB() (*sql.DB, error) {
	if c.Url != "" {
		dsn := c.Url
		if c.AuthToken != "" {
			u, err := url.Parse(c.Url)
			if err != nil {
				return nil, err
			}
			q := u.Query()
			q.Set("authToken", c.AuthToken)
			u.RawQuery = q.Encode()
			dsn = u.String()
		}
		return sql.Open("libsql", dsn)
	}

	file := c.File
	if file == "" {
		file = "bidwatch.db"
	}
	return sql.Open("sqlite", file)
}

// Open connects to the configured database and applies the schema.
// Any failure degrades to a no-op store rather than propagating:
// acquisition is still worth running when persistence is down.
func Open(ctx context.Context, config Config) Store {
	database, err := config.openDB()
	if err == nil {
		err = database.PingContext(ctx)
	}
	if err == nil {
		_, err = database.ExecContext(ctx, db.Schema)
	}
	if err != nil {
		slog.Error("store unavailable, persistence disabled", "err", err)
		return Store{}
	}
	return Store{db: database}
}

// NewStore wraps an existing database handle, applying the schema.
func NewStore(ctx context.Context, database *sql.DB) (Store, error) {
	_, err := database.ExecContext(ctx, db.Schema)
	if err != nil {
		return Store{}, err
	}
	return Store{db: database}, nil
}

func (s Store) Disabled() bool { return s.db == nil }

// keyCandidates lists the natural keys a contract could already be
// stored under, in matching preference order.
func keyCandidates(c bid.Contract) []string {
	var candidates []string
	if c.ContractNumber != "" {
		candidates = append(candidates, c.ContractNumber.String())
	}
	if c.ContractId != "" {
		candidates = append(candidates, c.ContractId.String())
	}
	if c.AthleteCode != "" && c.ClubCode != "" {
		candidates = append(candidates, fmt.Sprintf("%s/%s", c.AthleteCode, c.ClubCode))
	}
	return candidates
}

func contractDoc(c bid.Contract) (string, error) {
	if len(c.Raw) > 0 {
		return string(c.Raw), nil
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// SaveContracts inserts the contracts that are not yet in the store
// and returns the newly inserted ones. Contracts without any
// resolvable key are skipped with a log line.
func (s Store) SaveContracts(ctx context.Context, contracts []bid.Contract) ([]bid.Contract, error) {
	if s.Disabled() {
		return nil, nil
	}

	var saved []bid.Contract
	for _, c := range contracts {
		key, ok := c.Key()
		if !ok {
			slog.Warn("skipping contract without a natural key", "name", c.DisplayName())
			continue
		}

		doc, err := contractDoc(c)
		if err != nil {
			return saved, err
		}

		res, err := s.db.ExecContext(ctx, `
			INSERT INTO contracts (
				key, contract_id, contract_number,
				athlete_code, club_code, name,
				doc, history, discovered_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (key) DO NOTHING`,
			key,
			c.ContractId.String(), c.ContractNumber.String(),
			c.AthleteCode.String(), c.ClubCode.String(), c.Name,
			doc, string(c.History), time.Now().Unix(),
		)
		if err != nil {
			return saved, err
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return saved, err
		}
		if inserted > 0 {
			slog.Info("saved new contract", "key", key, "name", c.DisplayName())
			saved = append(saved, c)
		}
	}
	return saved, nil
}

// HasHistory reports whether a non-empty history is already stored
// under any of the contract's candidate keys.
func (s Store) HasHistory(ctx context.Context, c bid.Contract) (bool, error) {
	if s.Disabled() {
		return false, nil
	}

	for _, key := range keyCandidates(c) {
		var history string
		err := s.db.QueryRowContext(
			ctx, `SELECT history FROM contracts WHERE key = ?`, key,
		).Scan(&history)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return false, err
		}
		return bid.HasHistory(json.RawMessage(history)), nil
	}
	return false, nil
}

// SaveHistory upserts a contract together with its fetched history.
func (s Store) SaveHistory(ctx context.Context, c bid.Contract, history json.RawMessage) error {
	if s.Disabled() {
		return nil
	}

	key, ok := c.Key()
	if !ok {
		return fmt.Errorf("contract %q has no natural key", c.DisplayName())
	}

	doc, err := contractDoc(c)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contracts (
			key, contract_id, contract_number,
			athlete_code, club_code, name,
			doc, history, discovered_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET history = excluded.history`,
		key,
		c.ContractId.String(), c.ContractNumber.String(),
		c.AthleteCode.String(), c.ClubCode.String(), c.Name,
		doc, string(history), time.Now().Unix(),
	)
	return err
}

type Pending struct {
	Key      string
	Contract bid.Contract
}

// FindPending returns up to `limit` contracts that have not been
// posted to the given platform yet, oldest discoveries first.
func (s Store) FindPending(ctx context.Context, platform string, limit int) ([]Pending, error) {
	if s.Disabled() {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.key, c.doc, c.history
		FROM contracts c
		WHERE NOT EXISTS (
			SELECT 1 FROM posts p
			WHERE p.contract_key = c.key AND p.platform = ?
		)
		ORDER BY c.discovered_at, c.key
		LIMIT ?`,
		platform, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []Pending
	for rows.Next() {
		var key, doc, history string
		err := rows.Scan(&key, &doc, &history)
		if err != nil {
			return nil, err
		}

		var c bid.Contract
		err = json.Unmarshal([]byte(doc), &c)
		if err != nil {
			slog.Warn("skipping undecodable stored contract", "key", key, "err", err)
			continue
		}
		if history != "" {
			c.History = json.RawMessage(history)
		}
		pending = append(pending, Pending{Key: key, Contract: c})
	}
	return pending, rows.Err()
}

// MarkPosted records a successful publish. Re-marking the same
// contract/platform pair just refreshes the post id.
func (s Store) MarkPosted(ctx context.Context, key, platform, postId string, postedAt time.Time) error {
	if s.Disabled() {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (contract_key, platform, post_id, posted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (contract_key, platform) DO UPDATE SET
			post_id = excluded.post_id,
			posted_at = excluded.posted_at`,
		key, platform, postId, postedAt.Unix(),
	)
	return err
}

// PostedCount reports how many posts are recorded for a platform.
func (s Store) PostedCount(ctx context.Context, platform string) (int64, error) {
	if s.Disabled() {
		return 0, nil
	}

	var count int64
	err := s.db.QueryRowContext(
		ctx, `SELECT COUNT(*) FROM posts WHERE platform = ?`, platform,
	).Scan(&count)
	return count, err
}
