// Package store persists canonical events and the deduplicated entities the
// identity cache manages, on a single SQLite file.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/streamfeed/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS audiences (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  user_id TEXT NOT NULL,
  username TEXT NOT NULL DEFAULT '',
  display_name TEXT NOT NULL DEFAULT '',
  avatar TEXT NOT NULL DEFAULT '',
  badges_json TEXT NOT NULL DEFAULT '[]',
  is_member INTEGER NOT NULL DEFAULT 0,
  role INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS badges (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  level INTEGER NOT NULL DEFAULT 0,
  display_name TEXT NOT NULL DEFAULT '',
  image TEXT NOT NULL DEFAULT '',
  color TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS skus (
  id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  tier INTEGER NOT NULL DEFAULT 0,
  amount REAL NOT NULL DEFAULT 0,
  currency TEXT NOT NULL DEFAULT '',
  display_name TEXT NOT NULL DEFAULT '',
  image TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS events (
  id TEXT NOT NULL,
  platform TEXT NOT NULL,
  kind TEXT NOT NULL,
  ts TEXT NOT NULL,
  sender_id TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  emotes_json TEXT NOT NULL DEFAULT '[]',
  color TEXT NOT NULL DEFAULT '',
  reply_to TEXT NOT NULL DEFAULT '',
  sku_id TEXT NOT NULL DEFAULT '',
  count INTEGER NOT NULL DEFAULT 0,
  note TEXT NOT NULL DEFAULT '',
  start_ts TEXT NOT NULL DEFAULT '',
  end_ts TEXT NOT NULL DEFAULT '',
  gifted_by_id TEXT NOT NULL DEFAULT '',
  viewers INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (platform, id)
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts);`

// SQLite is the single persistent store. database/sql serializes access; the
// identity cache layers its own find-merge-save atomicity on top.
type SQLite struct {
	db *sql.DB
}

func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplyPragmas(context.Background(), db)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping() error { return s.db.Ping() }

func (s *SQLite) String() string { return fmt.Sprintf("SQLite{%p}", s.db) }

func (s *SQLite) FindAudience(id string) (*core.Audience, error) {
	const q = `SELECT id, platform, user_id, username, display_name, avatar, badges_json, is_member, role
FROM audiences WHERE id = ?;`
	var (
		a          core.Audience
		badgesJSON string
		isMember   int
	)
	err := s.db.QueryRow(q, id).Scan(&a.ID, &a.Platform, &a.UserID, &a.Username,
		&a.DisplayName, &a.Avatar, &badgesJSON, &isMember, &a.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find audience")
	}
	a.IsMember = isMember != 0
	if err := json.Unmarshal([]byte(badgesJSON), &a.Badges); err != nil {
		return nil, errors.Wrap(err, "decode badges")
	}
	return &a, nil
}

func (s *SQLite) SaveAudience(a core.Audience) error {
	badgesJSON, err := json.Marshal(a.Badges)
	if err != nil {
		return errors.Wrap(err, "encode badges")
	}
	const q = `INSERT INTO audiences (id, platform, user_id, username, display_name, avatar, badges_json, is_member, role)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  username = excluded.username,
  display_name = excluded.display_name,
  avatar = excluded.avatar,
  badges_json = excluded.badges_json,
  is_member = excluded.is_member,
  role = excluded.role;`
	_, err = s.db.Exec(q, a.ID, a.Platform, a.UserID, a.Username, a.DisplayName,
		a.Avatar, nz(string(badgesJSON), "[]"), boolInt(a.IsMember), a.Role)
	return errors.Wrap(err, "save audience")
}

func (s *SQLite) FindBadge(id string) (*core.Badge, error) {
	const q = `SELECT id, platform, level, display_name, image, color FROM badges WHERE id = ?;`
	var b core.Badge
	err := s.db.QueryRow(q, id).Scan(&b.ID, &b.Platform, &b.Level, &b.DisplayName, &b.Image, &b.Color)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find badge")
	}
	return &b, nil
}

func (s *SQLite) SaveBadge(b core.Badge) error {
	const q = `INSERT INTO badges (id, platform, level, display_name, image, color)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  display_name = excluded.display_name,
  image = excluded.image,
  color = excluded.color;`
	_, err := s.db.Exec(q, b.ID, b.Platform, b.Level, b.DisplayName, b.Image, b.Color)
	return errors.Wrap(err, "save badge")
}

func (s *SQLite) FindSku(id string) (*core.Sku, error) {
	const q = `SELECT id, platform, tier, amount, currency, display_name, image FROM skus WHERE id = ?;`
	var sk core.Sku
	err := s.db.QueryRow(q, id).Scan(&sk.ID, &sk.Platform, &sk.Tier, &sk.Amount, &sk.Currency, &sk.DisplayName, &sk.Image)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find sku")
	}
	return &sk, nil
}

func (s *SQLite) SaveSku(sk core.Sku) error {
	const q = `INSERT INTO skus (id, platform, tier, amount, currency, display_name, image)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  tier = excluded.tier,
  amount = excluded.amount,
  currency = excluded.currency,
  display_name = excluded.display_name,
  image = excluded.image;`
	_, err := s.db.Exec(q, sk.ID, sk.Platform, sk.Tier, sk.Amount, sk.Currency, sk.DisplayName, sk.Image)
	return errors.Wrap(err, "save sku")
}

// Write appends one event. Replays of the same (platform, id) are silently
// absorbed, so reconnect overlap never duplicates rows.
func (s *SQLite) Write(ev core.Event) error {
	emotesJSON, err := json.Marshal(ev.Emotes)
	if err != nil {
		return errors.Wrap(err, "encode emotes")
	}
	const q = `INSERT INTO events (id, platform, kind, ts, sender_id, content, emotes_json, color, reply_to, sku_id, count, note, start_ts, end_ts, gifted_by_id, viewers)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(platform, id) DO NOTHING;`
	_, err = s.db.Exec(q, ev.ID, ev.Platform, ev.Kind, formatTs(ev.Ts),
		audienceID(ev.Sender), ev.Content, nz(string(emotesJSON), "[]"), ev.Color, ev.ReplyTo,
		skuID(ev.Sku), ev.Count, ev.Note, formatOptTs(ev.Start), formatOptTs(ev.End),
		audienceID(ev.GiftedBy), ev.Viewers)
	return errors.Wrap(err, "insert event")
}

// Filters narrows ListEvents and CountEvents.
type Filters struct {
	Platforms []core.Platform
	Kinds     []core.Kind
	Since     *time.Time
	Limit     int
	Ascending bool
}

const defaultListLimit = 100

func (s *SQLite) CountEvents(ctx context.Context, filters Filters) (int64, error) {
	query, args := buildEventQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count events")
	}
	return n, nil
}

func (s *SQLite) ListEvents(ctx context.Context, filters Filters) ([]core.Event, error) {
	query, args := buildEventQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		var (
			ev                    core.Event
			ts, start, end        string
			senderID, giftedByID  string
			emotesJSON, skuIDText string
		)
		if err := rows.Scan(&ev.ID, &ev.Platform, &ev.Kind, &ts, &senderID, &ev.Content,
			&emotesJSON, &ev.Color, &ev.ReplyTo, &skuIDText, &ev.Count, &ev.Note,
			&start, &end, &giftedByID, &ev.Viewers); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Ts = parseTs(ts)
		ev.Start = parseTs(start)
		ev.End = parseTs(end)
		if err := json.Unmarshal([]byte(emotesJSON), &ev.Emotes); err != nil {
			return nil, errors.Wrap(err, "decode emotes")
		}
		if senderID != "" {
			if ev.Sender, err = s.FindAudience(senderID); err != nil {
				return nil, err
			}
		}
		if giftedByID != "" {
			if ev.GiftedBy, err = s.FindAudience(giftedByID); err != nil {
				return nil, err
			}
		}
		if skuIDText != "" {
			if ev.Sku, err = s.FindSku(skuIDText); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return out, nil
}

func buildEventQuery(filters Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM events")
	} else {
		builder.WriteString("SELECT id, platform, kind, ts, sender_id, content, emotes_json, color, reply_to, sku_id, count, note, start_ts, end_ts, gifted_by_id, viewers FROM events")
	}

	var (
		conditions []string
		args       []any
	)
	if len(filters.Platforms) > 0 {
		placeholders := make([]string, 0, len(filters.Platforms))
		for _, p := range filters.Platforms {
			placeholders = append(placeholders, "?")
			args = append(args, p)
		}
		conditions = append(conditions, fmt.Sprintf("platform IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(filters.Kinds) > 0 {
		placeholders := make([]string, 0, len(filters.Kinds))
		for _, k := range filters.Kinds {
			placeholders = append(placeholders, "?")
			args = append(args, k)
		}
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", strings.Join(placeholders, ",")))
	}
	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Ascending {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func audienceID(a *core.Audience) string {
	if a == nil {
		return ""
	}
	return a.ID
}

func skuID(s *core.Sku) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func formatTs(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptTs(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTs(t)
}

func parseTs(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
