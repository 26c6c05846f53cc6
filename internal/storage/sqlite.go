package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"anidbsync/internal/command"
	"anidbsync/internal/media"
	logx "anidbsync/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite has a single writer and Next relies on it to
	// make pick-and-mark atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- command queue ----

const recordColumns = `id, type, class, priority, payload, updated_at, attempts, retry_delay, not_before, state, last_error`

func (s *sqliteStore) Insert(ctx context.Context, rec command.Record) (bool, error) {
	if rec.State == "" {
		rec.State = command.StatePending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO command_requests(`+recordColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		rec.ID, string(rec.Type), string(rec.Class), int(rec.Priority), rec.Payload,
		rec.UpdatedAt.UnixMilli(), rec.Attempts, int64(rec.RetryDelay), unixMilli(rec.NotBefore),
		string(rec.State), nullStr(rec.LastError),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *sqliteStore) Next(ctx context.Context, class command.Class, now time.Time) (command.Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return command.Record{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM command_requests
		 WHERE class = ? AND state = 'pending' AND not_before <= ?
		 ORDER BY priority ASC, updated_at ASC, rowid ASC
		 LIMIT 1`,
		string(class), now.UnixMilli(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return command.Record{}, false, nil
	}
	if err != nil {
		return command.Record{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE command_requests SET state = 'inflight' WHERE id = ?`, rec.ID); err != nil {
		return command.Record{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return command.Record{}, false, err
	}
	rec.State = command.StateInFlight
	return rec, true, nil
}

func (s *sqliteStore) Retire(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM command_requests WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) Reschedule(ctx context.Context, rec command.Record) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE command_requests
		 SET state = 'pending', updated_at = ?, attempts = ?, retry_delay = ?, not_before = ?, last_error = ?
		 WHERE id = ?`,
		rec.UpdatedAt.UnixMilli(), rec.Attempts, int64(rec.RetryDelay), unixMilli(rec.NotBefore),
		nullStr(rec.LastError), rec.ID,
	)
	return err
}

func (s *sqliteStore) Release(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE command_requests SET state = 'pending' WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) Drop(ctx context.Context, rec command.Record, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM command_requests WHERE id = ?`, rec.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO command_dead_letters(command_id, type, class, priority, payload, attempts, reason, dropped_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, string(rec.Type), string(rec.Class), int(rec.Priority), rec.Payload, rec.Attempts, reason, at.UnixMilli(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) ResetInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE command_requests SET state = 'pending' WHERE state = 'inflight'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) Counts(ctx context.Context, now time.Time) (map[command.Class]ClassCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT class,
		        SUM(CASE WHEN state = 'pending' AND not_before <= ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN state = 'pending' AND not_before > ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN state = 'inflight' THEN 1 ELSE 0 END)
		 FROM command_requests GROUP BY class`,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[command.Class]ClassCounts{}
	for rows.Next() {
		var (
			class string
			c     ClassCounts
		)
		if err := rows.Scan(&class, &c.Pending, &c.Waiting, &c.InFlight); err != nil {
			return nil, err
		}
		out[command.Class(class)] = c
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT command_id, type, class, priority, payload, attempts, reason, dropped_at
		 FROM command_dead_letters ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl          DeadLetter
			typ, class  string
			prio        int
			droppedAtMS int64
			payload     []byte
		)
		if err := rows.Scan(&dl.Record.ID, &typ, &class, &prio, &payload, &dl.Record.Attempts, &dl.Reason, &droppedAtMS); err != nil {
			return nil, err
		}
		dl.Record.Payload = payload
		dl.Record.Type = command.Type(typ)
		dl.Record.Class = command.Class(class)
		dl.Record.Priority = command.Priority(prio)
		dl.DroppedAt = time.UnixMilli(droppedAtMS)
		out = append(out, dl)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (command.Record, error) {
	var (
		rec                  command.Record
		typ, class, state    string
		prio                 int
		updatedAt, notBefore int64
		retryDelay           int64
		lastErr              sql.NullString
		payload              []byte
	)
	err := row.Scan(&rec.ID, &typ, &class, &prio, &payload, &updatedAt, &rec.Attempts, &retryDelay, &notBefore, &state, &lastErr)
	if err != nil {
		return command.Record{}, err
	}
	rec.Payload = payload
	rec.Type = command.Type(typ)
	rec.Class = command.Class(class)
	rec.Priority = command.Priority(prio)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	rec.RetryDelay = time.Duration(retryDelay)
	if notBefore > 0 {
		rec.NotBefore = time.UnixMilli(notBefore)
	}
	rec.State = command.State(state)
	rec.LastError = lastErr.String
	return rec, nil
}

// ---- media ----

func (s *sqliteStore) Video(ctx context.Context, id int64) (media.VideoLocal, error) {
	var (
		v         media.VideoLocal
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_name, path, hash, file_size, updated_at FROM video_local WHERE id = ?`, id,
	).Scan(&v.ID, &v.FileName, &v.Path, &v.Hash, &v.FileSize, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return media.VideoLocal{}, fmt.Errorf("video %d: %w", id, media.ErrNotFound)
	}
	if err != nil {
		return media.VideoLocal{}, err
	}
	v.UpdatedAt = time.UnixMilli(updatedAt)
	return v, nil
}

func (s *sqliteStore) SaveVideo(ctx context.Context, v media.VideoLocal) (media.VideoLocal, error) {
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = time.Now()
	}
	v.Hash = strings.ToLower(v.Hash)
	if v.ID == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO video_local(file_name, path, hash, file_size, updated_at) VALUES(?,?,?,?,?)
			 ON CONFLICT(path) DO UPDATE SET file_name=excluded.file_name, hash=excluded.hash,
			   file_size=excluded.file_size, updated_at=excluded.updated_at`,
			v.FileName, v.Path, v.Hash, v.FileSize, v.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return v, err
		}
		if err := s.db.QueryRowContext(ctx, `SELECT id FROM video_local WHERE path = ?`, v.Path).Scan(&v.ID); err != nil {
			return v, err
		}
		return v, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE video_local SET file_name = ?, path = ?, hash = ?, file_size = ?, updated_at = ? WHERE id = ?`,
		v.FileName, v.Path, v.Hash, v.FileSize, v.UpdatedAt.UnixMilli(), v.ID,
	)
	if err != nil {
		return v, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return v, fmt.Errorf("video %d: %w", v.ID, media.ErrNotFound)
	}
	return v, nil
}

func (s *sqliteStore) FileByHash(ctx context.Context, hash string, size int64) (media.AniDBFile, error) {
	var (
		f                 media.AniDBFile
		dubs, subs        sql.NullString
		quality, source   sql.NullString
		codec, res, ftype sql.NullString
		name              sql.NullString
		fetchedAt         int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT hash, file_size, file_id, anime_id, episode_id, group_id, state, quality, source, video_codec,
		        resolution, file_type, dub_languages, sub_languages, length_seconds, anidb_file_name, fetched_at, missing
		 FROM anidb_file WHERE hash = ? AND file_size = ?`,
		strings.ToLower(hash), size,
	).Scan(&f.Hash, &f.FileSize, &f.FileID, &f.AnimeID, &f.EpisodeID, &f.GroupID, &f.State, &quality, &source, &codec,
		&res, &ftype, &dubs, &subs, &f.LengthSeconds, &name, &fetchedAt, &f.Missing)
	if errors.Is(err, sql.ErrNoRows) {
		return media.AniDBFile{}, fmt.Errorf("anidb file %s/%d: %w", hash, size, media.ErrNotFound)
	}
	if err != nil {
		return media.AniDBFile{}, err
	}
	f.Quality, f.Source, f.VideoCodec = quality.String, source.String, codec.String
	f.Resolution, f.FileType, f.AniDBFileName = res.String, ftype.String, name.String
	f.DubLanguages = splitLangs(dubs.String)
	f.SubLanguages = splitLangs(subs.String)
	f.FetchedAt = time.UnixMilli(fetchedAt)
	return f, nil
}

func (s *sqliteStore) SaveFile(ctx context.Context, f media.AniDBFile) error {
	if f.FetchedAt.IsZero() {
		f.FetchedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anidb_file(hash, file_size, file_id, anime_id, episode_id, group_id, state, quality, source,
		   video_codec, resolution, file_type, dub_languages, sub_languages, length_seconds, anidb_file_name, fetched_at,
		   missing)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(hash, file_size) DO UPDATE SET
		   file_id=excluded.file_id, anime_id=excluded.anime_id, episode_id=excluded.episode_id,
		   group_id=excluded.group_id, state=excluded.state, quality=excluded.quality, source=excluded.source,
		   video_codec=excluded.video_codec, resolution=excluded.resolution, file_type=excluded.file_type,
		   dub_languages=excluded.dub_languages, sub_languages=excluded.sub_languages,
		   length_seconds=excluded.length_seconds, anidb_file_name=excluded.anidb_file_name,
		   fetched_at=excluded.fetched_at, missing=excluded.missing`,
		strings.ToLower(f.Hash), f.FileSize, f.FileID, f.AnimeID, f.EpisodeID, f.GroupID, f.State,
		nullStr(f.Quality), nullStr(f.Source), nullStr(f.VideoCodec), nullStr(f.Resolution), nullStr(f.FileType),
		nullStr(joinLangs(f.DubLanguages)), nullStr(joinLangs(f.SubLanguages)), f.LengthSeconds,
		nullStr(f.AniDBFileName), f.FetchedAt.UnixMilli(), f.Missing,
	)
	return err
}

func (s *sqliteStore) UnlinkedVideos(ctx context.Context, limit int) ([]media.VideoLocal, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT v.id, v.file_name, v.path, v.hash, v.file_size, v.updated_at
		 FROM video_local v
		 LEFT JOIN anidb_file f ON f.hash = v.hash AND f.file_size = v.file_size
		 WHERE f.hash IS NULL AND NOT (v.hash != '' AND v.file_size = 0)
		 ORDER BY v.updated_at ASC, v.id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []media.VideoLocal
	for rows.Next() {
		var (
			v         media.VideoLocal
			updatedAt int64
		)
		if err := rows.Scan(&v.ID, &v.FileName, &v.Path, &v.Hash, &v.FileSize, &updatedAt); err != nil {
			return nil, err
		}
		v.UpdatedAt = time.UnixMilli(updatedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func joinLangs(v []string) string { return strings.Join(v, "'") }

func splitLangs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "'")
}
