package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/quillforge/pkg/models"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements Store on an embedded SQLite database. It keeps a single open
// connection, so writers are serialised and the claim statement needs no row locks.
type SQLiteStore struct {
	sqlDB *sql.DB
	db    sqlQuerier
	inTx  bool
	now   func() time.Time
}

// OpenSQLite opens (creating if needed) the database file at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{sqlDB: db, db: db, now: utcNow}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.sqlDB.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) error {
	return s.withTx(ctx, func(tx *SQLiteStore) error { return fn(tx) })
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*SQLiteStore) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&SQLiteStore{sqlDB: s.sqlDB, db: tx, inTx: true, now: s.now}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Jobs ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*models.Job, error) {
	var (
		j                      models.Job
		checkpoint             []byte
		errMsg                 sql.NullString
		startedAt, completedAt sql.NullInt64
		createdAt, updatedAt   int64
	)
	if err := row.Scan(&j.ID, &j.Seq, &j.Type, &j.TargetID, &j.Status, &checkpoint, &errMsg, &j.Attempts,
		&startedAt, &completedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if len(checkpoint) > 0 {
		j.Checkpoint = json.RawMessage(checkpoint)
	}
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	j.StartedAt = fromNullNanos(startedAt)
	j.CompletedAt = fromNullNanos(completedAt)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	return &j, nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.Job) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, target_id, status, checkpoint, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.Type, job.TargetID, job.Status, nullText(job.Checkpoint), job.Attempts,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	job.Seq = seq
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, col+" = ?")
	}
	add("target_id", filter.TargetID)
	add("status", filter.Status)
	add("type", filter.Type)

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq LIMIT ?"
	args = append(args, filter.EffectiveLimit())

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	now := toNanos(s.now())
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, started_at = ?1,
		        completed_at = NULL, updated_at = ?1
		 WHERE seq = (SELECT seq FROM jobs WHERE status = 'pending' ORDER BY seq LIMIT 1)
		 RETURNING `+jobColumns, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return j, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	now := toNanos(s.now())
	return s.guardedJobUpdate(ctx, id, "complete job",
		`UPDATE jobs SET status = 'completed', completed_at = ?2, updated_at = ?2
		 WHERE id = ?1 AND status = 'running'`, id.String(), now)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	now := toNanos(s.now())
	return s.guardedJobUpdate(ctx, id, "fail job",
		`UPDATE jobs SET status = 'failed', error_message = ?2, completed_at = ?3, updated_at = ?3
		 WHERE id = ?1 AND status IN ('pending', 'running')`, id.String(), msg, now)
}

func (s *SQLiteStore) RetryJob(ctx context.Context, id uuid.UUID, msg string) error {
	now := toNanos(s.now())
	return s.guardedJobUpdate(ctx, id, "retry job",
		`UPDATE jobs SET status = 'pending', error_message = ?2, started_at = NULL, updated_at = ?3
		 WHERE id = ?1 AND status = 'running'`, id.String(), msg, now)
}

func (s *SQLiteStore) RequeueJob(ctx context.Context, id uuid.UUID) error {
	now := toNanos(s.now())
	return s.guardedJobUpdate(ctx, id, "requeue job",
		`UPDATE jobs SET status = 'pending', started_at = NULL, completed_at = NULL, updated_at = ?2
		 WHERE id = ?1 AND status = 'failed'`, id.String(), now)
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	return s.execOne(ctx, "save checkpoint",
		`UPDATE jobs SET checkpoint = ?, updated_at = ? WHERE id = ?`,
		nullText(data), toNanos(s.now()), id.String())
}

func (s *SQLiteStore) CancelActiveJobs(ctx context.Context, targetID, reason string) (int64, error) {
	now := toNanos(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?2, completed_at = ?3, updated_at = ?3
		 WHERE target_id = ?1 AND status IN ('pending', 'running')`, targetID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("cancel active jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) FailExhaustedJobs(ctx context.Context, threshold time.Duration, maxAttempts int, msg string) ([]*models.Job, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs SET status = 'failed', error_message = ?3, completed_at = ?2, updated_at = ?2
		 WHERE status = 'running' AND (started_at IS NULL OR started_at <= ?1) AND attempts >= ?4
		 RETURNING `+jobColumns,
		toNanos(now.Add(-threshold)), toNanos(now), msg, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) ReclaimStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', started_at = NULL, updated_at = ?2
		 WHERE status = 'running' AND (started_at IS NULL OR started_at <= ?1)`,
		toNanos(now.Add(-threshold)), toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) HasActiveJob(ctx context.Context, targetID, jobType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM jobs
		     WHERE target_id = ?1 AND status IN ('pending', 'running') AND (?2 = '' OR type = ?2)
		 )`, targetID, jobType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has active job: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) guardedJobUpdate(ctx context.Context, id uuid.UUID, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: job is %s: %w", op, status, ErrInvalidTransition)
}

// --- Books ---

func (s *SQLiteStore) CreateBook(ctx context.Context, book *models.Book) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO books (id, title, premise, genre, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		book.ID, book.Title, book.Premise, book.Genre, toNanos(book.CreatedAt), toNanos(book.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create book: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBook(ctx context.Context, id string) (*models.Book, error) {
	var b models.Book
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, premise, genre, created_at, updated_at FROM books WHERE id = ?`, id,
	).Scan(&b.ID, &b.Title, &b.Premise, &b.Genre, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	b.CreatedAt = fromNanos(createdAt)
	b.UpdatedAt = fromNanos(updatedAt)
	return &b, nil
}

func (s *SQLiteStore) UpsertStoryState(ctx context.Context, st *models.StoryState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO story_states (book_id, name, description, chapter_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (book_id, name) DO UPDATE SET
		     description = excluded.description,
		     chapter_id = excluded.chapter_id,
		     updated_at = excluded.updated_at`,
		st.BookID, st.Name, st.Description, st.ChapterID, toNanos(s.now()))
	if err != nil {
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert story state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListStoryStates(ctx context.Context, bookID string) ([]models.StoryState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT book_id, name, description, chapter_id, updated_at
		 FROM story_states WHERE book_id = ? ORDER BY name`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list story states: %w", err)
	}
	defer rows.Close()

	var states []models.StoryState
	for rows.Next() {
		var st models.StoryState
		var updatedAt int64
		if err := rows.Scan(&st.BookID, &st.Name, &st.Description, &st.ChapterID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan story state: %w", err)
		}
		st.UpdatedAt = fromNanos(updatedAt)
		states = append(states, st)
	}
	return states, rows.Err()
}

// --- Chapters ---

func scanSQLiteChapter(row rowScanner) (*models.Chapter, error) {
	var c models.Chapter
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.BookID, &c.Number, &c.Title, &c.Brief, &c.Content, &c.Summary,
		&c.WordCount, &c.LastStage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(createdAt)
	c.UpdatedAt = fromNanos(updatedAt)
	return &c, nil
}

func (s *SQLiteStore) CreateChapter(ctx context.Context, ch *models.Chapter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chapters (`+chapterColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.BookID, ch.Number, ch.Title, ch.Brief, ch.Content, ch.Summary,
		wordCount(ch.Content), ch.LastStage, toNanos(ch.CreatedAt), toNanos(ch.UpdatedAt))
	if err != nil {
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY) {
			return ErrDuplicateKey
		}
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return ErrNotFound
		}
		return fmt.Errorf("create chapter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChapter(ctx context.Context, id string) (*models.Chapter, error) {
	c, err := scanSQLiteChapter(s.db.QueryRowContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListChapters(ctx context.Context, bookID string) ([]*models.Chapter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE book_id = ? ORDER BY number`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []*models.Chapter
	for rows.Next() {
		c, err := scanSQLiteChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

func (s *SQLiteStore) UpdateChapterContent(ctx context.Context, id, stage, content string) error {
	return s.execOne(ctx, "update chapter content",
		`UPDATE chapters SET content = ?, word_count = ?, last_stage = ?, updated_at = ? WHERE id = ?`,
		content, wordCount(content), stage, toNanos(s.now()), id)
}

func (s *SQLiteStore) ApplyEdit(ctx context.Context, id, stage, revised string, flags []models.ChapterFlag) error {
	return s.withTx(ctx, func(tx *SQLiteStore) error {
		now := toNanos(tx.now())
		if revised != "" {
			if err := tx.UpdateChapterContent(ctx, id, stage, revised); err != nil {
				return err
			}
		} else {
			err := tx.execOne(ctx, "apply edit",
				`UPDATE chapters SET last_stage = ?, updated_at = ? WHERE id = ?`, stage, now, id)
			if err != nil {
				return err
			}
		}
		for _, f := range flags {
			_, err := tx.db.ExecContext(ctx,
				`INSERT INTO chapter_flags (chapter_id, stage, severity, message, created_at)
				 VALUES (?, ?, ?, ?, ?)`, id, stage, f.Severity, f.Message, now)
			if err != nil {
				return fmt.Errorf("insert chapter flag: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) UpdateChapterSummary(ctx context.Context, id, summary string) error {
	return s.execOne(ctx, "update chapter summary",
		`UPDATE chapters SET summary = ?, last_stage = ?, updated_at = ? WHERE id = ?`,
		summary, models.JobTypeGenerateSummary, toNanos(s.now()), id)
}

func (s *SQLiteStore) ResetChapter(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *SQLiteStore) error {
		err := tx.execOne(ctx, "reset chapter",
			`UPDATE chapters SET content = '', summary = '', word_count = 0, last_stage = '', updated_at = ?
			 WHERE id = ?`, toNanos(tx.now()), id)
		if err != nil {
			return err
		}
		if _, err := tx.db.ExecContext(ctx, `DELETE FROM chapter_flags WHERE chapter_id = ?`, id); err != nil {
			return fmt.Errorf("delete chapter flags: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) DeleteChapter(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete chapter", `DELETE FROM chapters WHERE id = ?`, id)
}

func (s *SQLiteStore) ListChapterFlags(ctx context.Context, chapterID string) ([]models.ChapterFlag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chapter_id, stage, severity, message, created_at
		 FROM chapter_flags WHERE chapter_id = ? ORDER BY id`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list chapter flags: %w", err)
	}
	defer rows.Close()

	var flags []models.ChapterFlag
	for rows.Next() {
		var f models.ChapterFlag
		var createdAt int64
		if err := rows.Scan(&f.ID, &f.ChapterID, &f.Stage, &f.Severity, &f.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("scan chapter flag: %w", err)
		}
		f.CreatedAt = fromNanos(createdAt)
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// --- Outlines ---

func (s *SQLiteStore) UpsertOutline(ctx context.Context, o *models.Outline) error {
	acts, err := json.Marshal(o.Acts)
	if err != nil {
		return fmt.Errorf("marshal outline acts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outlines (id, book_id, acts, total_acts, complete, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     acts = excluded.acts,
		     total_acts = excluded.total_acts,
		     complete = excluded.complete,
		     updated_at = excluded.updated_at`,
		o.ID, o.BookID, string(acts), o.TotalActs, o.Complete, toNanos(s.now()))
	if err != nil {
		if isSQLiteConstraint(err, sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert outline: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOutline(ctx context.Context, id string) (*models.Outline, error) {
	var o models.Outline
	var acts string
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, book_id, acts, total_acts, complete, updated_at FROM outlines WHERE id = ?`, id,
	).Scan(&o.ID, &o.BookID, &acts, &o.TotalActs, &o.Complete, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outline: %w", err)
	}
	if err := json.Unmarshal([]byte(acts), &o.Acts); err != nil {
		return nil, fmt.Errorf("unmarshal outline acts: %w", err)
	}
	o.UpdatedAt = fromNanos(updatedAt)
	return &o, nil
}

func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isSQLiteConstraint(err error, codes ...int) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	for _, c := range codes {
		if se.Code() == c {
			return true
		}
	}
	return false
}

func nullText(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return string(data)
}

func toNanos(t time.Time) int64 {
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

var _ Store = (*SQLiteStore)(nil)
