package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/quillforge/pkg/models"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   pgQuerier
	inTx bool
	now  func() time.Time
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool, now: utcNow}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Store) error) error {
	return s.withTx(ctx, func(tx *PostgresStore) error { return fn(tx) })
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(*PostgresStore) error) error {
	if s.inTx {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&PostgresStore{pool: s.pool, db: tx, inTx: true, now: s.now}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback failed: %v (original err: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, seq, type, target_id, status, checkpoint, error_message, attempts,
	started_at, completed_at, created_at, updated_at`

func scanPgJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var checkpoint []byte
	if err := row.Scan(&j.ID, &j.Seq, &j.Type, &j.TargetID, &j.Status, &checkpoint, &j.Error, &j.Attempts,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if len(checkpoint) > 0 {
		j.Checkpoint = json.RawMessage(checkpoint)
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	err := s.db.QueryRow(ctx,
		`INSERT INTO jobs (id, type, target_id, status, checkpoint, attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		job.ID, job.Type, job.TargetID, job.Status, nullJSON(job.Checkpoint), job.Attempts,
		job.CreatedAt, job.UpdatedAt,
	).Scan(&job.Seq)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanPgJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("target_id", filter.TargetID)
	add("status", filter.Status)
	add("type", filter.Type)

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY seq LIMIT $%d", len(args))

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ClaimNextJob uses FOR UPDATE SKIP LOCKED so concurrent claimers never receive the same row.
func (s *PostgresStore) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	now := s.now()
	j, err := scanPgJob(s.db.QueryRow(ctx,
		`UPDATE jobs SET status = 'running', attempts = attempts + 1, started_at = $1,
		        completed_at = NULL, updated_at = $1
		 WHERE id = (
		     SELECT id FROM jobs WHERE status = 'pending'
		     ORDER BY seq
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	return s.guardedJobUpdate(ctx, id, "complete job",
		`UPDATE jobs SET status = 'completed', completed_at = $2, updated_at = $2
		 WHERE id = $1 AND status = 'running'`, id, now)
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, msg string) error {
	now := s.now()
	return s.guardedJobUpdate(ctx, id, "fail job",
		`UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
		 WHERE id = $1 AND status IN ('pending', 'running')`, id, msg, now)
}

func (s *PostgresStore) RetryJob(ctx context.Context, id uuid.UUID, msg string) error {
	now := s.now()
	return s.guardedJobUpdate(ctx, id, "retry job",
		`UPDATE jobs SET status = 'pending', error_message = $2, started_at = NULL, updated_at = $3
		 WHERE id = $1 AND status = 'running'`, id, msg, now)
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	return s.guardedJobUpdate(ctx, id, "requeue job",
		`UPDATE jobs SET status = 'pending', started_at = NULL, completed_at = NULL, updated_at = $2
		 WHERE id = $1 AND status = 'failed'`, id, now)
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, id uuid.UUID, data json.RawMessage) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET checkpoint = $2, updated_at = $3 WHERE id = $1`, id, nullJSON(data), s.now())
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CancelActiveJobs(ctx context.Context, targetID, reason string) (int64, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $2, completed_at = $3, updated_at = $3
		 WHERE target_id = $1 AND status IN ('pending', 'running')`, targetID, reason, now)
	if err != nil {
		return 0, fmt.Errorf("cancel active jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) FailExhaustedJobs(ctx context.Context, threshold time.Duration, maxAttempts int, msg string) ([]*models.Job, error) {
	now := s.now()
	rows, err := s.db.Query(ctx,
		`UPDATE jobs SET status = 'failed', error_message = $3, completed_at = $2, updated_at = $2
		 WHERE status = 'running' AND (started_at IS NULL OR started_at <= $1) AND attempts >= $4
		 RETURNING `+jobColumns,
		now.Add(-threshold), now, msg, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) ReclaimStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	now := s.now()
	tag, err := s.db.Exec(ctx,
		`UPDATE jobs SET status = 'pending', started_at = NULL, updated_at = $2
		 WHERE status = 'running' AND (started_at IS NULL OR started_at <= $1)`, now.Add(-threshold), now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) HasActiveJob(ctx context.Context, targetID, jobType string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM jobs
		     WHERE target_id = $1 AND status IN ('pending', 'running') AND ($2 = '' OR type = $2)
		 )`, targetID, jobType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has active job: %w", err)
	}
	return exists, nil
}

// guardedJobUpdate runs a status-guarded UPDATE and tells a missing job apart from one that
// is in the wrong state.
func (s *PostgresStore) guardedJobUpdate(ctx context.Context, id uuid.UUID, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.db.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: job is %s: %w", op, status, ErrInvalidTransition)
}

// --- Books ---

func (s *PostgresStore) CreateBook(ctx context.Context, book *models.Book) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO books (id, title, premise, genre, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		book.ID, book.Title, book.Premise, book.Genre, book.CreatedAt, book.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create book: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBook(ctx context.Context, id string) (*models.Book, error) {
	var b models.Book
	err := s.db.QueryRow(ctx,
		`SELECT id, title, premise, genre, created_at, updated_at FROM books WHERE id = $1`, id,
	).Scan(&b.ID, &b.Title, &b.Premise, &b.Genre, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return &b, nil
}

func (s *PostgresStore) UpsertStoryState(ctx context.Context, st *models.StoryState) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO story_states (book_id, name, description, chapter_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (book_id, name) DO UPDATE SET
		     description = EXCLUDED.description,
		     chapter_id = EXCLUDED.chapter_id,
		     updated_at = EXCLUDED.updated_at`,
		st.BookID, st.Name, st.Description, st.ChapterID, s.now())
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert story state: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStoryStates(ctx context.Context, bookID string) ([]models.StoryState, error) {
	rows, err := s.db.Query(ctx,
		`SELECT book_id, name, description, chapter_id, updated_at
		 FROM story_states WHERE book_id = $1 ORDER BY name`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list story states: %w", err)
	}
	defer rows.Close()

	var states []models.StoryState
	for rows.Next() {
		var st models.StoryState
		if err := rows.Scan(&st.BookID, &st.Name, &st.Description, &st.ChapterID, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan story state: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// --- Chapters ---

const chapterColumns = `id, book_id, number, title, brief, content, summary, word_count, last_stage,
	created_at, updated_at`

func scanPgChapter(row pgx.Row) (*models.Chapter, error) {
	var c models.Chapter
	err := row.Scan(&c.ID, &c.BookID, &c.Number, &c.Title, &c.Brief, &c.Content, &c.Summary,
		&c.WordCount, &c.LastStage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) CreateChapter(ctx context.Context, ch *models.Chapter) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO chapters (`+chapterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ch.ID, ch.BookID, ch.Number, ch.Title, ch.Brief, ch.Content, ch.Summary,
		wordCount(ch.Content), ch.LastStage, ch.CreatedAt, ch.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create chapter: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChapter(ctx context.Context, id string) (*models.Chapter, error) {
	c, err := scanPgChapter(s.db.QueryRow(ctx, `SELECT `+chapterColumns+` FROM chapters WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chapter: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) ListChapters(ctx context.Context, bookID string) ([]*models.Chapter, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+chapterColumns+` FROM chapters WHERE book_id = $1 ORDER BY number`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list chapters: %w", err)
	}
	defer rows.Close()

	var chapters []*models.Chapter
	for rows.Next() {
		c, err := scanPgChapter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chapter: %w", err)
		}
		chapters = append(chapters, c)
	}
	return chapters, rows.Err()
}

func (s *PostgresStore) UpdateChapterContent(ctx context.Context, id, stage, content string) error {
	return s.execOne(ctx, "update chapter content",
		`UPDATE chapters SET content = $2, word_count = $3, last_stage = $4, updated_at = $5 WHERE id = $1`,
		id, content, wordCount(content), stage, s.now())
}

func (s *PostgresStore) ApplyEdit(ctx context.Context, id, stage, revised string, flags []models.ChapterFlag) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		now := tx.now()
		if revised != "" {
			if err := tx.UpdateChapterContent(ctx, id, stage, revised); err != nil {
				return err
			}
		} else {
			err := tx.execOne(ctx, "apply edit",
				`UPDATE chapters SET last_stage = $2, updated_at = $3 WHERE id = $1`, id, stage, now)
			if err != nil {
				return err
			}
		}
		for _, f := range flags {
			_, err := tx.db.Exec(ctx,
				`INSERT INTO chapter_flags (chapter_id, stage, severity, message, created_at)
				 VALUES ($1, $2, $3, $4, $5)`, id, stage, f.Severity, f.Message, now)
			if err != nil {
				return fmt.Errorf("insert chapter flag: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) UpdateChapterSummary(ctx context.Context, id, summary string) error {
	return s.execOne(ctx, "update chapter summary",
		`UPDATE chapters SET summary = $2, last_stage = $3, updated_at = $4 WHERE id = $1`,
		id, summary, models.JobTypeGenerateSummary, s.now())
}

func (s *PostgresStore) ResetChapter(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		err := tx.execOne(ctx, "reset chapter",
			`UPDATE chapters SET content = '', summary = '', word_count = 0, last_stage = '', updated_at = $2
			 WHERE id = $1`, id, tx.now())
		if err != nil {
			return err
		}
		if _, err := tx.db.Exec(ctx, `DELETE FROM chapter_flags WHERE chapter_id = $1`, id); err != nil {
			return fmt.Errorf("delete chapter flags: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteChapter(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete chapter", `DELETE FROM chapters WHERE id = $1`, id)
}

func (s *PostgresStore) ListChapterFlags(ctx context.Context, chapterID string) ([]models.ChapterFlag, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, chapter_id, stage, severity, message, created_at
		 FROM chapter_flags WHERE chapter_id = $1 ORDER BY id`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("list chapter flags: %w", err)
	}
	defer rows.Close()

	var flags []models.ChapterFlag
	for rows.Next() {
		var f models.ChapterFlag
		if err := rows.Scan(&f.ID, &f.ChapterID, &f.Stage, &f.Severity, &f.Message, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chapter flag: %w", err)
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// --- Outlines ---

func (s *PostgresStore) UpsertOutline(ctx context.Context, o *models.Outline) error {
	acts, err := json.Marshal(o.Acts)
	if err != nil {
		return fmt.Errorf("marshal outline acts: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO outlines (id, book_id, acts, total_acts, complete, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		     acts = EXCLUDED.acts,
		     total_acts = EXCLUDED.total_acts,
		     complete = EXCLUDED.complete,
		     updated_at = EXCLUDED.updated_at`,
		o.ID, o.BookID, acts, o.TotalActs, o.Complete, s.now())
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("upsert outline: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOutline(ctx context.Context, id string) (*models.Outline, error) {
	var o models.Outline
	var acts []byte
	err := s.db.QueryRow(ctx,
		`SELECT id, book_id, acts, total_acts, complete, updated_at FROM outlines WHERE id = $1`, id,
	).Scan(&o.ID, &o.BookID, &acts, &o.TotalActs, &o.Complete, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outline: %w", err)
	}
	if err := json.Unmarshal(acts, &o.Acts); err != nil {
		return nil, fmt.Errorf("unmarshal outline acts: %w", err)
	}
	return &o, nil
}

// execOne runs a statement that must touch exactly one row.
func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

func nullJSON(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}

func utcNow() time.Time {
	return time.Now().UTC()
}

var _ Store = (*PostgresStore)(nil)
