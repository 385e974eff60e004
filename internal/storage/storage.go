package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	embedding "github.com/matthewjhunter/go-embedding"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// idChunk bounds the number of bind variables in a single IN (...) clause.
const idChunk = 500

// SQLStore implements Store over database/sql. SQLite (modernc) is the
// default; Postgres is supported through lib/pq with the same statements.
type SQLStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore opens (creating if needed) a SQLite database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	return Open(DriverSQLite, dbPath)
}

// dialect returns the schema and placeholder style for a driver.
func dialect(driver string) (string, sq.PlaceholderFormat, error) {
	switch driver {
	case DriverSQLite:
		return sqliteSchema, sq.Question, nil
	case DriverPostgres:
		return postgresSchema, sq.Dollar, nil
	}
	return "", nil, fmt.Errorf("unsupported database driver %q", driver)
}

// Open connects to the given driver and initializes the schema.
func Open(driver, dsn string) (*SQLStore, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	schema, format, err := dialect(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fail("open database", err)
	}
	if driver == DriverSQLite {
		// One writer at a time; the pool queues instead of returning SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fail("initialize schema", err)
	}

	return &SQLStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(format),
	}, nil
}

// sqliteDSN adds the pragmas needed for a feedback relay writing while a
// scoring run reads.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Articles

// SaveArticle inserts an article unless one with the same ID already exists.
// Returns true when a new row was written.
func (s *SQLStore) SaveArticle(ctx context.Context, a Article) (bool, error) {
	if a.FetchedAt.IsZero() {
		a.FetchedAt = time.Now()
	}
	query, args, err := s.sb.Insert("articles").
		Columns("id", "feed_url", "source", "title", "url", "text", "published_at", "fetched_at").
		Values(a.ID, a.FeedURL, a.Source, a.Title, a.URL, a.Text, utcPtr(a.PublishedAt), a.FetchedAt.UTC()).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert article: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fail("save article", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("save article", err)
	}
	return n > 0, nil
}

var articleColumns = []string{
	"a.id", "a.feed_url", "a.source", "a.title", "a.url", "a.text", "a.published_at", "a.fetched_at",
}

// GetArticle returns a single article or ErrNotFound.
func (s *SQLStore) GetArticle(ctx context.Context, id string) (*Article, error) {
	found, err := s.GetArticles(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	a, ok := found[id]
	if !ok {
		return nil, fmt.Errorf("article %s: %w", id, ErrNotFound)
	}
	return &a, nil
}

// GetArticles returns the known articles among ids, keyed by ID.
func (s *SQLStore) GetArticles(ctx context.Context, ids []string) (map[string]Article, error) {
	result := make(map[string]Article, len(ids))
	for _, chunk := range chunks(ids) {
		query, args, err := s.sb.Select(articleColumns...).
			From("articles a").
			Where(sq.Eq{"a.id": chunk}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build get articles: %w", err)
		}
		articles, err := s.queryArticles(ctx, "get articles", query, args)
		if err != nil {
			return nil, err
		}
		for _, a := range articles {
			result[a.ID] = a
		}
	}
	return result, nil
}

// UndecidedArticles returns stored articles that have no decision for the
// user yet, newest first. Once decided, an article never shows up here again.
func (s *SQLStore) UndecidedArticles(ctx context.Context, userID string, limit int) ([]Article, error) {
	query, args, err := s.undecidedQuery(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("build undecided articles: %w", err)
	}
	return s.queryArticles(ctx, "undecided articles", query, args)
}

func (s *SQLStore) undecidedQuery(userID string, limit int) (string, []any, error) {
	b := s.sb.Select(articleColumns...).
		From("articles a").
		LeftJoin("decisions d ON d.item_id = a.id AND d.user_id = ?", userID).
		Where("d.item_id IS NULL").
		OrderBy("a.fetched_at DESC", "a.id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return b.ToSql()
}

func (s *SQLStore) queryArticles(ctx context.Context, op, query string, args []any) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail(op, err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		var a Article
		var published sql.NullTime
		if err := rows.Scan(&a.ID, &a.FeedURL, &a.Source, &a.Title, &a.URL, &a.Text, &published, &a.FetchedAt); err != nil {
			return nil, fail(op, err)
		}
		if published.Valid {
			t := published.Time
			a.PublishedAt = &t
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(op, err)
	}
	return articles, nil
}

// Feedback

// RecordFeedback appends a feedback event. It never deduplicates: resolving
// repeated signals for the same item is the profile builder's job.
func (s *SQLStore) RecordFeedback(ctx context.Context, ev FeedbackEvent) error {
	if !ev.Signal.Valid() {
		return fmt.Errorf("record feedback for %s: %w", ev.ItemID, ErrInvalidSignal)
	}
	if ev.ItemID == "" || ev.UserID == "" {
		return fmt.Errorf("record feedback: item and user are required")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	query, args, err := s.sb.Insert("feedback").
		Columns("item_id", "user_id", "signal", "created_at").
		Values(ev.ItemID, ev.UserID, int64(ev.Signal), ev.CreatedAt.UTC()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert feedback: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fail("record feedback", err)
	}
	return nil
}

// LoadEvents returns every feedback event for the user, oldest first.
func (s *SQLStore) LoadEvents(ctx context.Context, userID string) ([]FeedbackEvent, error) {
	query, args, err := s.sb.Select("id", "item_id", "user_id", "signal", "created_at").
		From("feedback").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build load events: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail("load events", err)
	}
	defer rows.Close()

	var events []FeedbackEvent
	for rows.Next() {
		var ev FeedbackEvent
		var signal int
		if err := rows.Scan(&ev.ID, &ev.ItemID, &ev.UserID, &signal, &ev.CreatedAt); err != nil {
			return nil, fail("load events", err)
		}
		ev.Signal = Signal(signal)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("load events", err)
	}
	return events, nil
}

// Embedding cache

// GetEmbedding returns the cached vector for an item, or nil when absent.
func (s *SQLStore) GetEmbedding(ctx context.Context, itemID, model string) ([]float32, error) {
	query, args, err := s.sb.Select("vector").
		From("embeddings").
		Where(sq.Eq{"item_id": itemID, "model": model}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get embedding: %w", err)
	}
	var raw []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("get embedding", err)
	}
	return embedding.DecodeFloat32s(raw), nil
}

// PutEmbedding stores or replaces the vector for an item.
func (s *SQLStore) PutEmbedding(ctx context.Context, itemID, model string, vec []float32) error {
	query, args, err := s.sb.Insert("embeddings").
		Columns("item_id", "model", "vector", "created_at").
		Values(itemID, model, embedding.EncodeFloat32s(vec), time.Now().UTC()).
		Suffix("ON CONFLICT (item_id, model) DO UPDATE SET vector = excluded.vector, created_at = excluded.created_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build put embedding: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fail("put embedding", err)
	}
	return nil
}

// Decisions

// DecidedItems reports which of itemIDs already carry a decision for the user.
func (s *SQLStore) DecidedItems(ctx context.Context, userID string, itemIDs []string) (map[string]bool, error) {
	decided := make(map[string]bool)
	for _, chunk := range chunks(itemIDs) {
		query, args, err := s.sb.Select("item_id").
			From("decisions").
			Where(sq.Eq{"user_id": userID, "item_id": chunk}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build decided items: %w", err)
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fail("decided items", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fail("decided items", err)
			}
			decided[id] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fail("decided items", err)
		}
	}
	return decided, nil
}

// SaveDecision persists a decision if none exists yet for (user, item).
// Returns false when an earlier decision won; the stored one is left as is.
func (s *SQLStore) SaveDecision(ctx context.Context, d Decision) (bool, error) {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now()
	}
	query, args, err := s.insertDecisionQuery(d)
	if err != nil {
		return false, fmt.Errorf("build insert decision: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fail("save decision", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("save decision", err)
	}
	return n > 0, nil
}

func (s *SQLStore) insertDecisionQuery(d Decision) (string, []any, error) {
	topics, err := json.Marshal(nonNilTopics(d.Topics))
	if err != nil {
		return "", nil, fmt.Errorf("encode topics: %w", err)
	}
	return s.sb.Insert("decisions").
		Columns(decisionColumns...).
		Values(d.UserID, d.ItemID, d.Notify, d.Rationale, d.Phase, floatPtr(d.Similarity), floatPtr(d.Score),
			string(topics), d.RunID, d.Degraded, d.DecidedAt.UTC(), utcPtr(d.DeliveredAt)).
		Suffix("ON CONFLICT (user_id, item_id) DO NOTHING").
		ToSql()
}

var decisionColumns = []string{
	"user_id", "item_id", "notify", "rationale", "phase", "similarity", "score",
	"topics", "run_id", "degraded", "decided_at", "delivered_at",
}

// GetDecision returns the decision for (user, item) or ErrNotFound.
func (s *SQLStore) GetDecision(ctx context.Context, userID, itemID string) (*Decision, error) {
	query, args, err := s.sb.Select(decisionColumns...).
		From("decisions").
		Where(sq.Eq{"user_id": userID, "item_id": itemID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get decision: %w", err)
	}
	decisions, err := s.queryDecisions(ctx, "get decision", query, args)
	if err != nil {
		return nil, err
	}
	if len(decisions) == 0 {
		return nil, fmt.Errorf("decision %s/%s: %w", userID, itemID, ErrNotFound)
	}
	return &decisions[0], nil
}

// ListDecisions returns the user's most recent decisions.
func (s *SQLStore) ListDecisions(ctx context.Context, userID string, limit int) ([]Decision, error) {
	b := s.sb.Select(decisionColumns...).
		From("decisions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("decided_at DESC", "item_id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list decisions: %w", err)
	}
	return s.queryDecisions(ctx, "list decisions", query, args)
}

// PendingDeliveries returns notify decisions that were never delivered.
func (s *SQLStore) PendingDeliveries(ctx context.Context, userID string) ([]Decision, error) {
	query, args, err := s.sb.Select(decisionColumns...).
		From("decisions").
		Where(sq.Eq{"user_id": userID, "notify": true, "delivered_at": nil}).
		OrderBy("decided_at ASC", "item_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending deliveries: %w", err)
	}
	return s.queryDecisions(ctx, "pending deliveries", query, args)
}

// MarkDelivered records that the notification for a decision went out.
func (s *SQLStore) MarkDelivered(ctx context.Context, userID, itemID string, at time.Time) error {
	query, args, err := s.sb.Update("decisions").
		Set("delivered_at", at.UTC()).
		Where(sq.Eq{"user_id": userID, "item_id": itemID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark delivered: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fail("mark delivered", err)
	}
	return nil
}

func (s *SQLStore) queryDecisions(ctx context.Context, op, query string, args []any) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail(op, err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		var (
			d          Decision
			similarity sql.NullFloat64
			score      sql.NullFloat64
			topics     string
			delivered  sql.NullTime
		)
		if err := rows.Scan(&d.UserID, &d.ItemID, &d.Notify, &d.Rationale, &d.Phase, &similarity, &score,
			&topics, &d.RunID, &d.Degraded, &d.DecidedAt, &delivered); err != nil {
			return nil, fail(op, err)
		}
		if similarity.Valid {
			v := similarity.Float64
			d.Similarity = &v
		}
		if score.Valid {
			v := score.Float64
			d.Score = &v
		}
		if delivered.Valid {
			t := delivered.Time
			d.DeliveredAt = &t
		}
		if err := json.Unmarshal([]byte(topics), &d.Topics); err != nil {
			return nil, fail(op, fmt.Errorf("decode topics for %s: %w", d.ItemID, err))
		}
		decisions = append(decisions, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(op, err)
	}
	return decisions, nil
}

// DecisionTopics returns the judge topics stored on the user's decisions
// for itemIDs. Items without a decision are absent from the map.
func (s *SQLStore) DecisionTopics(ctx context.Context, userID string, itemIDs []string) (map[string][]string, error) {
	result := make(map[string][]string)
	for _, chunk := range chunks(itemIDs) {
		query, args, err := s.sb.Select("item_id", "topics").
			From("decisions").
			Where(sq.Eq{"user_id": userID, "item_id": chunk}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build decision topics: %w", err)
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fail("decision topics", err)
		}
		for rows.Next() {
			var id, raw string
			if err := rows.Scan(&id, &raw); err != nil {
				rows.Close()
				return nil, fail("decision topics", err)
			}
			var topics []string
			if err := json.Unmarshal([]byte(raw), &topics); err != nil {
				rows.Close()
				return nil, fail("decision topics", fmt.Errorf("decode topics for %s: %w", id, err))
			}
			result[id] = topics
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fail("decision topics", err)
		}
	}
	return result, nil
}

// TopDecisions returns the user's best-scored notify decisions made since
// the given time, highest score first.
func (s *SQLStore) TopDecisions(ctx context.Context, userID string, since time.Time, minScore float64, limit int) ([]Decision, error) {
	b := s.sb.Select(decisionColumns...).
		From("decisions").
		Where(sq.Eq{"user_id": userID, "notify": true}).
		Where(sq.GtOrEq{"score": minScore, "decided_at": since.UTC()}).
		OrderBy("score DESC", "decided_at DESC", "item_id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build top decisions: %w", err)
	}
	return s.queryDecisions(ctx, "top decisions", query, args)
}

// Tracked articles

// SaveTrackedArticle stores a tracked page. Returns false when the user
// already tracks it.
func (s *SQLStore) SaveTrackedArticle(ctx context.Context, t TrackedArticle) (bool, error) {
	if t.UserID == "" || t.ItemID == "" {
		return false, fmt.Errorf("save tracked article: user and item are required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	query, args, err := s.sb.Insert("tracked_articles").
		Columns("user_id", "item_id", "url", "title", "text", "created_at").
		Values(t.UserID, t.ItemID, t.URL, t.Title, t.Text, t.CreatedAt.UTC()).
		Suffix("ON CONFLICT (user_id, item_id) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert tracked article: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fail("save tracked article", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("save tracked article", err)
	}
	return n > 0, nil
}

// TrackedArticles returns the user's tracked pages, oldest first.
func (s *SQLStore) TrackedArticles(ctx context.Context, userID string) ([]TrackedArticle, error) {
	query, args, err := s.sb.Select("user_id", "item_id", "url", "title", "text", "created_at").
		From("tracked_articles").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at ASC", "item_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build tracked articles: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fail("tracked articles", err)
	}
	defer rows.Close()

	var tracked []TrackedArticle
	for rows.Next() {
		var t TrackedArticle
		if err := rows.Scan(&t.UserID, &t.ItemID, &t.URL, &t.Title, &t.Text, &t.CreatedAt); err != nil {
			return nil, fail("tracked articles", err)
		}
		tracked = append(tracked, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("tracked articles", err)
	}
	return tracked, nil
}

// Digests

// GetDigest returns the user's digest for day or ErrNotFound.
func (s *SQLStore) GetDigest(ctx context.Context, userID, day string) (*Digest, error) {
	query, args, err := s.sb.Select("user_id", "day", "item_ids", "brief", "created_at", "delivered_at").
		From("digests").
		Where(sq.Eq{"user_id": userID, "day": day}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get digest: %w", err)
	}
	var (
		d         Digest
		ids       string
		delivered sql.NullTime
	)
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&d.UserID, &d.Day, &ids, &d.Brief, &d.CreatedAt, &delivered)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("digest %s/%s: %w", userID, day, ErrNotFound)
	}
	if err != nil {
		return nil, fail("get digest", err)
	}
	if err := json.Unmarshal([]byte(ids), &d.ItemIDs); err != nil {
		return nil, fail("get digest", fmt.Errorf("decode item ids: %w", err))
	}
	if delivered.Valid {
		t := delivered.Time
		d.DeliveredAt = &t
	}
	return &d, nil
}

// SaveDigest stores a digest unless the user already has one for that day.
func (s *SQLStore) SaveDigest(ctx context.Context, d Digest) (bool, error) {
	ids, err := json.Marshal(nonNilTopics(d.ItemIDs))
	if err != nil {
		return false, fmt.Errorf("encode item ids: %w", err)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	query, args, err := s.sb.Insert("digests").
		Columns("user_id", "day", "item_ids", "brief", "created_at", "delivered_at").
		Values(d.UserID, d.Day, string(ids), d.Brief, d.CreatedAt.UTC(), utcPtr(d.DeliveredAt)).
		Suffix("ON CONFLICT (user_id, day) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build insert digest: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fail("save digest", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fail("save digest", err)
	}
	return n > 0, nil
}

// MarkDigestDelivered records that the day's digest reached the user.
func (s *SQLStore) MarkDigestDelivered(ctx context.Context, userID, day string, at time.Time) error {
	query, args, err := s.sb.Update("digests").
		Set("delivered_at", at.UTC()).
		Where(sq.Eq{"user_id": userID, "day": day}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build mark digest delivered: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fail("mark digest delivered", err)
	}
	return nil
}

// Feeds

// GetFeedState returns the stored fetch state for a feed, or nil if the feed
// has never been polled.
func (s *SQLStore) GetFeedState(ctx context.Context, url string) (*FeedState, error) {
	query, args, err := s.sb.Select("url", "title", "etag", "last_modified", "last_fetched", "last_error").
		From("feeds").
		Where(sq.Eq{"url": url}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get feed state: %w", err)
	}
	var st FeedState
	var fetched sql.NullTime
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&st.URL, &st.Title, &st.ETag, &st.LastModified, &fetched, &st.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("get feed state", err)
	}
	if fetched.Valid {
		t := fetched.Time
		st.LastFetched = &t
	}
	return &st, nil
}

// SaveFeedState upserts the fetch state for a feed.
func (s *SQLStore) SaveFeedState(ctx context.Context, st FeedState) error {
	query, args, err := s.sb.Insert("feeds").
		Columns("url", "title", "etag", "last_modified", "last_fetched", "last_error").
		Values(st.URL, st.Title, st.ETag, st.LastModified, utcPtr(st.LastFetched), st.LastError).
		Suffix(`ON CONFLICT (url) DO UPDATE SET title = excluded.title, etag = excluded.etag,
			last_modified = excluded.last_modified, last_fetched = excluded.last_fetched,
			last_error = excluded.last_error`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build save feed state: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fail("save feed state", err)
	}
	return nil
}

func chunks(ids []string) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(len(ids), idChunk)
		out = append(out, ids[:n])
		ids = ids[n:]
	}
	return out
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func floatPtr(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nonNilTopics(topics []string) []string {
	if topics == nil {
		return []string{}
	}
	return topics
}
