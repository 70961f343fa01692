// Package sqlstore reads category facts straight from a MediaWiki database
// (the page, page_props and categorylinks tables) through database/sql.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/efebarandurmaz/katbot/internal/category"
	"github.com/efebarandurmaz/katbot/internal/graph"
	"github.com/efebarandurmaz/katbot/internal/observability"
)

const (
	hiddenQuery = "SELECT page.page_title FROM page" +
		" JOIN page_props ON page.page_id = page_props.pp_page" +
		" WHERE page.page_namespace = 14 AND page_props.pp_propname = 'hiddencat'"

	subcategoriesQuery = "SELECT page.page_title FROM categorylinks" +
		" JOIN page ON categorylinks.cl_from = page.page_id" +
		" WHERE categorylinks.cl_to = %s AND categorylinks.cl_type = 'subcat'" +
		" ORDER BY page.page_title"

	edgesQuery = "SELECT page.page_title, categorylinks.cl_to FROM categorylinks" +
		" JOIN page ON categorylinks.cl_from = page.page_id" +
		" WHERE categorylinks.cl_type = 'subcat'"

	membershipsQuery = "SELECT cl.cl_from, page.page_title, cl.cl_to FROM categorylinks AS cl" +
		" JOIN page ON cl.cl_from = page.page_id" +
		" WHERE cl.cl_type = 'page' AND page.page_namespace = 0"
)

// Dialect renders bind parameters for a driver.
type Dialect string

const (
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "pgx"
)

// Placeholder returns the n-th (1-based) bind parameter.
func (d Dialect) Placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// Placeholders returns count comma-separated bind parameters starting at from.
func (d Dialect) Placeholders(from, count int) string {
	parts := make([]string, count)
	for i := range parts {
		parts[i] = d.Placeholder(from + i)
	}
	return strings.Join(parts, ",")
}

// Options configures a Store.
type Options struct {
	Driver   string
	DSN      string
	Password string
	// ChunkSize bounds the number of IDs per IN (...) query.
	ChunkSize int
	// ProgressEvery logs a progress line every N membership rows.
	ProgressEvery int
}

// Store implements graph.Store over database/sql.
type Store struct {
	db            *sql.DB
	dialect       Dialect
	chunkSize     int
	progressEvery int
	logger        *slog.Logger
}

var _ graph.Store = (*Store)(nil)

// Open connects to the database described by opts and verifies the
// connection. A non-empty Password overrides the one in the DSN.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	db, err := openDB(opts)
	if err != nil {
		return nil, graph.AccessError("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, graph.AccessError("open", err)
	}
	return New(db, Dialect(opts.Driver), opts, logger), nil
}

func openDB(opts Options) (*sql.DB, error) {
	switch Dialect(opts.Driver) {
	case MySQL:
		cfg, err := mysql.ParseDSN(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse mysql dsn: %w", err)
		}
		if opts.Password != "" {
			cfg.Passwd = opts.Password
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("mysql connector: %w", err)
		}
		return sql.OpenDB(connector), nil
	case Postgres:
		cfg, err := pgx.ParseConfig(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if opts.Password != "" {
			cfg.Password = opts.Password
		}
		return stdlib.OpenDB(*cfg), nil
	case SQLite:
		return sql.Open("sqlite", opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect, opts Options, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 10000
	}
	return &Store{
		db:            db,
		dialect:       dialect,
		chunkSize:     opts.ChunkSize,
		progressEvery: opts.ProgressEvery,
		logger:        logger.With("component", "sqlstore", "driver", string(dialect)),
	}
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return graph.AccessError("ping", err)
	}
	return nil
}

func (s *Store) Subcategories(ctx context.Context, name string) ([]string, error) {
	ctx, span := observability.StartStoreSpan(ctx, string(s.dialect), "subcategories")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(subcategoriesQuery, s.dialect.Placeholder(1)), name)
	if err != nil {
		observability.RecordError(span, err)
		return nil, graph.AccessError("subcategories "+name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, graph.AccessError("subcategories "+name, err)
		}
		out = append(out, title)
	}
	if err := rows.Err(); err != nil {
		observability.RecordError(span, err)
		return nil, graph.AccessError("subcategories "+name, err)
	}
	return out, nil
}

func (s *Store) HiddenCategories(ctx context.Context) (category.Set, error) {
	ctx, span := observability.StartStoreSpan(ctx, string(s.dialect), "hidden")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, hiddenQuery)
	if err != nil {
		observability.RecordError(span, err)
		return nil, graph.AccessError("hidden categories", err)
	}
	defer rows.Close()

	out := make(category.Set)
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, graph.AccessError("hidden categories", err)
		}
		out.Add(title)
	}
	if err := rows.Err(); err != nil {
		observability.RecordError(span, err)
		return nil, graph.AccessError("hidden categories", err)
	}
	s.logger.Info("loaded hidden categories", "count", out.Len())
	return out, nil
}

func (s *Store) PageCategories(ctx context.Context, ids []int64) (category.PageMap, error) {
	ctx, span := observability.StartStoreSpan(ctx, string(s.dialect), "page_categories")
	defer span.End()

	out := make(category.PageMap)
	p := &progress{logger: s.logger, every: s.progressEvery}

	if ids == nil {
		if err := s.scanMemberships(ctx, membershipsQuery, nil, out, p); err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		p.done(len(out))
		return out, nil
	}

	for start := 0; start < len(ids); start += s.chunkSize {
		end := min(start+s.chunkSize, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := membershipsQuery + " AND cl.cl_from IN (" + s.dialect.Placeholders(1, len(chunk)) + ")"
		if err := s.scanMemberships(ctx, query, args, out, p); err != nil {
			observability.RecordError(span, err)
			return nil, err
		}
		s.logger.Debug("membership chunk read", "ids", end, "of", len(ids))
	}
	p.done(len(out))
	return out, nil
}

func (s *Store) scanMemberships(ctx context.Context, query string, args []any, out category.PageMap, p *progress) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return graph.AccessError("page categories", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id           int64
			title, catTo string
		)
		if err := rows.Scan(&id, &title, &catTo); err != nil {
			return graph.AccessError("page categories", err)
		}
		out.Add(id, title, catTo)
		p.tick()
	}
	if err := rows.Err(); err != nil {
		return graph.AccessError("page categories", err)
	}
	return nil
}

// Edges lists every sub-category relation in the database.
func (s *Store) Edges(ctx context.Context) ([]graph.Edge, error) {
	ctx, span := observability.StartStoreSpan(ctx, string(s.dialect), "edges")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, edgesQuery)
	if err != nil {
		observability.RecordError(span, err)
		return nil, graph.AccessError("edges", err)
	}
	defer rows.Close()

	var out []graph.Edge
	for rows.Next() {
		var e graph.Edge
		if err := rows.Scan(&e.Child, &e.Parent); err != nil {
			return nil, graph.AccessError("edges", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, graph.AccessError("edges", err)
	}
	return out, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}

type progress struct {
	logger *slog.Logger
	every  int
	rows   int
}

func (p *progress) tick() {
	p.rows++
	if p.every > 0 && p.rows%p.every == 0 {
		p.logger.Info("reading category memberships", "rows", p.rows)
	}
}

func (p *progress) done(pages int) {
	p.logger.Info("read category memberships", "rows", p.rows, "pages", pages)
}
