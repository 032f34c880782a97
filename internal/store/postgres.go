package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"tripsync/internal/general/config"
	"tripsync/internal/general/contracts"
	"tripsync/internal/general/logger"
	"tripsync/internal/general/rabbitmq"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool builds a DSN from cfg, configures pgxpool, verifies connectivity, and returns the pool.
func NewPool(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*pgxpool.Pool, error) {
	start := time.Now()

	// build DSN
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(cfg.Database.Host, strconv.Itoa(cfg.Database.Port)),
		Path:   "/" + cfg.Database.Name,
		User:   url.UserPassword(cfg.Database.User, cfg.Database.Password),
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	u.RawQuery = q.Encode()
	dsn := u.String()

	// one-time sanity log (do not print the password)
	logger.Info(ctx, "db_config_check", "Effective DB connection parameters", map[string]any{
		"host":           cfg.Database.Host,
		"port":           cfg.Database.Port,
		"user":           cfg.Database.User,
		"database":       cfg.Database.Name,
		"password_empty": cfg.Database.Password == "",
		"sslmode":        "disable",
	})

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres parse dsn: %w", err)
	}

	pcfg.ConnConfig.ConnectTimeout = 5 * time.Second
	if pcfg.ConnConfig.RuntimeParams == nil {
		pcfg.ConnConfig.RuntimeParams = make(map[string]string, 2)
	}
	pcfg.ConnConfig.RuntimeParams["timezone"] = "UTC"

	pcfg.HealthCheckPeriod = 30 * time.Second
	pcfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	logger.Info(ctx, "db_connected", "Connected to PostgreSQL database", map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return pool, nil
}

// PostgresStore keeps documents in a single JSONB table and announces every
// mutation on the doc_topic exchange so change feeds (this node's and every
// other node's) can push snapshots to their subscribers.
type PostgresStore struct {
	pool   *pgxpool.Pool
	pub    *rabbitmq.Publisher
	feed   *ChangeFeed
	logger *logger.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wires the table-backed store to its change feed. The feed
// must be started separately (feed.Run) before subscriptions see live events.
func NewPostgresStore(pool *pgxpool.Pool, pub *rabbitmq.Publisher, feed *ChangeFeed, log *logger.Logger) *PostgresStore {
	s := &PostgresStore{pool: pool, pub: pub, feed: feed, logger: log}
	feed.bind(s)
	return s
}

// EnsureSchema creates the documents table if it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT        NOT NULL,
			doc_id     TEXT        NOT NULL,
			body       JSONB       NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, doc_id)
		)`)
	if err != nil {
		return fmt.Errorf("ensure documents schema: %w", err)
	}
	return nil
}

// Create writes a full document, overwriting any previous body.
func (s *PostgresStore) Create(ctx context.Context, col Collection, docID string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("store: encode document: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO documents (collection, doc_id, body, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		string(col), docID, body)
	if err != nil {
		return s.wrap("create", col, docID, err)
	}

	s.announce(ctx, col, docID, true, body)
	return nil
}

// Get decodes the document into out, or fails with ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, col Collection, docID string, out any) error {
	var body []byte
	err := s.pool.QueryRow(ctx, `
		SELECT body FROM documents WHERE collection = $1 AND doc_id = $2`,
		string(col), docID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return s.wrap("get", col, docID, err)
	}
	return json.Unmarshal(body, out)
}

// Update applies a top-level merge patch to an existing document. The JSONB
// concatenation operator has exactly the merge semantics subscribers expect:
// patched keys replace, the rest of the body is untouched.
func (s *PostgresStore) Update(ctx context.Context, col Collection, docID string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("store: encode patch: %w", err)
	}

	var body []byte
	err = s.pool.QueryRow(ctx, `
		UPDATE documents
		SET body = body || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND doc_id = $2
		RETURNING body`,
		string(col), docID, patchJSON).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return s.wrap("update", col, docID, err)
	}

	s.announce(ctx, col, docID, true, body)
	return nil
}

// UpdateIf applies the patch only while the document still contains every
// expect field at its given value. A containment check (@>) does the
// comparison inside the same statement, so concurrent claimants race on one
// atomic row update and exactly one of them wins.
func (s *PostgresStore) UpdateIf(ctx context.Context, col Collection, docID string, patch, expect map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("store: encode patch: %w", err)
	}
	expectJSON, err := json.Marshal(expect)
	if err != nil {
		return fmt.Errorf("store: encode expectation: %w", err)
	}

	var body []byte
	err = s.pool.QueryRow(ctx, `
		UPDATE documents
		SET body = body || $3::jsonb, updated_at = now()
		WHERE collection = $1 AND doc_id = $2 AND body @> $4::jsonb
		RETURNING body`,
		string(col), docID, patchJSON, expectJSON).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		// tell a lost race apart from a missing document
		var exists bool
		if qerr := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM documents WHERE collection = $1 AND doc_id = $2)`,
			string(col), docID).Scan(&exists); qerr != nil {
			return s.wrap("update_if", col, docID, qerr)
		}
		if exists {
			return ErrConflict
		}
		return ErrNotFound
	}
	if err != nil {
		return s.wrap("update_if", col, docID, err)
	}

	s.announce(ctx, col, docID, true, body)
	return nil
}

// Delete removes the document and announces its absence. Deleting a missing
// document is a no-op.
func (s *PostgresStore) Delete(ctx context.Context, col Collection, docID string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM documents WHERE collection = $1 AND doc_id = $2`,
		string(col), docID)
	if err != nil {
		return s.wrap("delete", col, docID, err)
	}

	if tag.RowsAffected() > 0 {
		s.announce(ctx, col, docID, false, nil)
	}
	return nil
}

// List returns a snapshot of every document in the collection, ordered by id.
func (s *PostgresStore) List(ctx context.Context, col Collection) ([]Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, body FROM documents WHERE collection = $1 ORDER BY doc_id`,
		string(col))
	if err != nil {
		return nil, s.wrap("list", col, "", err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var docID string
		var body []byte
		if err := rows.Scan(&docID, &body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		snaps = append(snaps, Snapshot{Collection: col, DocID: docID, Exists: true, Data: body})
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap("list", col, "", err)
	}
	return snaps, nil
}

// Subscribe registers a standing listener on one document; the change feed
// delivers the current state first, then every announced mutation.
func (s *PostgresStore) Subscribe(col Collection, docID string, fn ChangeFunc) (Handle, error) {
	return s.feed.Subscribe(col, docID, fn)
}

// SubscribeQuery registers a standing listener on a whole collection.
func (s *PostgresStore) SubscribeQuery(col Collection, fn QueryFunc) (Handle, error) {
	return s.feed.SubscribeQuery(col, fn)
}

// announce publishes the post-mutation state of the document. Subscription
// delivery rides on the broker; a failed publish is logged, not returned,
// because the row mutation itself already committed.
func (s *PostgresStore) announce(ctx context.Context, col Collection, docID string, exists bool, body []byte) {
	msg := contracts.DocChangeMessage{
		Collection: string(col),
		DocID:      docID,
		Exists:     exists,
		Body:       body,
	}
	msg.Producer = "trip-engine"
	msg.SentAt = time.Now().UTC()

	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error(ctx, "doc_change_encode_failed", "Could not encode document change event", err, map[string]any{
			"collection": col, "doc_id": docID,
		})
		return
	}

	routingKey := contracts.RouteDocPrefix + string(col) + "." + docID
	if err := s.pub.Publish(contracts.ExchangeDocTopic, routingKey, payload); err != nil {
		s.logger.Error(ctx, "doc_change_publish_failed", "Could not publish document change event", err, map[string]any{
			"collection": col, "doc_id": docID, "routing_key": routingKey,
		})
	}
}

func (s *PostgresStore) wrap(op string, col Collection, docID string, err error) error {
	return fmt.Errorf("store %s %s/%s: %w: %w", op, col, docID, ErrUnavailable, err)
}
