package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wattcoin/bounty-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time.
// This ensures schema init works inside the Docker runtime image which
// does not copy internal/db/schema.sql into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore archives review, payout, and security-event history for the
// read-only query endpoints. The engine degrades to JSON-only persistence
// when no DATABASE_URL is configured: a nil *PostgresStore is valid and all
// writes become no-ops at the call sites.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx
func Connect(connStr string) (*PostgresStore, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL for bounty archive")
	return &PostgresStore{pool: pool}, nil
}

// Close gracefully closes the connection pool
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (s *PostgresStore) InitSchema() error {
	_, err := s.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("Bounty archive schema initialized")
	return nil
}

// SaveReview appends a quality or safety review row.
func (s *PostgresStore) SaveReview(ctx context.Context, prNumber, attempt int, kind string, score int, verdict, riskLevel, summary string) error {
	sql := `
		INSERT INTO pr_reviews (pr_number, attempt, reviewer_kind, score, verdict, risk_level, summary)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.pool.Exec(ctx, sql, prNumber, attempt, kind, score, verdict, riskLevel, summary)
	return err
}

// SavePayout records an executed bounty payment. The pr_number primary key
// doubles as an idempotency guard: a re-delivered merge event conflicts and
// leaves the original row untouched.
func (s *PostgresStore) SavePayout(ctx context.Context, p models.PayoutRecord) error {
	sql := `
		INSERT INTO pr_payouts (pr_number, issue_number, wallet, amount_watt, tx_signature, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pr_number) DO NOTHING;
	`
	_, err := s.pool.Exec(ctx, sql, p.PRNumber, p.IssueNumber, p.Wallet, p.Amount, p.TxSignature, p.PaidAt)
	return err
}

// SaveSecurityEvent archives one gate decision.
func (s *PostgresStore) SaveSecurityEvent(ctx context.Context, eventType string, details map[string]any) error {
	blob, err := json.Marshal(details)
	if err != nil {
		blob = []byte("{}")
	}
	sql := `INSERT INTO security_events (event_type, details) VALUES ($1, $2);`
	_, err = s.pool.Exec(ctx, sql, eventType, blob)
	return err
}

// SaveBountyEvaluation upserts the evaluator's adjudication of an issue.
func (s *PostgresStore) SaveBountyEvaluation(ctx context.Context, ev models.BountyEvaluation) error {
	flags, err := json.Marshal(ev.Flags)
	if err != nil {
		flags = []byte("[]")
	}
	sql := `
		INSERT INTO bounty_evaluations (issue_number, decision, score, amount_watt, tier, summary, flags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (issue_number) DO UPDATE SET
			decision = EXCLUDED.decision,
			score = EXCLUDED.score,
			amount_watt = EXCLUDED.amount_watt,
			tier = EXCLUDED.tier,
			summary = EXCLUDED.summary,
			flags = EXCLUDED.flags,
			evaluated_at = NOW();
	`
	_, err = s.pool.Exec(ctx, sql, ev.IssueNumber, ev.Decision, ev.Score, ev.Amount, ev.Tier, ev.Reasoning, flags)
	return err
}

// RecentPayouts returns the most recent executed payouts for the stats API.
func (s *PostgresStore) RecentPayouts(ctx context.Context, limit int) ([]models.PayoutRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT pr_number, issue_number, wallet, amount_watt, tx_signature, paid_at
		FROM pr_payouts
		ORDER BY paid_at DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payouts := make([]models.PayoutRecord, 0)
	for rows.Next() {
		var p models.PayoutRecord
		if err := rows.Scan(&p.PRNumber, &p.IssueNumber, &p.Wallet, &p.Amount, &p.TxSignature, &p.PaidAt); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

type LeaderboardEntry struct {
	Wallet    string `json:"wallet"`
	TotalWatt int64  `json:"totalWatt"`
	Payouts   int    `json:"payouts"`
}

// Leaderboard aggregates total WATT paid per wallet.
func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	sql := `
		SELECT wallet, SUM(amount_watt) AS total, COUNT(*) AS payouts
		FROM pr_payouts
		GROUP BY wallet
		ORDER BY total DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, sql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]LeaderboardEntry, 0)
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.Wallet, &e.TotalWatt, &e.Payouts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
