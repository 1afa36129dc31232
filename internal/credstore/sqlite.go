package credstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"rebalancer/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS portfolios (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schwab_credentials (
	portfolio_id   TEXT PRIMARY KEY REFERENCES portfolios(id),
	access_token   TEXT NOT NULL,
	refresh_token  TEXT NOT NULL,
	redirect_uri   TEXT NOT NULL,
	account_number TEXT NOT NULL DEFAULT '',
	account_hash   TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tradier_credentials (
	portfolio_id TEXT PRIMARY KEY REFERENCES portfolios(id),
	api_key      TEXT NOT NULL,
	account_id   TEXT NOT NULL DEFAULT '',
	sandbox      INTEGER NOT NULL DEFAULT 0
);
`

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema if needed, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Portfolios
// ---------------------------------------------------------------------------

// CreatePortfolio inserts a new portfolio record.
func (s *SQLiteStore) CreatePortfolio(ctx context.Context, p *domain.Portfolio) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO portfolios (id, name, created_at) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.CreatedAt.UnixMilli())
	return err
}

// GetPortfolio retrieves a portfolio by its ID.
func (s *SQLiteStore) GetPortfolio(ctx context.Context, id string) (*domain.Portfolio, error) {
	var p domain.Portfolio
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM portfolios WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	return &p, nil
}

// ListPortfolios returns all portfolios ordered by creation time.
func (s *SQLiteStore) ListPortfolios(ctx context.Context) ([]domain.Portfolio, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM portfolios ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Portfolio
	for rows.Next() {
		var p domain.Portfolio
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.Name, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

// ReadCredential returns the portfolio's credential for the given brokerage.
func (s *SQLiteStore) ReadCredential(ctx context.Context, portfolioID string, brokerage domain.Brokerage) (*domain.Credential, error) {
	switch brokerage {
	case domain.BrokerageSchwab:
		var c domain.SchwabCredential
		err := s.db.QueryRowContext(ctx,
			`SELECT access_token, refresh_token, redirect_uri, account_number, account_hash
			 FROM schwab_credentials WHERE portfolio_id = ?`, portfolioID).
			Scan(&c.AccessToken, &c.RefreshToken, &c.RedirectURI, &c.AccountNumber, &c.AccountHash)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return &domain.Credential{Brokerage: domain.BrokerageSchwab, Schwab: &c}, nil

	case domain.BrokerageTradier:
		var c domain.TradierCredential
		var sandbox int
		err := s.db.QueryRowContext(ctx,
			`SELECT api_key, account_id, sandbox FROM tradier_credentials WHERE portfolio_id = ?`,
			portfolioID).
			Scan(&c.APIKey, &c.AccountID, &sandbox)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		c.Sandbox = sandbox != 0
		return &domain.Credential{Brokerage: domain.BrokerageTradier, Tradier: &c}, nil
	}
	return nil, fmt.Errorf("credstore: unknown brokerage %q", brokerage)
}

// WriteCredential stores the credential. The delete of the other brokerage's
// row and the upsert happen in one transaction so the brokerage binding is
// always exclusive.
func (s *SQLiteStore) WriteCredential(ctx context.Context, portfolioID string, cred *domain.Credential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch cred.Brokerage {
	case domain.BrokerageSchwab:
		if cred.Schwab == nil {
			return fmt.Errorf("credstore: schwab credential missing variant")
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM tradier_credentials WHERE portfolio_id = ?`, portfolioID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schwab_credentials
			   (portfolio_id, access_token, refresh_token, redirect_uri, account_number, account_hash)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(portfolio_id) DO UPDATE SET
			   access_token=excluded.access_token,
			   refresh_token=excluded.refresh_token,
			   redirect_uri=excluded.redirect_uri,
			   account_number=excluded.account_number,
			   account_hash=excluded.account_hash`,
			portfolioID, cred.Schwab.AccessToken, cred.Schwab.RefreshToken,
			cred.Schwab.RedirectURI, cred.Schwab.AccountNumber, cred.Schwab.AccountHash); err != nil {
			return err
		}

	case domain.BrokerageTradier:
		if cred.Tradier == nil {
			return fmt.Errorf("credstore: tradier credential missing variant")
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM schwab_credentials WHERE portfolio_id = ?`, portfolioID); err != nil {
			return err
		}
		sandbox := 0
		if cred.Tradier.Sandbox {
			sandbox = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tradier_credentials (portfolio_id, api_key, account_id, sandbox)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(portfolio_id) DO UPDATE SET
			   api_key=excluded.api_key,
			   account_id=excluded.account_id,
			   sandbox=excluded.sandbox`,
			portfolioID, cred.Tradier.APIKey, cred.Tradier.AccountID, sandbox); err != nil {
			return err
		}

	default:
		return fmt.Errorf("credstore: unknown brokerage %q", cred.Brokerage)
	}

	return tx.Commit()
}

// DeleteCredential removes the portfolio's credential for the given brokerage.
func (s *SQLiteStore) DeleteCredential(ctx context.Context, portfolioID string, brokerage domain.Brokerage) error {
	var table string
	switch brokerage {
	case domain.BrokerageSchwab:
		table = "schwab_credentials"
	case domain.BrokerageTradier:
		table = "tradier_credentials"
	default:
		return fmt.Errorf("credstore: unknown brokerage %q", brokerage)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+table+` WHERE portfolio_id = ?`, portfolioID)
	return err
}

// GetBrokerage returns which brokerage the portfolio is bound to.
func (s *SQLiteStore) GetBrokerage(ctx context.Context, portfolioID string) (domain.Brokerage, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schwab_credentials WHERE portfolio_id = ?`, portfolioID).Scan(&n)
	if err != nil {
		return domain.BrokerageNone, err
	}
	if n > 0 {
		return domain.BrokerageSchwab, nil
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tradier_credentials WHERE portfolio_id = ?`, portfolioID).Scan(&n)
	if err != nil {
		return domain.BrokerageNone, err
	}
	if n > 0 {
		return domain.BrokerageTradier, nil
	}
	return domain.BrokerageNone, nil
}
