package config

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// SetupDatabase initializes the database connection
func SetupDatabase(cfg *Config) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	// Create tables if they don't exist
	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary tables in the database
func createTables(db *sqlx.DB) error {
	// Create users table
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			username VARCHAR(30) UNIQUE NOT NULL,
			display_name VARCHAR(255) NOT NULL,
			password VARCHAR(255) NOT NULL,
			bio TEXT,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			price BIGINT NOT NULL,
			owner_id VARCHAR(36) REFERENCES users(id),
			version BIGINT NOT NULL DEFAULT 1,
			purchase_count BIGINT NOT NULL DEFAULT 0,
			current_streak INT NOT NULL DEFAULT 0,
			last_login_date TIMESTAMP,
			deactivated_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create transactions table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transactions (
			id VARCHAR(36) PRIMARY KEY,
			buyer_id VARCHAR(36) NOT NULL REFERENCES users(id),
			seller_id VARCHAR(36) REFERENCES users(id),
			target_id VARCHAR(36) NOT NULL REFERENCES users(id),
			price BIGINT NOT NULL,
			seller_received BIGINT,
			target_bonus BIGINT NOT NULL,
			buyer_balance_before BIGINT NOT NULL,
			buyer_balance_after BIGINT NOT NULL,
			seller_balance_before BIGINT,
			seller_balance_after BIGINT,
			target_price_before BIGINT NOT NULL,
			target_price_after BIGINT NOT NULL,
			target_version_before BIGINT NOT NULL,
			target_version_after BIGINT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create ledger_entries table (append-only)
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS ledger_entries (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(36) NOT NULL REFERENCES users(id),
			amount BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			type VARCHAR(32) NOT NULL,
			reference_type VARCHAR(32),
			reference_id VARCHAR(36),
			description TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create notifications table
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS notifications (
			id VARCHAR(36) PRIMARY KEY,
			user_id VARCHAR(36) NOT NULL REFERENCES users(id),
			type VARCHAR(32) NOT NULL,
			data JSONB NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create idempotency_keys table. The primary key is what makes the
	// purchase engine's create-if-absent write safe under concurrency.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key VARCHAR(255) PRIMARY KEY,
			transaction_id VARCHAR(36) NOT NULL REFERENCES transactions(id),
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	// Create indexes for better performance
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_users_owner_id ON users(owner_id)",
		"CREATE INDEX IF NOT EXISTS idx_users_price ON users(price)",
		"CREATE INDEX IF NOT EXISTS idx_ledger_entries_user_id ON ledger_entries(user_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_notifications_user_id ON notifications(user_id, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_idempotency_keys_created_at ON idempotency_keys(created_at)",
	}

	for _, idx := range indexes {
		_, err = db.Exec(idx)
		if err != nil {
			log.Printf("Warning: Failed to create index: %v", err)
			// Don't return error here, indexes are not critical
		}
	}

	return nil
}
