package main

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

type PostgresDirectory struct {
	db  *sql.DB
	dsn string
}

func NewPostgresDirectory(dsn string) (*PostgresDirectory, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDirectory{db: d, dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDirectory) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.Ping()
}

func (p *PostgresDirectory) Lookup(ctx context.Context, identity string) (*UserRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT domain_and_username,telegram_id,is_bypass,created_at FROM users WHERE domain_and_username = $1`, identity)
	var u UserRecord
	var endpoint sql.NullInt64
	if err := row.Scan(&u.Identity, &endpoint, &u.Bypass, &u.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.EndpointID = endpoint.Int64
	return &u, nil
}

func (p *PostgresDirectory) Create(ctx context.Context, identity string, endpointID int64, bypass bool) (bool, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users(domain_and_username,telegram_id,is_bypass,created_at) VALUES($1,$2,$3,now())`, identity, endpointID, bypass)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// unique violation: the existing record wins
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (p *PostgresDirectory) close() error { return p.db.Close() }
func (p *PostgresDirectory) ping() bool   { return p.db.Ping() == nil }
