package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	uniqueViolationCode     = "23505"
	foreignKeyViolationCode = "23503"
	connectAttempts         = 30
)

// Querier é satisfeito tanto pelo pool quanto por uma pgx.Tx, assim os
// repositórios funcionam dentro e fora de transação
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Tx representa uma transação de banco de dados
type Tx interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// DB é o que os use cases recebem: consultas avulsas e abertura de transação
type DB interface {
	Querier
	BeginTx(ctx context.Context) (Tx, error)
}

// Config contém os parâmetros de conexão com o PostgreSQL
type Config struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     string `envconfig:"PORT" default:"5432"`
	User     string `envconfig:"USER" default:"root"`
	Password string `envconfig:"PASSWORD" default:"pass"`
	Name     string `envconfig:"NAME" default:"checkout_db"`
	SSLMode  string `envconfig:"SSLMODE" default:"disable"`
	MaxConns int32  `envconfig:"MAX_CONNS" default:"10"`
}

// DSN monta a connection string no formato URL, com usuário e senha escapados
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// Pool adapta o *pgxpool.Pool para a interface DB
type Pool struct {
	*pgxpool.Pool
}

// BeginTx abre uma transação no pool
func (p *Pool) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Connect cria o pool e aguarda o banco ficar disponível
func Connect(ctx context.Context, cfg Config, log *zap.Logger) (*Pool, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = cfg.MaxConns
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute
	config.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	for i := 0; i < connectAttempts; i++ {
		if err := pool.Ping(ctx); err == nil {
			log.Info("✅ Connected to checkout database", zap.String("host", cfg.Host), zap.String("database", cfg.Name))
			return &Pool{Pool: pool}, nil
		}
		log.Info("⏳ Waiting for database...", zap.Int("attempt", i+1), zap.Int("max_attempts", connectAttempts))

		select {
		case <-ctx.Done():
			pool.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	pool.Close()
	return nil, fmt.Errorf("failed to connect to database after %d attempts", connectAttempts)
}

// IsUniqueViolation indica se o erro veio de uma constraint UNIQUE.
// Quando constraint não é vazio, o nome da constraint também precisa bater.
func IsUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolationCode {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// IsForeignKeyViolation indica se o erro veio de uma FOREIGN KEY
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolationCode
}
