package db

import "github.com/jmoiron/sqlx"

// Pool provides separate read and write database connections.
//
// For SQLite with WAL mode, this enables concurrent reads while serializing
// writes through a single connection. For PostgreSQL, both Writer and
// Reader return the same *sqlx.DB since pgx handles pooling internally.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from separate writer and reader connections.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection pool used for INSERT, UPDATE, DELETE, and
// transactions. For SQLite this is limited to a single connection.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the connection pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close closes both the writer and reader pools.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// Open builds a Pool for the given driver ("sqlite" or "postgres").
func Open(driver string, sqlitePath string, postgresDSN string, maxConns, minConns int) (*Pool, error) {
	switch driver {
	case "postgres":
		writer, err := OpenPostgres(postgresDSN, maxConns, minConns)
		if err != nil {
			return nil, err
		}
		sx := sqlx.NewDb(writer, "pgx")
		return NewPool(sx, sx), nil
	default:
		writer, err := OpenSQLite(sqlitePath)
		if err != nil {
			return nil, err
		}
		reader, err := OpenSQLiteReader(sqlitePath)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil
	}
}
