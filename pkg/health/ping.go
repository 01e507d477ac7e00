package health

import (
	"context"
	"time"
)

// Pinger is satisfied by *sql.DB and *sqlx.DB
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SQLChecker pings the state repository's database
type SQLChecker struct {
	DB Pinger
}

// NewSQLChecker creates a database ping checker
func NewSQLChecker(db Pinger) *SQLChecker {
	return &SQLChecker{DB: db}
}

func (s *SQLChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := s.DB.PingContext(ctx); err != nil {
		return since(start, false, "ping failed: "+err.Error())
	}
	return since(start, true, "ok")
}

func (s *SQLChecker) Type() CheckType {
	return CheckTypeSQL
}

// PingChecker adapts any ping function, such as a Redis client's
type PingChecker struct {
	Ping func(ctx context.Context) error
}

// NewPingChecker wraps fn as a Checker
func NewPingChecker(fn func(ctx context.Context) error) *PingChecker {
	return &PingChecker{Ping: fn}
}

func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return since(start, false, err.Error())
	}
	return since(start, true, "ok")
}

func (p *PingChecker) Type() CheckType {
	return CheckTypePing
}
