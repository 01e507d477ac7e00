package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker verifies that a dependency such as Postgres or Redis accepts
// connections
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCP checker with a 5 second dial timeout
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return since(start, false, fmt.Sprintf("connection failed: %v", err))
	}
	conn.Close()

	return since(start, true, fmt.Sprintf("connected to %s", t.Address))
}

func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
