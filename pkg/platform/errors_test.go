package platform

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name      string
		err       error
		transient bool
		absent    bool
		permanent bool
	}{
		{"transient", Transient(CmdGrantRole, base), true, false, false},
		{"wrapped transient", fmt.Errorf("apply: %w", Transient(CmdGrantRole, base)), true, false, false},
		{"permanent", Permanent(CmdGrantRole, base), false, false, true},
		{"already absent", AlreadyAbsent(CmdRemoveMember, base), false, true, false},
		{"network timeout", timeoutErr{}, true, false, false},
		{"context deadline", context.DeadlineExceeded, false, false, false},
		{"plain error", base, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.absent, IsAlreadyAbsent(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{Command: CmdRevokeRole, Kind: KindPermanent, StatusCode: 403, Err: errors.New("missing permissions")}

	assert.Equal(t, "platform revoke_role failed (permanent, status 403): missing permissions", err.Error())
	assert.ErrorIs(t, err, err.Err)
}
