package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/cuemby/clanmanager/pkg/types"
)

type fakeSource struct {
	clans   []*types.Clan
	members map[string][]*types.Member
	err     error
}

func (f *fakeSource) ListClans(ctx context.Context) ([]*types.Clan, error) {
	return f.clans, f.err
}

func (f *fakeSource) ListMembers(ctx context.Context, clanID string) ([]*types.Member, error) {
	return f.members[clanID], nil
}

func TestCollectorPublishesInventory(t *testing.T) {
	src := &fakeSource{
		clans: []*types.Clan{{ID: "c1"}, {ID: "c2"}},
		members: map[string][]*types.Member{
			"c1": {{UserID: "u1"}, {UserID: "u2"}},
			"c2": {{UserID: "u3"}},
		},
	}

	NewCollector(src, time.Second).Collect(context.Background())

	assert.Equal(t, 2.0, testutil.ToFloat64(ClansTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(MembersTotal.WithLabelValues("c1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(MembersTotal.WithLabelValues("c2")))
}

func TestCollectorKeepsGaugesOnListError(t *testing.T) {
	ClansTotal.Set(7)

	NewCollector(&fakeSource{err: errors.New("db down")}, time.Second).Collect(context.Background())

	assert.Equal(t, 7.0, testutil.ToFloat64(ClansTotal))
}
