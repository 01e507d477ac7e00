package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/clanmanager/pkg/types"
)

var (
	// Bucket names
	bucketClans       = []byte("clans")
	bucketMembers     = []byte("members")      // nested bucket per clan: user ID -> member
	bucketMemberIndex = []byte("member_index") // user ID -> clan ID
)

// boltClan is the stored clan record. Version increases on every write to
// the clan or its membership.
type boltClan struct {
	types.Clan
	Version uint64 `json:"version"`
}

// BoltStore implements Repository on BoltDB. A Bolt write transaction
// blocks every other writer, so ApplyMutation does not hold one across the
// confirm call. It reads the clan version, runs confirm, and commits only if
// the version is unchanged; otherwise it fails with ErrVersionConflict and
// the next reconciliation pass repairs the difference.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBolt(filepath.Join(dataDir, "clanmanager.db"))
}

// OpenBolt opens or creates a BoltDB file at path
func OpenBolt(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketClans, bucketMembers, bucketMemberIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database file is open and readable
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketClans) == nil {
			return fmt.Errorf("bucket %s missing", bucketClans)
		}
		return nil
	})
}

// Clan operations

func (s *BoltStore) CreateClan(ctx context.Context, clan *types.Clan) error {
	if err := clan.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if clan.CreatedAt.IsZero() {
		clan.CreatedAt = now
	}
	clan.UpdatedAt = now
	for _, r := range clan.Roles {
		r.ClanID = clan.ID
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClans)
		if b.Get([]byte(clan.ID)) != nil {
			return fmt.Errorf("clan %s: %w", clan.ID, ErrAlreadyExists)
		}
		if _, err := tx.Bucket(bucketMembers).CreateBucketIfNotExists([]byte(clan.ID)); err != nil {
			return err
		}
		return putClan(tx, &boltClan{Clan: *clan})
	})
	return txErr(clan.ID, "create clan", err)
}

func (s *BoltStore) GetClan(ctx context.Context, id string) (*types.Clan, error) {
	var rec *boltClan
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getClanRecord(tx, id)
		return err
	})
	if err != nil {
		return nil, txErr(id, "get clan", err)
	}
	return &rec.Clan, nil
}

func (s *BoltStore) ListClans(ctx context.Context) ([]*types.Clan, error) {
	var clans []*types.Clan
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClans)
		return b.ForEach(func(k, v []byte) error {
			var rec boltClan
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			clans = append(clans, &rec.Clan)
			return nil
		})
	})
	if err != nil {
		return nil, txErr("", "list clans", err)
	}
	return clans, nil
}

// UpdateClan stores name, tag, guild, and reverification settings. Roles
// are fixed at registration.
func (s *BoltStore) UpdateClan(ctx context.Context, clan *types.Clan) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getClanRecord(tx, clan.ID)
		if err != nil {
			return err
		}
		rec.Name = clan.Name
		rec.Tag = clan.Tag
		rec.GuildID = clan.GuildID
		rec.ReverifyDays = clan.ReverifyDays
		rec.UpdatedAt = time.Now().UTC()
		rec.Version++
		clan.UpdatedAt = rec.UpdatedAt
		return putClan(tx, rec)
	})
	return txErr(clan.ID, "update clan", err)
}

func (s *BoltStore) DeleteClan(ctx context.Context, id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := getClanRecord(tx, id); err != nil {
			return err
		}

		members := tx.Bucket(bucketMembers)
		index := tx.Bucket(bucketMemberIndex)
		if mb := members.Bucket([]byte(id)); mb != nil {
			err := mb.ForEach(func(k, v []byte) error {
				return index.Delete(k)
			})
			if err != nil {
				return err
			}
			if err := members.DeleteBucket([]byte(id)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketClans).Delete([]byte(id))
	})
	return txErr(id, "delete clan", err)
}

// Membership operations

func (s *BoltStore) GetSnapshot(ctx context.Context, clanID string) (*types.Snapshot, error) {
	var snap *types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		state, _, err := loadBoltState(tx, clanID)
		if err != nil {
			return err
		}
		snap = types.SnapshotFromMembers(state.clan, sortedMembers(state.members))
		return nil
	})
	if err != nil {
		return nil, txErr(clanID, "get snapshot", err)
	}
	return snap, nil
}

func (s *BoltStore) ListMembers(ctx context.Context, clanID string) ([]*types.Member, error) {
	var members []*types.Member
	err := s.db.View(func(tx *bolt.Tx) error {
		state, _, err := loadBoltState(tx, clanID)
		if err != nil {
			return err
		}
		members = sortedMembers(state.members)
		return nil
	})
	if err != nil {
		return nil, txErr(clanID, "list members", err)
	}
	return members, nil
}

func (s *BoltStore) ApplyMutation(ctx context.Context, clanID string, m Mutation, confirm ConfirmFunc) error {
	var (
		version uint64
		changed bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		state, v, err := loadBoltState(tx, clanID)
		if err != nil {
			return err
		}
		version = v
		changed, err = state.check(m, indexLookup(tx))
		return err
	})
	if err != nil {
		return txErr(clanID, string(m.Kind), err)
	}

	if confirm != nil {
		if err := confirm(ctx); err != nil {
			return err
		}
	}

	if !changed {
		return nil
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		state, v, err := loadBoltState(tx, clanID)
		if err != nil {
			return err
		}
		if v != version {
			return fmt.Errorf("%w: read version %d, found %d", ErrVersionConflict, version, v)
		}
		if m.Kind == MutationAddMember {
			// Membership in other clans is not covered by this clan's version
			if _, err := state.check(m, indexLookup(tx)); err != nil {
				return err
			}
		}
		return applyBolt(tx, state, m)
	})
	return txErr(clanID, string(m.Kind), err)
}

func applyBolt(tx *bolt.Tx, state *clanState, m Mutation) error {
	clanID := state.clan.ID
	mb := tx.Bucket(bucketMembers).Bucket([]byte(clanID))
	index := tx.Bucket(bucketMemberIndex)

	rec, err := getClanRecord(tx, clanID)
	if err != nil {
		return err
	}

	switch m.Kind {
	case MutationAddMember:
		joined := m.JoinedAt
		if joined.IsZero() {
			joined = time.Now()
		}
		member := &types.Member{UserID: m.UserID, ClanID: clanID, JoinedAt: joined.UTC()}
		if err := putMember(mb, member); err != nil {
			return err
		}
		if err := index.Put([]byte(m.UserID), []byte(clanID)); err != nil {
			return err
		}

	case MutationRemoveMember:
		if err := mb.Delete([]byte(m.UserID)); err != nil {
			return err
		}
		if err := index.Delete([]byte(m.UserID)); err != nil {
			return err
		}

	case MutationGrantRole:
		member := state.members[m.UserID]
		member.RoleIDs = append(member.RoleIDs, m.RoleID)
		sort.Strings(member.RoleIDs)
		if err := putMember(mb, member); err != nil {
			return err
		}

	case MutationRevokeRole:
		member := state.members[m.UserID]
		kept := member.RoleIDs[:0]
		for _, id := range member.RoleIDs {
			if id != m.RoleID {
				kept = append(kept, id)
			}
		}
		member.RoleIDs = kept
		if err := putMember(mb, member); err != nil {
			return err
		}

	case MutationRenameClan:
		rec.Name = m.Name
		rec.UpdatedAt = time.Now().UTC()
	}

	rec.Version++
	return putClan(tx, rec)
}

func indexLookup(tx *bolt.Tx) func(string) (string, bool, error) {
	return func(userID string) (string, bool, error) {
		v := tx.Bucket(bucketMemberIndex).Get([]byte(userID))
		if v == nil {
			return "", false, nil
		}
		return string(v), true, nil
	}
}

func getClanRecord(tx *bolt.Tx, id string) (*boltClan, error) {
	data := tx.Bucket(bucketClans).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("clan %s: %w", id, ErrNotFound)
	}
	var rec boltClan
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func putClan(tx *bolt.Tx, rec *boltClan) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketClans).Put([]byte(rec.ID), data)
}

func putMember(b *bolt.Bucket, m *types.Member) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return b.Put([]byte(m.UserID), data)
}

func loadBoltState(tx *bolt.Tx, clanID string) (*clanState, uint64, error) {
	rec, err := getClanRecord(tx, clanID)
	if err != nil {
		return nil, 0, err
	}

	state := &clanState{clan: &rec.Clan, members: make(map[string]*types.Member)}
	mb := tx.Bucket(bucketMembers).Bucket([]byte(clanID))
	if mb == nil {
		return state, rec.Version, nil
	}
	err = mb.ForEach(func(k, v []byte) error {
		var m types.Member
		if err := json.Unmarshal(v, &m); err != nil {
			return err
		}
		state.members[m.UserID] = &m
		return nil
	})
	return state, rec.Version, err
}

func sortedMembers(members map[string]*types.Member) []*types.Member {
	out := make([]*types.Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
