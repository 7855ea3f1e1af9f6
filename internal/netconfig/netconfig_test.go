package netconfig

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-mesh/internal/capability"
	"github.com/nerrad567/gray-logic-mesh/internal/catalog"
	"github.com/nerrad567/gray-logic-mesh/internal/fault"
	"github.com/nerrad567/gray-logic-mesh/internal/unit"
)

func readyUnit(t *testing.T, r *unit.Registry, id uint16) {
	t.Helper()
	_, _, err := r.Add(id)
	require.NoError(t, err)
	for _, s := range []unit.State{unit.StateIdentifyingCapabilities, unit.StateGetInitVals, unit.StateReady} {
		require.NoError(t, r.Transition(id, s))
	}
}

// populated builds a store with two configured units and a named group.
func populated(t *testing.T) *Store {
	t.Helper()
	reg := unit.NewRegistry(0)
	s := NewStore(reg, 4)

	readyUnit(t, reg, 3)
	readyUnit(t, reg, 7)
	require.NoError(t, reg.Rename(3, "Hall sensor"))
	require.NoError(t, reg.SetParam(3, 4, 300, 2))
	require.NoError(t, reg.SetParam(3, 1, -5, 1))
	require.NoError(t, reg.SetGroupMembers(3, 1, []capability.Target{{Node: 1}, {Node: 7, Endpoint: 2}}))
	require.NoError(t, reg.Update(3, func(u *unit.Unit) error {
		u.BasicType, u.GenericType, u.SpecificType = 4, 0x07, 0x01
		u.Listening = false
		u.GroupCount = 3
		u.Capabilities, _ = capability.NewSet(
			capability.Descriptor{ID: capability.SensorMultilevel, Version: 5, Verbs: capability.VerbGet | capability.VerbReport},
			capability.Descriptor{ID: capability.Association, Version: 2},
		)
		u.TemplateKey = &catalog.Signature{Vendor: 0x010f, ProductType: 0x0800, ProductID: 0x1001}
		return nil
	}))
	require.NoError(t, s.RenameGroup(1, "Lifeline"))
	return s
}

func TestGroups_Rename(t *testing.T) {
	g := NewGroups(3)

	_, err := g.Rename(1, "Lights")
	require.NoError(t, err)

	_, err = g.Rename(2, "lights")
	assert.ErrorIs(t, err, ErrDuplicateGroupName)
	assert.ErrorIs(t, err, fault.ErrValidation)

	for _, id := range []uint8{0, 4} {
		_, err = g.Rename(id, "x")
		assert.ErrorIs(t, err, ErrGroupOutOfRange, "id %d", id)
	}

	changed, err := g.Rename(1, "Lights")
	require.NoError(t, err)
	assert.False(t, changed, "same name reported a change")

	changed, err = g.Rename(1, "")
	require.NoError(t, err)
	assert.True(t, changed)

	// Freed name can be reused.
	_, err = g.Rename(2, "Lights")
	assert.NoError(t, err)
	assert.Equal(t, []string{"", "Lights", ""}, g.Names())
}

func TestStore_Serial(t *testing.T) {
	reg := unit.NewRegistry(0)
	s := NewStore(reg, 0)
	assert.Equal(t, DefaultGroupCount, s.GroupCount())

	readyUnit(t, reg, 1)
	s0 := s.Serial()

	require.NoError(t, s.RenameGroup(2, "Sirens"))
	assert.Equal(t, s0+1, s.Serial())

	require.NoError(t, s.RenameGroup(2, "Sirens"))
	assert.Equal(t, s0+1, s.Serial(), "no-op rename moved the serial")

	require.NoError(t, reg.Rename(1, "Porch"))
	assert.Equal(t, s0+2, s.Serial())

	require.NoError(t, reg.MarkAwake(1, true, time.Now()))
	assert.Equal(t, s0+2, s.Serial(), "runtime status moved the serial")

	assert.Equal(t, s0+3, s.Bump())
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	s := populated(t)
	snap := s.Snapshot()

	snap.Groups[0] = "changed"
	snap.Unit(3).Params[4] = unit.ParamValue{Value: 1, Width: 2}

	fresh := s.Snapshot()
	assert.Equal(t, "Lifeline", fresh.Groups[0])
	assert.Equal(t, int32(300), fresh.Unit(3).Params[4].Value)
	assert.Nil(t, fresh.Unit(99))
}

func TestCodec_RoundTrip(t *testing.T) {
	s := populated(t)
	snap := s.Snapshot()

	data, err := Encode(snap)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, snap.Equal(got), "decoded snapshot differs: %v", Diff(snap, got))
	assert.Equal(t, snap.Serial, got.Serial)

	// Restoring into a fresh store compares equal as well.
	other := NewStore(unit.NewRegistry(0), 4)
	require.NoError(t, other.Restore(got))
	assert.True(t, snap.Equal(other.Snapshot()))
	assert.Equal(t, unit.StateDiscovered, other.Snapshot().Unit(3).State)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	data, err := cbor.Marshal(map[int]any{1: 2, 5: "not a unit list"})
	require.NoError(t, err)

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestDecode_Corrupt(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrCorrupt)

	data, err := cbor.Marshal(map[int]any{1: FormatVersion, 3: 2, 4: []string{"a"}})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrCorrupt, "group count disagreeing with the table")
}

func TestRestore_SerialNeverMovesBack(t *testing.T) {
	s := populated(t)
	snap := s.Snapshot()
	for range 5 {
		s.Bump()
	}
	before := s.Serial()

	require.NoError(t, s.Restore(snap))
	assert.Greater(t, s.Serial(), before)

	ahead := snap.Clone()
	ahead.Serial = before + 100
	require.NoError(t, s.Restore(ahead))
	assert.Equal(t, before+100, s.Serial())
}

func TestRestore_GroupCountMismatch(t *testing.T) {
	s := populated(t)
	snap := s.Snapshot()
	snap.Groups = append(snap.Groups, "")

	err := s.Restore(snap)
	assert.ErrorIs(t, err, ErrGroupCountMismatch)
}

func TestSnapshot_Validate(t *testing.T) {
	snap := &Snapshot{
		Groups: []string{"A", "a"},
		Units: []*unit.Unit{
			{ID: 1, Name: "x"},
			{ID: 2, Name: "X"},
			{ID: 9, Name: "y"},
		},
	}
	err := snap.Validate(4, 2)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "group name")
	assert.Contains(t, err.Error(), "unit name")
	assert.Contains(t, err.Error(), "unit id 9 out of range")

	assert.NoError(t, populated(t).Validate())
}

func TestDiff(t *testing.T) {
	s := populated(t)
	a := s.Snapshot()

	reg := s.Units()
	require.NoError(t, reg.Rename(7, "Porch"))
	require.NoError(t, reg.SetParam(3, 4, 600, 2))
	require.NoError(t, reg.SetGroupMembers(3, 1, nil))
	require.NoError(t, reg.MarkFailed(7))
	require.NoError(t, s.RenameGroup(2, "Sirens"))
	readyUnit(t, reg, 9)
	b := s.Snapshot()

	changes := Diff(a, b)
	kinds := make([]ChangeKind, 0, len(changes))
	for _, c := range changes {
		kinds = append(kinds, c.Kind)
	}
	assert.Equal(t, []ChangeKind{
		ChangeGroupRenamed,
		ChangeParam,
		ChangeGroupMembers,
		ChangeUnitRenamed,
		ChangeUnitState,
		ChangeUnitAdded,
	}, kinds)
	assert.Equal(t, "300/2B", changes[1].From)
	assert.Equal(t, "600/2B", changes[1].To)
	assert.Equal(t, "1,7.2", changes[2].From)

	assert.Empty(t, Diff(b, b.Clone()))
}

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE config_blobs (
			driver_id      TEXT PRIMARY KEY,
			format_version INTEGER NOT NULL,
			serial         INTEGER NOT NULL,
			data           BLOB NOT NULL,
			updated_at     TEXT NOT NULL
		) STRICT;`)
	require.NoError(t, err)
	return db
}

func TestSQLiteRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))

	_, _, err := repo.Load(ctx, "zw1")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, repo.Save(ctx, "zw1", 7, []byte{1, 2, 3}))
	require.NoError(t, repo.Save(ctx, "zw1", 8, []byte{4}))

	blob, serial, err := repo.Load(ctx, "zw1")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), serial)
	assert.Equal(t, []byte{4}, blob)

	require.NoError(t, repo.Delete(ctx, "zw1"))
	assert.ErrorIs(t, repo.Delete(ctx, "zw1"), ErrNotFound)
}

func TestSaveLoadStore(t *testing.T) {
	ctx := context.Background()
	repo := NewSQLiteRepository(setupTestDB(t))
	s := populated(t)

	serial, err := SaveStore(ctx, repo, "zw1", s)
	require.NoError(t, err)
	assert.Equal(t, s.Serial(), serial)

	restored := NewStore(unit.NewRegistry(0), 4)
	require.NoError(t, LoadStore(ctx, repo, "zw1", restored))
	assert.True(t, s.Snapshot().Equal(restored.Snapshot()))
	assert.GreaterOrEqual(t, restored.Serial(), serial)

	err = LoadStore(ctx, repo, "other", restored)
	assert.ErrorIs(t, err, ErrNotFound)
}
