package known

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/srg/wearsense/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type StoreTestSuite struct {
	suite.Suite
	store *Store
}

func (suite *StoreTestSuite) SetupTest() {
	s, err := NewStore(nil, nil)
	suite.Require().NoError(err)
	suite.store = s
}

func placeholder(localID, name string) Metadata {
	return Metadata{MAC: device.PlaceholderMAC(localID), Name: name, LocalIDs: []string{localID}}
}

func connected(mac, serial string) Metadata {
	return Metadata{
		MAC:      mac,
		Serial:   serial,
		Model:    device.ModelMetaMotionS,
		Firmware: "1.7.3",
		Modules:  []device.Module{device.ModuleAccelerometer, device.ModuleGyroscope},
	}
}

func (suite *StoreTestSuite) TestMergeIsOrderIndependent() {
	// GOAL: Verify a placeholder record never overwrites a real MAC, whichever arrives first
	//
	// TEST SCENARIO: Reconcile placeholder then real → reconcile real then placeholder
	// in a fresh store → both stores hold the same single record

	placeholderFirst := suite.store
	_, err := placeholderFirst.Reconcile("L1", placeholder("L1", "Left wrist"))
	suite.Require().NoError(err)
	_, err = placeholderFirst.Reconcile("L1", connected("C8:4B:AA:97:50:05", "0A1B2C"))
	suite.Require().NoError(err)

	realFirst, err := NewStore(nil, nil)
	suite.Require().NoError(err)
	_, err = realFirst.Reconcile("L1", connected("C8:4B:AA:97:50:05", "0A1B2C"))
	suite.Require().NoError(err)
	_, err = realFirst.Reconcile("L1", placeholder("L1", "Left wrist"))
	suite.Require().NoError(err)

	suite.Assert().Equal(placeholderFirst.Devices(), realFirst.Devices(), "MUST converge regardless of order")

	devices := realFirst.Devices()
	suite.Require().Len(devices, 1, "placeholder MUST be folded into the real record")
	got := devices[0]
	suite.Assert().Equal("C8:4B:AA:97:50:05", got.MAC)
	suite.Assert().Equal("Left wrist", got.Name)
	suite.Assert().Equal("0A1B2C", got.Serial)
	suite.Assert().Equal(device.ModelMetaMotionS, got.Model)
	suite.Assert().Equal([]string{"L1"}, got.LocalIDs)
}

func advertised(mac, serial, name string) Metadata {
	m := connected(mac, serial)
	m.Name = name
	return m
}

func (suite *StoreTestSuite) TestPersistedNameBeatsAdvertisedName() {
	// GOAL: Verify a name already held for a placeholder survives the board's advertised name
	//
	// TEST SCENARIO: Reconcile placeholder "Left wrist" then a real record advertising
	// "MetaWear" → and in the opposite order → both stores keep "Left wrist"

	placeholderFirst := suite.store
	_, err := placeholderFirst.Reconcile("L1", placeholder("L1", "Left wrist"))
	suite.Require().NoError(err)
	got, err := placeholderFirst.Reconcile("L1", advertised("C8:4B:AA:97:50:05", "0A1B2C", "MetaWear"))
	suite.Require().NoError(err)
	suite.Assert().Equal("Left wrist", got.Name, "stored name MUST win over the advertised one")
	suite.Assert().Equal("C8:4B:AA:97:50:05", got.MAC, "real MAC MUST win over the placeholder")

	realFirst, err := NewStore(nil, nil)
	suite.Require().NoError(err)
	_, err = realFirst.Reconcile("L1", advertised("C8:4B:AA:97:50:05", "0A1B2C", "MetaWear"))
	suite.Require().NoError(err)
	suite.Require().NoError(realFirst.Rename("C8:4B:AA:97:50:05", "Left wrist"))
	got, err = realFirst.Reconcile("L1", placeholder("L1", "MetaWear"))
	suite.Require().NoError(err)
	suite.Assert().Equal("Left wrist", got.Name, "renamed name MUST survive a later placeholder")
	suite.Assert().True(got.Renamed, "MUST keep the rename marker")
}

func (suite *StoreTestSuite) TestRenameWinsInEitherOrder() {
	// GOAL: Verify a user rename outranks the name the board advertises, whichever record arrives first
	//
	// TEST SCENARIO: Rename placeholder then reconcile named real record → rename real record
	// then reconcile named placeholder → both stores hold "Left wrist" on the real MAC

	placeholderFirst := suite.store
	_, err := placeholderFirst.Reconcile("L1", placeholder("L1", "MetaWear"))
	suite.Require().NoError(err)
	suite.Require().NoError(placeholderFirst.Rename(device.PlaceholderMAC("L1"), "Left wrist"))
	_, err = placeholderFirst.Reconcile("L1", advertised("C8:4B:AA:97:50:05", "0A1B2C", "MetaWear"))
	suite.Require().NoError(err)

	realFirst, err := NewStore(nil, nil)
	suite.Require().NoError(err)
	_, err = realFirst.Reconcile("L1", advertised("C8:4B:AA:97:50:05", "0A1B2C", "MetaWear"))
	suite.Require().NoError(err)
	suite.Require().NoError(realFirst.Rename("C8:4B:AA:97:50:05", "Left wrist"))
	_, err = realFirst.Reconcile("L1", placeholder("L1", "MetaWear"))
	suite.Require().NoError(err)

	suite.Assert().Equal(placeholderFirst.Devices(), realFirst.Devices(), "MUST converge regardless of order")
	devices := realFirst.Devices()
	suite.Require().Len(devices, 1)
	suite.Assert().Equal("Left wrist", devices[0].Name, "user rename MUST win over the advertised name")
	suite.Assert().Equal("C8:4B:AA:97:50:05", devices[0].MAC)
	suite.Assert().Equal("0A1B2C", devices[0].Serial)
}

func (suite *StoreTestSuite) TestStoredNameIsKept() {
	_, err := suite.store.Reconcile("L1", Metadata{MAC: "AA", Name: "Ankle"})
	suite.Require().NoError(err)

	got, err := suite.store.Reconcile("L2", Metadata{MAC: "AA", Name: "MetaWear", Firmware: "1.7.4"})
	suite.Require().NoError(err)

	suite.Assert().Equal("Ankle", got.Name, "persisted name MUST win over the advertised one")
	suite.Assert().Equal("1.7.4", got.Firmware, "hardware facts MUST take the refreshed values")
	suite.Assert().Equal([]string{"L1", "L2"}, got.LocalIDs, "MUST union local ids")

	byL1, ok := suite.store.Lookup("L1")
	suite.Require().True(ok)
	byL2, ok := suite.store.Lookup("L2")
	suite.Require().True(ok)
	suite.Assert().Equal(byL1, byL2)
}

func (suite *StoreTestSuite) TestReusedLocalIDMovesToNewBoard() {
	_, err := suite.store.Reconcile("L1", Metadata{MAC: "AA", Name: "Old"})
	suite.Require().NoError(err)
	_, err = suite.store.Reconcile("L1", Metadata{MAC: "BB", Name: "New"})
	suite.Require().NoError(err)

	got, ok := suite.store.Lookup("L1")
	suite.Require().True(ok)
	suite.Assert().Equal("BB", got.MAC)

	old, ok := suite.store.LookupMAC("AA")
	suite.Require().True(ok, "other board MUST NOT be merged away")
	suite.Assert().Empty(old.LocalIDs)
	suite.Assert().Equal("Old", old.Name)
}

func (suite *StoreTestSuite) TestForgetRemovesFromGroups() {
	_, err := suite.store.Reconcile("L1", Metadata{MAC: "AA"})
	suite.Require().NoError(err)
	_, err = suite.store.Reconcile("L2", Metadata{MAC: "BB"})
	suite.Require().NoError(err)

	g, err := suite.store.CreateGroup("legs", "BB", "AA")
	suite.Require().NoError(err)
	suite.Assert().Equal([]string{"AA", "BB"}, g.MACs)

	suite.Require().NoError(suite.store.Forget("AA"))
	_, ok := suite.store.Lookup("L1")
	suite.Assert().False(ok)

	g, ok = suite.store.Group(g.ID)
	suite.Require().True(ok)
	suite.Assert().Equal([]string{"BB"}, g.MACs)

	suite.Assert().ErrorIs(suite.store.Forget("AA"), ErrUnknownDevice)
}

func (suite *StoreTestSuite) TestGroupCRUD() {
	_, err := suite.store.Reconcile("L1", Metadata{MAC: "AA"})
	suite.Require().NoError(err)

	_, err = suite.store.CreateGroup("nobody", "ZZ")
	suite.Assert().ErrorIs(err, ErrUnknownDevice, "MUST refuse unknown members")

	g, err := suite.store.CreateGroup("arms")
	suite.Require().NoError(err)
	g.Name = "upper body"
	g.MACs = []string{"AA"}
	suite.Require().NoError(suite.store.UpdateGroup(g))

	groups := suite.store.Groups()
	suite.Require().Len(groups, 1)
	suite.Assert().Equal("upper body", groups[0].Name)

	suite.Require().NoError(suite.store.DeleteGroup(g.ID))
	suite.Assert().Empty(suite.store.Groups())
	suite.Assert().ErrorIs(suite.store.DeleteGroup(g.ID), ErrUnknownGroup)
	suite.Assert().ErrorIs(suite.store.UpdateGroup(Group{ID: uuid.New()}), ErrUnknownGroup)
}

func (suite *StoreTestSuite) TestPlaceholderGroupMemberFollowsRealMAC() {
	_, err := suite.store.Reconcile("L1", placeholder("L1", ""))
	suite.Require().NoError(err)
	g, err := suite.store.CreateGroup("pending", device.PlaceholderMAC("L1"))
	suite.Require().NoError(err)

	_, err = suite.store.Reconcile("L1", connected("AA", "S1"))
	suite.Require().NoError(err)

	g, _ = suite.store.Group(g.ID)
	suite.Assert().Equal([]string{"AA"}, g.MACs)
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "known.yaml")

	s, err := NewStore(NewFileStore(path), nil)
	require.NoError(t, err)
	_, err = s.Reconcile("L1", connected("AA", "S1"))
	require.NoError(t, err)
	require.NoError(t, s.Rename("AA", "Chest"))
	g, err := s.CreateGroup("torso", "AA")
	require.NoError(t, err)

	reloaded, err := NewStore(NewFileStore(path), nil)
	require.NoError(t, err)

	got, ok := reloaded.Lookup("L1")
	require.True(t, ok, "local id index MUST be rebuilt on load")
	assert.Equal(t, "Chest", got.Name)
	assert.Equal(t, device.ModelMetaMotionS, got.Model)
	assert.Equal(t, []device.Module{device.ModuleAccelerometer, device.ModuleGyroscope}, got.Modules)

	groups := reloaded.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, g.ID, groups[0].ID)
}

func TestFileStoreRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 99\ndevices: []\n"), 0o644))

	_, err := NewStore(NewFileStore(path), nil)
	assert.ErrorContains(t, err, "unsupported version")
}

func TestFileStoreMissingFileIsEmpty(t *testing.T) {
	s, err := NewStore(NewFileStore(filepath.Join(t.TempDir(), "absent.yaml")), nil)
	require.NoError(t, err)
	assert.Empty(t, s.Devices())
}
