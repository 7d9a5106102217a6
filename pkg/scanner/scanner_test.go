package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/wearsense/internal/simboard"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/connection"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/scanner"
	"github.com/srg/wearsense/pkg/session"
	"github.com/srg/wearsense/pkg/signal"
	suitelib "github.com/stretchr/testify/suite"
)

type ScannerTestSuite struct {
	suitelib.Suite
	logger    *logrus.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	transport *simboard.Transport
	scanner   *scanner.Scanner
}

func (suite *ScannerTestSuite) SetupTest() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
	suite.ctx, suite.cancel = context.WithTimeout(context.Background(), 5*time.Second)

	wrist := simboard.New("dev-1", "MetaWear")
	wrist.RSSI = -45
	ankle := simboard.New("dev-2", "MetaWear")
	ankle.RSSI = -67
	ankle.WithInfo(device.Info{MAC: "D1:2E:4F:00:11:22", Model: device.ModelMetaMotionRL})
	other := simboard.New("dev-3", "Headphones")
	other.RSSI = -80

	suite.transport = simboard.NewTransport(wrist, ankle, other)
	suite.scanner = scanner.New(suite.transport, func() board.Driver { return simboard.NewDriver() },
		session.Options{}, suite.logger)
}

func (suite *ScannerTestSuite) TearDownTest() {
	suite.scanner.Close()
	suite.cancel()
}

func (suite *ScannerTestSuite) scan(opts *scanner.ScanOptions) []device.Identity {
	if opts.Duration == 0 {
		opts.Duration = 30 * time.Millisecond
	}
	devices, err := suite.scanner.Scan(suite.ctx, opts, nil)
	suite.Require().NoError(err)
	return devices
}

func localIDs(ids []device.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.LocalID
	}
	return out
}

func (suite *ScannerTestSuite) TestScanDiscoversDevices() {
	// GOAL: Verify discovery creates one record per device, usable before any connection
	//
	// TEST SCENARIO: Scan three boards → three identities without MACs →
	// events report each as new → scanning again reports updates

	var phases []string
	devices, err := suite.scanner.Scan(suite.ctx, &scanner.ScanOptions{Duration: 30 * time.Millisecond},
		func(phase string) { phases = append(phases, phase) })
	suite.Require().NoError(err)

	suite.Assert().Equal([]string{"dev-1", "dev-2", "dev-3"}, localIDs(devices))
	for _, id := range devices {
		suite.Assert().False(id.HasMAC(), "MAC MUST stay unknown until connected")
	}
	suite.Assert().Equal([]string{"Scanning", "Processing results"}, phases)

	for i := 0; i < 3; i++ {
		ev := <-suite.scanner.Events()
		suite.Assert().Equal(scanner.EventNew, ev.Type)
	}

	suite.scan(&scanner.ScanOptions{})
	ev := <-suite.scanner.Events()
	suite.Assert().Equal(scanner.EventUpdated, ev.Type, "MUST reuse the existing record")
}

func (suite *ScannerTestSuite) TestBlockList() {
	devices := suite.scan(&scanner.ScanOptions{BlockList: []string{"dev-3"}})
	suite.Assert().Equal([]string{"dev-1", "dev-2"}, localIDs(devices))
}

func (suite *ScannerTestSuite) TestAllowList() {
	devices := suite.scan(&scanner.ScanOptions{AllowList: []string{"dev-2"}})
	suite.Assert().Equal([]string{"dev-2"}, localIDs(devices))
}

func (suite *ScannerTestSuite) TestServiceFilter() {
	devices := suite.scan(&scanner.ScanOptions{ServiceUUIDs: []string{"326A900085CB9195D9DD464CFBBAE75A"}})
	suite.Assert().Len(devices, 3, "service UUIDs MUST compare without case or dashes")

	suite.scanner.Close()
	other := scanner.New(suite.transport, func() board.Driver { return simboard.NewDriver() }, session.Options{}, suite.logger)
	defer other.Close()
	devices, err := other.Scan(suite.ctx, &scanner.ScanOptions{Duration: 30 * time.Millisecond, ServiceUUIDs: []string{"180f"}}, nil)
	suite.Require().NoError(err)
	suite.Assert().Empty(devices)
}

func (suite *ScannerTestSuite) TestSessionIsSharedPerDevice() {
	suite.scan(&scanner.ScanOptions{})

	a, err := suite.scanner.Session("dev-2")
	suite.Require().NoError(err)
	b, err := suite.scanner.Session("dev-2")
	suite.Require().NoError(err)
	suite.Assert().Same(a, b)

	_, err = suite.scanner.Session("nope")
	suite.Assert().ErrorIs(err, scanner.ErrUnknownDevice)

	suite.Require().NoError(a.Connect(suite.ctx))
	dev, ok := suite.scanner.Device("dev-2")
	suite.Require().True(ok)
	suite.Assert().Equal("D1:2E:4F:00:11:22", dev.Identity().MAC, "connecting MUST fill the owned record")
}

func (suite *ScannerTestSuite) TestCloseMakesSessionsUnavailable() {
	// GOAL: Verify sessions tolerate the scanner tearing their device down
	//
	// TEST SCENARIO: Connect a session → close the scanner → observers see
	// ErrDeviceUnavailable → later calls fail the same way

	suite.scan(&scanner.ScanOptions{})
	sess, err := suite.scanner.Session("dev-1")
	suite.Require().NoError(err)
	suite.Require().NoError(sess.Connect(suite.ctx))
	states := sess.States(suite.ctx)

	suite.scanner.Close()

	var last connection.Event
	for ev := range states {
		last = ev
	}
	suite.Assert().Equal(connection.Disconnected, last.State)
	suite.Assert().ErrorIs(last.Err, device.ErrDeviceUnavailable)

	_, err = sess.ReadOnce(suite.ctx, signal.Read(signal.KindBattery))
	suite.Assert().ErrorIs(err, device.ErrDeviceUnavailable)
	_, err = suite.scanner.Session("dev-1")
	suite.Assert().ErrorIs(err, device.ErrDeviceUnavailable)
	_, err = suite.scanner.Scan(suite.ctx, nil, nil)
	suite.Assert().ErrorIs(err, device.ErrDeviceUnavailable)
}

func TestScannerTestSuite(t *testing.T) {
	suitelib.Run(t, new(ScannerTestSuite))
}
