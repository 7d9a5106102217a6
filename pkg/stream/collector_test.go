package stream

import (
	"time"

	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/signal"
)

func (suite *RegistryTestSuite) TestCollectorBatches() {
	// GOAL: Verify the collector accumulates samples for a batch consumer and
	// overwrites the oldest when full
	//
	// TEST SCENARIO: Collector of 4 on a pressure stream → 6 samples → drain returns the newest
	// ones in order, never more than requested

	sub, err := suite.reg.Subscribe(suite.ctx, signal.Stream(signal.KindPressure, signal.Params{}))
	suite.Require().NoError(err)

	c, err := NewCollector(sub, 4, nil)
	suite.Require().NoError(err)
	suite.Require().NoError(c.Start())
	suite.Assert().Error(c.Start(), "MUST refuse a second start")

	for i := 0; i < 6; i++ {
		suite.board.Emit(signal.KindPressure, record.Float(float32(i)))
		// one at a time so the subscription ring never drops
		suite.Require().Eventually(func() bool { return c.Metrics().Collected == int64(i+1) },
			time.Second, time.Millisecond)
	}

	samples, err := c.Drain()
	suite.Require().NoError(err)
	suite.Require().NotEmpty(samples)
	suite.Assert().LessOrEqual(len(samples), 4)
	suite.Assert().Equal(record.Float(5), samples[len(samples)-1].Value, "MUST keep the newest sample")
	for i := 1; i < len(samples); i++ {
		suite.Assert().Less(float32(samples[i-1].Value.(record.Float)), float32(samples[i].Value.(record.Float)), "MUST drain oldest first")
	}
	suite.Assert().Positive(c.Metrics().Overwritten, "MUST count overwritten samples")

	suite.Require().NoError(c.Stop(time.Second))
	suite.Require().NoError(sub.Close())
}

func (suite *RegistryTestSuite) TestCollectorEndsWithSubscription() {
	sub, err := suite.reg.Subscribe(suite.ctx, signal.Stream(signal.KindPressure, signal.Params{}))
	suite.Require().NoError(err)

	c, err := NewCollector(sub, 8, nil)
	suite.Require().NoError(err)
	suite.Require().NoError(c.Start())
	suite.Require().NoError(sub.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		suite.Fail("collector MUST stop when the subscription closes")
	}
	suite.Assert().NoError(c.Stop(time.Second), "stop after the fact MUST be a no-op")
}

func (suite *RegistryTestSuite) TestCollectorValidation() {
	_, err := NewCollector(nil, 4, nil)
	suite.Assert().Error(err)

	sub, err := suite.reg.Subscribe(suite.ctx, signal.Stream(signal.KindPressure, signal.Params{}))
	suite.Require().NoError(err)
	defer sub.Close()

	_, err = NewCollector(sub, 0, nil)
	suite.Assert().Error(err)
	_, err = NewCollector(sub, MaxCollectorSize+1, nil)
	suite.Assert().Error(err)
}
