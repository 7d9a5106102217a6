// Package testutils holds shared fixtures for tests that drive simulated boards.
package testutils

import (
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// CreateBoard starts a builder for a MetaMotion S advertising as name.
func CreateBoard(localID, name string) *BoardBuilder {
	return NewBoardBuilder(localID).WithName(name)
}

// CreateBoardFromYAML starts a builder from a YAML board description.
func CreateBoardFromYAML(yamlFmt string, args ...interface{}) *BoardBuilder {
	return NewBoardBuilder("").FromYAML(yamlFmt, args...)
}
