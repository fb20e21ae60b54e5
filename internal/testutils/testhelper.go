package testutils

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestHelper bundles the test handle with a logger for components under test
type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{
		T:      t,
		Logger: NewTestLogger(t),
	}
}

// NewTestLogger returns a logger for tests. Output is discarded unless
// BLESCOPE_TEST_LOG is set, in which case debug logs go to stderr.
func NewTestLogger(t testing.TB) *logrus.Logger {
	t.Helper()
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("BLESCOPE_TEST_LOG") != "" {
		logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
		logger.SetOutput(os.Stderr)
	} else {
		logger.SetOutput(io.Discard)
	}
	return logger
}
