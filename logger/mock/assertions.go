package mocklogger

import (
	"testing"

	"github.com/hugolhafner/streamhost/logger"
)

func (m *MockLogger) AssertCalledWithMessage(tb testing.TB, message string) {
	tb.Helper()
	for _, entry := range m.Entries {
		if entry.Message == message {
			return
		}
	}

	tb.Errorf("expected log message %q to be called", message)
}

func (m *MockLogger) AssertCalledWithLevel(tb testing.TB, level logger.LogLevel) {
	tb.Helper()
	for _, entry := range m.Entries {
		if entry.Level == level {
			return
		}
	}

	tb.Errorf("expected log level %q to be called", level.String())
}

func (m *MockLogger) AssertCalledWithLevelAndMessage(tb testing.TB, level logger.LogLevel, message string) {
	tb.Helper()
	for _, entry := range m.Entries {
		if entry.Level == level && entry.Message == message {
			return
		}
	}

	tb.Errorf("expected log with level %q and message %q to be called", level.String(), message)
}

func (m *MockLogger) AssertNotCalledWithMessage(tb testing.TB, message string) {
	tb.Helper()
	for _, entry := range m.Entries {
		if entry.Message == message {
			tb.Errorf("expected log message %q not to be called", message)
			return
		}
	}
}
