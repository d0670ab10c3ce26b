package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSleep_ReturnsTrueWhenDurationElapses(t *testing.T) {
	o := &Orchestrator{logger: testLogger()}
	require.True(t, o.sleep(context.Background(), time.Millisecond))
}

func TestSleep_ReturnsFalseWhenContextCancelled(t *testing.T) {
	o := &Orchestrator{logger: testLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.False(t, o.sleep(ctx, time.Hour))
}

func TestErrTerminalClose_WrapsWithCloseCode(t *testing.T) {
	err := errTerminalCloseWithCode(4001)
	require.ErrorIs(t, err, ErrTerminalClose)
	require.Contains(t, err.Error(), "4001")
}
