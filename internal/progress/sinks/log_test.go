package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/namus-crawler/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	sink := NewLogSink(zap.New(core))

	runID := uuid.New()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Kind: progress.KindStepDone, Step: "identifiers", Count: 50, Failed: 1},
		{
			RunID: runID, TS: time.Now(), Kind: progress.KindFetchDone, Step: "identifiers",
			Item: "Texas", Outcome: progress.OutcomeFailure, Attempts: 1, Note: "search_partition: remote status 500",
		},
	}))
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, int64(50), entries[0].ContextMap()["count"])
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, "Texas", entries[1].ContextMap()["item"])
	require.Equal(t, runID.String(), entries[1].ContextMap()["run_id"])
}
