package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-starter/reporting"
)

func outcome(name string) reporting.Outcome {
	return reporting.Outcome{
		Name:     name,
		RunID:    uuid.NewString(),
		Status:   reporting.StatusPassed,
		Duration: 1500 * time.Millisecond,
		Finished: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	first, second := outcome("suite/first"), outcome("suite/second")
	second.Finished = first.Finished.Add(time.Second)
	require.NoError(t, s.SaveOutcome(ctx, first))
	require.NoError(t, s.SaveOutcome(ctx, second))

	recent, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	require.Equal(t, second.RunID, recent[0].RunID)
	require.Equal(t, second.Duration, recent[0].Duration)
}

func TestMemStore(t *testing.T) {
	s := NewMemStore()
	testStore(t, s)

	all, err := s.Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.NoError(t, s.Close())
}

func TestPGStore(t *testing.T) {
	uri := os.Getenv("OP_STARTER_TEST_PG_URI")
	if uri == "" {
		t.Skip("OP_STARTER_TEST_PG_URI not set")
	}
	ctx := context.Background()
	s, err := NewPGStore(ctx, uri)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))
	testStore(t, s)
}
