package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mcas-project/shard/internal/config"
)

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(config.ShardConfig{
		Backend:           "nonsense",
		TransportProvider: "loopback",
	})
	require.Error(t, err)
}

func TestNewRejectsUnknownTransport(t *testing.T) {
	_, err := New(config.ShardConfig{
		Backend:           "mapstore",
		TransportProvider: "nonsense",
	})
	require.Error(t, err)
}

func TestNewBuildsMapstoreShardOverLoopback(t *testing.T) {
	s, err := New(config.ShardConfig{
		Backend:           "mapstore",
		TransportProvider: "loopback",
		TransportAddress:  "ignored",
		TransportPort:     0,
	})
	require.NoError(t, err)
	require.NotNil(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shard did not shut down after context cancel")
	}
	require.NoError(t, s.Close())
}

func TestNewBuildsHstoreShard(t *testing.T) {
	s, err := New(config.ShardConfig{
		Backend:           "hstore",
		TransportProvider: "loopback",
		DAXPath:           t.TempDir(),
	})
	require.NoError(t, err)
	require.NotNil(t, s)
	require.NoError(t, s.Close())
}
