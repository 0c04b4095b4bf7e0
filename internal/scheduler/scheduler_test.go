package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunTenant_InFlightReturnsSentinel(t *testing.T) {
	s := &Scheduler{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		running: map[string]bool{"default": true},
	}

	_, err := s.RunTenant(context.Background(), "default")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunInProgress))
	assert.Contains(t, err.Error(), "default")
}
