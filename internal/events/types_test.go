package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kibble/kibble/internal/common/config"
	"github.com/kibble/kibble/internal/common/logger"
)

func TestBuildSessionSubject(t *testing.T) {
	assert.Equal(t, "session.abc.message.added", BuildSessionSubject("abc", MessageAdded))
	assert.Equal(t, "session.abc.session.connected", BuildSessionSubject("abc", SessionConnected))
	assert.Equal(t, "session.abc.>", BuildSessionWildcardSubject("abc"))
	assert.Equal(t, "session.>", BuildAllSessionsWildcardSubject())
}

func TestProvide_DefaultsToMemory(t *testing.T) {
	cfg := config.Default()
	provided, cleanup, err := Provide(cfg, logger.NewNop())
	require.NoError(t, err)
	defer func() { _ = cleanup() }()

	assert.Equal(t, KindMemory, provided.Kind)
	assert.True(t, provided.Bus.IsConnected())
}

func TestProvide_NATSUnreachable(t *testing.T) {
	cfg := config.Default()
	cfg.NATS.URL = "nats://127.0.0.1:1"
	cfg.NATS.MaxReconnects = 0
	_, _, err := Provide(cfg, logger.NewNop())
	require.Error(t, err)
}
