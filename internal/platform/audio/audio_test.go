package audio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "alarmd/pkg/logx"
)

func TestExecPlayAndStop(t *testing.T) {
	t.Parallel()

	p := NewExec([]string{"sleep", "30"}, []string{"true"}, logx.Nop())
	require.NoError(t, p.Play(context.Background(), "bell.ogg"))

	done := make(chan error, 1)
	go func() { done <- p.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not kill the player")
	}
	assert.NoError(t, p.Stop())
	assert.NoError(t, p.Vibrate(context.Background()))
}

func TestExecWithoutCommand(t *testing.T) {
	t.Parallel()

	p := NewExec(nil, nil, logx.Nop())
	assert.ErrorIs(t, p.Play(context.Background(), "x"), ErrNoCommand)
	assert.NoError(t, p.Vibrate(context.Background()))
}

func TestExpand(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"mpv", "--loop", "file:///a.ogg"}, expand([]string{"mpv", "--loop", "{uri}"}, "file:///a.ogg"))
}
