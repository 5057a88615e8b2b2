package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tlifecycle "github.com/aretw0/tilth/pkg/adapters/lifecycle"
	"github.com/aretw0/tilth/pkg/core"
)

func TestSource_ForwardsAndFilters(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()

	sink := core.NewChannelSink(4)
	src := tlifecycle.NewSource(sink.Events(), tlifecycle.OnlyTypes("Post"))
	require.NoError(t, src.Start(ctx))

	sink.Emit(core.Event{Type: core.EventCreate, Document: "User", ID: "1"})
	sink.Emit(core.Event{Type: core.EventModify, Document: "Post", ID: "7"})
	close(sink)

	var got []string
	for e := range src.Events() {
		got = append(got, e.String())
	}
	assert.Equal(t, []string{"MODIFY Post/7"}, got)
}

func TestSource_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	sink := core.NewChannelSink(1)
	src := tlifecycle.NewSource(sink.Events())
	require.NoError(t, src.Start(ctx))

	cancel()
	select {
	case _, ok := <-src.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("source did not close after cancel")
	}
}
