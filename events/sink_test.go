package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/promptflow/types"
)

func TestChannel(t *testing.T) {
	var drops int
	ch := NewChannel(2, func() { drops++ })

	ch.Emit(types.ProgressEvent{Status: types.StatusProcessing, Data: types.Content{Content: "a"}})
	ch.Emit(types.ProgressEvent{Status: types.StatusProcessing, Data: types.Content{Content: "b"}})
	ch.Emit(types.ProgressEvent{Status: types.StatusProcessing, Data: types.Content{Content: "c"}})

	assert.Equal(t, int64(1), ch.Dropped())
	assert.Equal(t, 1, drops)

	ch.Close()
	ch.Close()
	ch.Emit(types.ProgressEvent{Status: types.StatusComplete}) // ignored after close

	var got []any
	for ev := range ch.C() {
		got = append(got, ev.Data.(types.Content).Content)
	}
	assert.Equal(t, []any{"a", "b"}, got)
}

func TestChannelConcurrentCloseAndEmit(t *testing.T) {
	ch := NewChannel(8, nil)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ch.Emit(types.ProgressEvent{Status: types.StatusProcessing})
			}
		}()
	}
	go func() {
		for range ch.C() {
		}
	}()
	ch.Close()
	wg.Wait()
}

func TestMultiAndDiscard(t *testing.T) {
	var a, b []types.Status
	sink := Multi(
		SinkFunc(func(ev types.ProgressEvent) { a = append(a, ev.Status) }),
		nil,
		Discard,
		SinkFunc(func(ev types.ProgressEvent) { b = append(b, ev.Status) }),
	)

	sink.Emit(types.ProgressEvent{Status: types.StatusGenerating})
	sink.Emit(types.ProgressEvent{Status: types.StatusComplete})

	require.Len(t, a, 2)
	assert.Equal(t, a, b)
}
