package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christcr2012/StreamFlow-sub010/internal/clock"
)

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

type recordingSink struct {
	actions []string
}

func (r *recordingSink) Record(_ context.Context, _, action, _ string, _ map[string]any) {
	r.actions = append(r.actions, action)
}

func TestKafkaSinkPublishesTenantKeyedEvent(t *testing.T) {
	w := &fakeWriter{}
	at := time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)
	sink := NewKafkaSink(w, clock.NewFake(at))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Record(ctx, "t1", ActionCreditsDebited, "user-9", map[string]any{"amount_minor_units": 100})

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "t1", string(w.msgs[0].Key))

	var ev Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, ActionCreditsDebited, ev.Action)
	assert.Equal(t, "user-9", ev.ActorID)
	assert.True(t, ev.RecordedAt.Equal(at))
}

func TestKafkaSinkSwallowsErrors(t *testing.T) {
	sink := NewKafkaSink(&fakeWriter{err: errors.New("broker down")}, clock.Real{})
	assert.NotPanics(t, func() {
		sink.Record(context.Background(), "t1", ActionCreditsAdded, "", nil)
	})
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	Multi{a, Nop{}, b, LogSink{}}.Record(context.Background(), "t1", ActionCreditsAdded, "", nil)
	assert.Equal(t, []string{ActionCreditsAdded}, a.actions)
	assert.Equal(t, []string{ActionCreditsAdded}, b.actions)
}
