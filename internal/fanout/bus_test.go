package fanout

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alttpr-multiworld/server/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := newTestBus()
	sub := bus.Subscribe(1)
	defer bus.Unsubscribe(sub)

	bus.Publish(1, &event.Event{ID: 1, SessionID: 1, EventType: event.TypeChat})

	select {
	case e := <-sub.Events:
		assert.Equal(t, int64(1), e.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_PublishIsolatesSessions(t *testing.T) {
	bus := newTestBus()
	subA := bus.Subscribe(1)
	subB := bus.Subscribe(2)
	defer bus.Unsubscribe(subA)
	defer bus.Unsubscribe(subB)

	bus.Publish(1, &event.Event{ID: 1, SessionID: 1})

	select {
	case <-subB.Events:
		t.Fatal("subscriber of a different session should not receive the event")
	case <-time.After(50 * time.Millisecond):
	}

	select {
	case e := <-subA.Events:
		assert.Equal(t, int64(1), e.ID)
	default:
		t.Fatal("expected event for the subscribed session")
	}
}

func TestBus_DropsSlowSubscriberWithoutBlocking(t *testing.T) {
	bus := newTestBus()
	sub := bus.Subscribe(1)

	for i := 0; i < subscriberBufferSize+5; i++ {
		bus.Publish(1, &event.Event{ID: int64(i), SessionID: 1})
	}

	require.Equal(t, 0, bus.SubscriberCount(1), "a subscriber whose channel fills up must be dropped, not block the publisher")
	_ = sub
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := newTestBus()
	sub := bus.Subscribe(1)
	bus.Unsubscribe(sub)

	_, ok := <-sub.Events
	assert.False(t, ok, "channel must be closed after unsubscribe")
}
