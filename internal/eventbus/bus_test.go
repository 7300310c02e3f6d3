package eventbus

import (
	"testing"
	"time"

	"github.com/jmylchreest/tvarr-fleet/internal/models"
	"github.com/jmylchreest/tvarr-fleet/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ReceivesPublishedEvent(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	b.PublishCompleted(42)

	select {
	case event := <-sub.Events:
		assert.Equal(t, EventCompleted, event.Type)
		assert.Equal(t, uint(42), event.FileID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishSnapshot_ImplementsSchedulerPublisher(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	var pub scheduler.Publisher = b
	pub.PublishSnapshot(scheduler.Snapshot{
		Statistics: &models.Statistics{TotalFiles: 3},
		Timestamp:  time.Now(),
	})

	select {
	case event := <-sub.Events:
		assert.Equal(t, EventStatusUpdate, event.Type)
		require.NotNil(t, event.Statistics)
		assert.Equal(t, int64(3), event.Statistics.TotalFiles)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	b.Unsubscribe(sub.ID)

	_, ok := <-sub.Events
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestPublish_DropsNonTerminalWhenSubscriberFull(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.PublishProgress(1, float64(i), 1.0, 10, "")
	}

	assert.Len(t, sub.Events, subscriberBuffer, "channel should be full but not block or panic")
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	b := New(nil)
	assert.NotPanics(t, func() {
		b.PublishError(1, "boom")
	})
}
