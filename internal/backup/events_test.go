package backup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEvents_FanOut(t *testing.T) {
	events := NewEvents(testLogger())
	a, unsubA := events.Subscribe(4)
	b, unsubB := events.Subscribe(4)
	defer unsubA()
	defer unsubB()

	events.Publish(PassphraseRequired{})

	assert.Equal(t, KindPassphraseRequired, receive(t, a).Kind())
	assert.Equal(t, KindPassphraseRequired, receive(t, b).Kind())
}

func TestEvents_SlowSubscriberDoesNotBlock(t *testing.T) {
	events := NewEvents(testLogger())
	slow, unsubscribe := events.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			events.Publish(DeleteCompleted{Version: "1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, slow, 1)
}

func TestEvents_UnsubscribeClosesChannel(t *testing.T) {
	events := NewEvents(testLogger())
	ch, unsubscribe := events.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)

	events.Publish(PassphraseRequired{})
}

func TestEvents_CloseRacesWithPublish(t *testing.T) {
	events := NewEvents(testLogger())
	for i := 0; i < 4; i++ {
		events.Subscribe(1)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			events.Publish(PassphraseRequired{})
		}
	}()
	events.Close()
	wg.Wait()
}
