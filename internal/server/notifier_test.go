package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inboxsync/internal/engine"
)

func TestNotifierFansOutToSubscribers(t *testing.T) {
	notifier := NewNotifier()
	first, cleanupFirst := notifier.Subscribe(context.Background())
	defer cleanupFirst()
	second, cleanupSecond := notifier.Subscribe(context.Background())
	defer cleanupSecond()

	connected := true
	notifier.Publish(engine.Notification{Kind: engine.NotifyConnection, Connected: &connected})

	for index, stream := range []<-chan engine.Notification{first, second} {
		select {
		case notification := <-stream:
			if notification.Kind != engine.NotifyConnection || notification.Connected == nil || !*notification.Connected {
				t.Fatalf("subscriber %d received %+v", index, notification)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", index)
		}
	}
}

func TestNotifierDropsWhenSubscriberIsFull(t *testing.T) {
	notifier := NewNotifier()
	stream, cleanup := notifier.Subscribe(context.Background())
	defer cleanup()

	for index := 0; index < defaultNotifierBuffer+10; index++ {
		notifier.Publish(engine.Notification{Kind: engine.NotifyStore})
	}
	if len(stream) != defaultNotifierBuffer {
		t.Fatalf("expected buffer to hold %d notifications, got %d", defaultNotifierBuffer, len(stream))
	}
}

func TestNotifierUnsubscribesOnContextCancel(t *testing.T) {
	notifier := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := notifier.Subscribe(ctx)
	defer cleanup()
	if notifier.SubscriberCount() != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for notifier.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber not removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cleanup()
}
