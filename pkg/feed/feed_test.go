package feed

import (
	"testing"

	"github.com/dpcsec/sentinelx/pkg/datamodel"
)

func TestPublishFanOut(t *testing.T) {
	f := New()
	defer f.Close()

	a := f.Subscribe()
	b := f.Subscribe()
	if a.ID == b.ID {
		t.Fatal("subscriptions share an ID")
	}

	f.Publish(Event{Type: EventAttack, Detail: "test"})
	for _, sub := range []*Subscription{a, b} {
		select {
		case event := <-sub.C:
			if event.Type != EventAttack || event.Detail != "test" {
				t.Errorf("unexpected event %+v", event)
			}
		default:
			t.Errorf("subscription %s received nothing", sub.ID)
		}
	}
}

func TestPublishVerdictAlertsOnDegradedJudgment(t *testing.T) {
	f := New()
	defer f.Close()
	sub := f.Subscribe()

	f.PublishVerdict(&datamodel.Verdict{Classification: datamodel.Clean}, nil)
	f.PublishVerdict(&datamodel.Verdict{
		Classification: datamodel.Suspicious,
		StageErrors:    []string{"dna: corpus unavailable"},
	}, nil)

	first := <-sub.C
	if first.Type != EventVerdict {
		t.Errorf("clean verdict published as %s", first.Type)
	}
	second := <-sub.C
	if second.Type != EventAlert {
		t.Errorf("degraded verdict published as %s", second.Type)
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	f := New()
	defer f.Close()
	sub := f.Subscribe()

	for range DefaultBuffer + 10 {
		f.Publish(Event{Type: EventVerdict})
	}
	// the publisher must not have blocked; the buffer holds what it holds
	received := 0
	for {
		select {
		case <-sub.C:
			received++
			continue
		default:
		}
		break
	}
	if received != DefaultBuffer {
		t.Errorf("expected %d buffered events, got %d", DefaultBuffer, received)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	f := New()
	defer f.Close()
	sub := f.Subscribe()
	f.Unsubscribe(sub.ID)
	if _, open := <-sub.C; open {
		t.Error("channel still open after Unsubscribe")
	}
	// publishing after unsubscribe must not panic
	f.Publish(Event{Type: EventVerdict})
}
