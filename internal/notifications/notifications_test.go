package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/aice-dev/orchestrator/internal/circuitbreaker"
)

func waitForNotifications(t *testing.T, n *InMemoryNotifier, want int) []Notification {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got := n.Notifications(); len(got) >= want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications, have %d", want, len(n.Notifications()))
	return nil
}

func TestCircuitAlertHookMapsTransitions(t *testing.T) {
	notifier := NewInMemoryNotifier()
	hook := CircuitAlertHook(notifier)

	hook(circuitbreaker.StateChange{Provider: "openai", From: circuitbreaker.StateClosed, To: circuitbreaker.StateOpen})
	hook(circuitbreaker.StateChange{Provider: "openai", From: circuitbreaker.StateOpen, To: circuitbreaker.StateHalfOpen})
	hook(circuitbreaker.StateChange{Provider: "openai", From: circuitbreaker.StateHalfOpen, To: circuitbreaker.StateClosed})

	got := waitForNotifications(t, notifier, 3)

	types := map[NotificationType]bool{}
	for _, n := range got {
		types[n.Type] = true
		if n.Provider != "openai" {
			t.Errorf("expected provider openai, got %q", n.Provider)
		}
	}

	for _, want := range []NotificationType{NotificationProviderDown, NotificationProviderProbing, NotificationProviderUp} {
		if !types[want] {
			t.Errorf("missing notification type %s", want)
		}
	}
}

func TestCircuitAlertHookFiresFromMonitor(t *testing.T) {
	notifier := NewInMemoryNotifier()

	m := circuitbreaker.NewMonitor(circuitbreaker.Config{
		WindowSize:       5,
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		CooldownFactor:   1,
	})
	m.OnStateChange(CircuitAlertHook(notifier))

	ctx := context.Background()
	m.RecordFailure(ctx, "anthropic")
	m.RecordFailure(ctx, "anthropic")

	got := waitForNotifications(t, notifier, 1)
	if got[0].Type != NotificationProviderDown {
		t.Errorf("expected provider_down, got %s", got[0].Type)
	}
	if got[0].Provider != "anthropic" {
		t.Errorf("expected anthropic, got %q", got[0].Provider)
	}
}
