package signalctl

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstDeliveryCancelsContextButNotForce(t *testing.T) {
	c := New(3, nil)
	assert.False(t, c.ShutdownRequested())

	c.Deliver(syscall.SIGTERM)
	assert.True(t, c.ShutdownRequested())

	select {
	case <-c.Context().Done():
	default:
		t.Fatal("expected Context to be cancelled after first delivery")
	}

	select {
	case <-c.ForceContext().Done():
		t.Fatal("ForceContext should not be cancelled before threshold")
	default:
	}
}

func TestNthDeliveryEscalatesToForce(t *testing.T) {
	c := New(3, nil)
	c.Deliver(syscall.SIGINT)
	c.Deliver(syscall.SIGINT)
	c.Deliver(syscall.SIGTERM)

	select {
	case <-c.ForceContext().Done():
	default:
		t.Fatal("expected ForceContext to be cancelled after Nth delivery")
	}
	assert.True(t, errors.Is(c.ForceContext().Err(), ErrTerminateRequested))
}

func TestDefaultsToThreeRetries(t *testing.T) {
	c := New(0, nil)
	c.Deliver(syscall.SIGINT)
	c.Deliver(syscall.SIGINT)
	select {
	case <-c.ForceContext().Done():
		t.Fatal("should not escalate before 3 deliveries")
	default:
	}
	c.Deliver(syscall.SIGINT)
	select {
	case <-c.ForceContext().Done():
	default:
		t.Fatal("should escalate on 3rd delivery")
	}
}
