package metrics

import (
	"context"
	"testing"
	"time"
)

func TestServerShutdownBeforeListen(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCollectorsAcceptLabels(t *testing.T) {
	SessionsActive.WithLabelValues("online").Set(3)
	SessionsTotal.WithLabelValues("idle_timeout").Inc()
	ExpresslaneReplayDropped.WithLabelValues("too_old").Inc()
	ExpresslaneRotations.WithLabelValues("send").Inc()
	InsideDropped.WithLabelValues("no_owner").Inc()
	FrameBytes.WithLabelValues("tx").Add(128)
	IpPoolAllocated.Set(2)
	IpPoolFree.Set(14)
}
