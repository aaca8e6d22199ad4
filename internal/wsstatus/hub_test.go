package wsstatus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBroadcastDoesNotBlockWithNoClients(t *testing.T) {
	h := NewHub(zerolog.Nop())
	stop := make(chan struct{})
	go h.Run(stop)
	defer close(stop)

	done := make(chan struct{})
	go func() {
		h.Broadcast(StatusDoc{Kind: "health", At: time.Now()})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked with no clients registered")
	}
}

func TestIsLocalNetworkAcceptsConfiguredSubnet(t *testing.T) {
	assert.True(t, isLocalNetwork("http://10.10.10.55:5173"))
	assert.False(t, isLocalNetwork("http://evil.example.com"))
}
