package telemetry

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

// TestFanoutPublishRejectsUnmarshalableBeforeTouchingConn confirms
// Publish's marshal step runs before it ever dereferences conn, so a
// Fanout built without dialing NATS can still be exercised for its
// encode-failure path.
func TestFanoutPublishRejectsUnmarshalableBeforeTouchingConn(t *testing.T) {
	f := &Fanout{subject: "relay.events", log: zerolog.Nop()}

	err := f.Publish(make(chan int)) // channels are never JSON-marshalable
	assert.Error(t, err)
}
