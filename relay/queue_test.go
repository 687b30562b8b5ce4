package relay

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/camlink/model"
)

func offerN(n int) model.SignalMessage {
	return model.NewOffer(model.RoleProducer, "sdp-"+strconv.Itoa(n))
}

func TestQueueEvictsOldestOnOverflow(t *testing.T) {
	q := NewOutboundQueue(WithQueueBound(3))

	for i := 0; i < 5; i++ {
		q.Enqueue(offerN(i))
	}
	require.Equal(t, 3, q.Len())

	snap := q.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "sdp-2", snap[0].Message.SDP)
	assert.Equal(t, "sdp-3", snap[1].Message.SDP)
	assert.Equal(t, "sdp-4", snap[2].Message.SDP)
	assert.Equal(t, 0, q.Len(), "snapshot must clear the queue")
}

func TestQueuePurgesExpiredEntries(t *testing.T) {
	now := time.Now()
	q := NewOutboundQueue(
		WithQueueTTL(time.Minute),
		WithQueueClock(func() time.Time { return now }),
	)

	q.Enqueue(offerN(0))
	q.Enqueue(offerN(1))

	now = now.Add(2 * time.Minute)
	q.Enqueue(offerN(2))

	snap := q.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "sdp-2", snap[0].Message.SDP)
}

func TestQueueRequeuePreservesOrder(t *testing.T) {
	q := NewOutboundQueue()

	q.Enqueue(offerN(0))
	q.Enqueue(offerN(1))
	q.Enqueue(offerN(2))

	snap := q.Snapshot()
	require.Len(t, snap, 3)

	// First entry sent, the rest failed and goes back; a new message
	// arrived in between.
	q.Enqueue(offerN(3))
	q.Requeue(snap[1:])

	result := q.Snapshot()
	require.Len(t, result, 3)
	assert.Equal(t, "sdp-1", result[0].Message.SDP)
	assert.Equal(t, "sdp-2", result[1].Message.SDP)
	assert.Equal(t, "sdp-3", result[2].Message.SDP)
}

func TestQueuePurgeDropsEverything(t *testing.T) {
	q := NewOutboundQueue()
	q.Enqueue(offerN(0))
	q.Enqueue(offerN(1))
	q.Purge()
	assert.Equal(t, 0, q.Len())
}
