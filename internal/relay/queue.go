package relay

// queueEntry retains one sent DATA payload until the server acknowledges
// it. sentAtEnd is the cumulative sent-byte count immediately after the
// entry's bytes went out, so entries are strictly ordered by sentAtEnd.
type queueEntry struct {
	payload   []byte
	sentAtEnd uint64
}

// sendQueue holds every payload sent but not yet acknowledged, together
// with the stream's byte counters. Not safe for concurrent use; the
// Stream serializes access under its guard.
type sendQueue struct {
	entries    []queueEntry
	sentTotal  uint64
	ackedTotal uint64
}

// append records payload as sent and advances sentTotal.
func (q *sendQueue) append(payload []byte) {
	q.sentTotal += uint64(len(payload))
	q.entries = append(q.entries, queueEntry{payload: payload, sentAtEnd: q.sentTotal})
}

// len returns the number of unacknowledged entries.
func (q *sendQueue) len() int {
	return len(q.entries)
}

// pending returns the number of unacknowledged payload bytes.
func (q *sendQueue) pending() uint64 {
	return q.sentTotal - q.ackedTotal
}

// trim discards every entry acknowledged by acked and advances
// ackedTotal. Ordinary ACKs must strictly increase the acknowledged
// count; a RECONNECT_SUCCESS_ACK (allowEqual) may instead restate the
// current count when the server received nothing new. In either case the
// count must not exceed sentTotal and must land exactly on a frame
// boundary. Violations return an error wrapping ErrInvalidServerResponse.
func (q *sendQueue) trim(acked uint64, allowEqual bool) (freed uint64, err error) {
	switch {
	case acked == q.ackedTotal && allowEqual:
		return 0, nil
	case acked <= q.ackedTotal:
		return 0, invalidResponsef("ack %d does not advance past %d", acked, q.ackedTotal)
	case acked > q.sentTotal:
		return 0, invalidResponsef("ack %d exceeds %d bytes sent", acked, q.sentTotal)
	}

	i := 0
	for i < len(q.entries) && q.entries[i].sentAtEnd <= acked {
		freed += uint64(len(q.entries[i].payload))
		i++
	}
	if i == 0 || q.entries[i-1].sentAtEnd != acked {
		return 0, invalidResponsef("ack %d does not land on a frame boundary", acked)
	}
	q.entries = q.entries[i:]
	q.ackedTotal = acked
	return freed, nil
}

// replay returns the remaining payloads in original send order, for
// re-transmission on a freshly resumed channel.
func (q *sendQueue) replay() [][]byte {
	payloads := make([][]byte, len(q.entries))
	for i, e := range q.entries {
		payloads[i] = e.payload
	}
	return payloads
}
