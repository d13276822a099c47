package protocol

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestIDFor(t *testing.T) {
	require.Equal(t, "42-3", RequestIDFor(42, 3))
}

func TestWriteRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	err := WriteRequest(w, Request{InstanceID: 1, RequestID: "1-1", Cmd: CmdStart})
	require.NoError(t, err)
	require.Equal(t, `{"instance_id":1,"request_id":"1-1","cmd":"start"}`+"\n", buf.String())
}

func TestMessageIsAckAndSuccess(t *testing.T) {
	ok := true
	ack := Message{InstanceID: 1, RequestID: "1-1", OK: &ok}
	require.True(t, ack.IsAck())
	require.True(t, ack.Success())

	event := Message{InstanceID: 1, Event: "run_finished"}
	require.False(t, event.IsAck())
	require.False(t, event.Success())

	failedAck := Message{InstanceID: 1, RequestID: "1-1", OK: new(bool)}
	require.True(t, failedAck.IsAck())
	require.False(t, failedAck.Success())
}

func TestScanMessagesEmitsAcksAndEventsDiscardsNoise(t *testing.T) {
	input := `{"instance_id":1,"request_id":"1-1","ok":true}
not json
{"instance_id":1,"event":"run_finished"}
{"instance_id":1}

`
	var emitted []Message
	var discarded []string

	err := ScanMessages(bytes.NewBufferString(input), func(m Message) {
		emitted = append(emitted, m)
	}, func(line string, _ error) {
		discarded = append(discarded, line)
	})

	require.NoError(t, err)
	require.Len(t, emitted, 2)
	require.True(t, emitted[0].IsAck())
	require.Equal(t, "run_finished", emitted[1].Event)
	require.Len(t, discarded, 2) // "not json" and the request_id-less/event-less object
}
