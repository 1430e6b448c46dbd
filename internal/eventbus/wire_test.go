package eventbus

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(&buf)

	items := []WorkItem{
		{Kind: WorkItemLoad},
		{Kind: WorkItemRun, Payload: json.RawMessage(`{"function_name":"main"}`)},
	}
	for _, item := range items {
		require.NoError(t, w.Write(item))
	}

	r := NewLineReader(&buf)
	var got WorkItem
	require.NoError(t, r.Next(&got))
	assert.Equal(t, WorkItemLoad, got.Kind)

	require.NoError(t, r.Next(&got))
	assert.Equal(t, WorkItemRun, got.Kind)

	err := r.Next(&got)
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderSkipsBlankLines(t *testing.T) {
	r := NewLineReader(bytes.NewBufferString("\n\n{\"kind\":\"END\"}\n"))
	var got WorkItem
	require.NoError(t, r.Next(&got))
	assert.Equal(t, WorkItemEnd, got.Kind)
}

func TestEventMessageMarshalsPubsubPayload(t *testing.T) {
	payload, err := json.Marshal(PubsubPayload{Topic: "procedure.lifecycle.statechange", Kwargs: map[string]interface{}{"new_state": "READY"}})
	require.NoError(t, err)

	msg := EventMessage{ID: 123, Source: "worker-1", Type: MessagePubsub, Payload: payload}
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded EventMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, MessagePubsub, decoded.Type)

	var decodedPayload PubsubPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &decodedPayload))
	assert.Equal(t, "READY", decodedPayload.Kwargs["new_state"])
}
