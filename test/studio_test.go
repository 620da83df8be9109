package test

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStudioReplaysScriptThenRepeatsLastReply(t *testing.T) {
	studio := NewStudio(t)
	studio.Script("/env", Unavailable(), OK(map[string]any{"registeredComponents": []string{"srt"}}))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		res, err := http.Get(studio.URL() + "/env")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, res.Body)
		res.Body.Close()
		statuses = append(statuses, res.StatusCode)
	}

	assert.Equal(t, []int{503, 200, 200}, statuses)
	assert.Equal(t, 3, studio.Hits("/env"))
}

func TestStudioAnswersNotFoundForUnscriptedPaths(t *testing.T) {
	studio := NewStudio(t)

	res, err := http.Get(studio.URL() + "/live/api/missing/state")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "Component not found", body["error"])
}

func TestStreamsEncodesEmptyListAsArray(t *testing.T) {
	reply := Streams("srt_input")
	encoded, err := json.Marshal(reply.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"componentId":"srt_input","connectedStreams":[]}`, string(encoded))
}
