package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerListJobsReportsLastCompletedCheckpoint(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)
	registry.Register("wordcount", newTestEnv(), nil)
	registry.Register("alerts", newTestEnv(), nil)

	server := NewServer("127.0.0.1:0", registry, nil)
	recorder := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var summaries []jobSummary
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &summaries))
	require.Len(t, summaries, 2)
	//sorted by name, with the newest completed epoch per job; a fresh
	//environment has no coordinator so it reports 0
	assert.Equal(t, jobSummary{Name: "alerts", State: JobRunning}, summaries[0])
	assert.Equal(t, jobSummary{Name: "wordcount", State: JobRunning}, summaries[1])
}

func TestServerListCheckpointsUnknownJob(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	server := NewServer("127.0.0.1:0", registry, nil)
	recorder := httptest.NewRecorder()
	server.server.Handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/absent/checkpoints", nil))
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}
