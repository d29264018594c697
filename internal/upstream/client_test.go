package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_UploadFile_CreateBatch_GetBatch_DownloadOutput(t *testing.T) {
	var uploadedFileID = "file-abc"
	var batchID = "batch-xyz"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/files":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"id": uploadedFileID})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/batches":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, uploadedFileID, body["input_file_id"])
			assert.Equal(t, ChatCompletionsEndpoint, body["endpoint"])
			json.NewEncoder(w).Encode(map[string]string{"id": batchID})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/batches/"+batchID:
			json.NewEncoder(w).Encode(BatchDescriptor{ID: batchID, Status: BatchCompleted, OutputFileID: "file-out"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/files/file-out/content":
			w.Write([]byte(`{"custom_id":"k1","response":{"status_code":200,"body":{"choices":[]}}}` + "\n"))
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	client := New(server.URL, "test-key")
	ctx := context.Background()

	fileID, err := client.UploadFile(ctx, "batch.jsonl", []byte(`{"custom_id":"k1"}`+"\n"))
	require.NoError(t, err)
	assert.Equal(t, uploadedFileID, fileID)

	gotBatchID, err := client.CreateBatch(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, batchID, gotBatchID)

	descriptor, err := client.GetBatch(ctx, batchID)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, descriptor.Status)
	assert.True(t, descriptor.Status.Terminal())

	lines, err := client.DownloadOutput(ctx, descriptor.OutputFileID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "k1", lines[0].CustomID)
	assert.Equal(t, 200, lines[0].Response.StatusCode)
}

func TestClient_GetBatch_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL, "test-key").WithRetryPolicy(RetryPolicy{MaxRetries: 0, InitialDelay: 0, MaxDelay: 0, Multiplier: 1})

	_, err := client.GetBatch(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestClient_RetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(BatchDescriptor{ID: "b1", Status: BatchInProgress})
	}))
	defer server.Close()

	client := New(server.URL, "test-key").WithRetryPolicy(RetryPolicy{MaxRetries: 5, InitialDelay: 0, MaxDelay: 0, Multiplier: 1})

	descriptor, err := client.GetBatch(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, BatchInProgress, descriptor.Status)
	assert.Equal(t, 3, attempts)
}

func TestBuildInputJSONL(t *testing.T) {
	payloads := map[string]json.RawMessage{
		"k1": json.RawMessage(`{"model":"gpt-5"}`),
		"k2": json.RawMessage(`{"model":"gpt-5-mini"}`),
	}

	jsonl, err := BuildInputJSONL([]string{"k1", "k2"}, payloads)
	require.NoError(t, err)

	var lines []BatchInputLine
	for _, raw := range splitLines(jsonl) {
		var line BatchInputLine
		require.NoError(t, json.Unmarshal(raw, &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "k1", lines[0].CustomID)
	assert.Equal(t, ChatCompletionsEndpoint, lines[0].URL)
	assert.Equal(t, "k2", lines[1].CustomID)
}

func TestBuildInputJSONL_MissingPayload(t *testing.T) {
	_, err := BuildInputJSONL([]string{"k1"}, map[string]json.RawMessage{})
	assert.Error(t, err)
}

func splitLines(jsonl []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range jsonl {
		if b == '\n' {
			if i > start {
				out = append(out, jsonl[start:i])
			}
			start = i + 1
		}
	}
	return out
}
