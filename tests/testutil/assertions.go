package testutil

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/visage/internal/blobstore"
	"github.com/visagelab/visage/pkg/errors"
)

// AssertStatusCode asserts the HTTP response status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	assert.Equal(t, expected, resp.StatusCode, "unexpected status code")
}

// AssertJSONResponse asserts the response carries a JSON content type.
func AssertJSONResponse(t *testing.T, resp *http.Response) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	assert.True(t, strings.HasPrefix(contentType, "application/json"),
		"expected JSON Content-Type, got %q", contentType)
}

// RequireStatusOK requires the response status to be 200 OK.
func RequireStatusOK(t *testing.T, resp *http.Response) {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode, "expected 200 OK")
}

// DecodeErrorEnvelope decodes the proxy's `{"error": ...}` envelope and
// returns the message. The response body is consumed.
func DecodeErrorEnvelope(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()

	var envelope ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope), "error envelope should be JSON")
	require.NotEmpty(t, envelope.Error, "error envelope should carry a message")
	return envelope.Error
}

// AssertErrorType asserts err is an edit error of the given type.
func AssertErrorType(t *testing.T, err error, errType string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errType),
		"expected error type %q, got %v", errType, err)
}

// AssertModelCalls asserts how many create calls reached the mock model.
func AssertModelCalls(t *testing.T, mock *MockModelServer, expected int64) {
	t.Helper()
	assert.Equal(t, expected, mock.CreateCount(), "unexpected model invocation count")
}

// AssertNoModelCalls asserts the mock model was never invoked.
func AssertNoModelCalls(t *testing.T, mock *MockModelServer) {
	t.Helper()
	assert.Zero(t, mock.CreateCount(), "expected no model invocations")
}

// WaitForKV blocks until the key/value tier maps path to a URL and returns
// it. Persistence runs detached from the request, so cache assertions poll.
func WaitForKV(t *testing.T, server *TestServer, path string) string {
	t.Helper()

	var url string
	require.Eventually(t, func() bool {
		got, err := server.KV().Get(context.Background(), path)
		if err != nil || got == "" {
			return false
		}
		url = got
		return true
	}, 5*time.Second, 10*time.Millisecond, "kv tier never learned %s", path)
	return url
}

// WaitForBlob blocks until the blob tier holds an object under prefix and
// returns it.
func WaitForBlob(t *testing.T, server *TestServer, prefix string) blobstore.Object {
	t.Helper()

	var object blobstore.Object
	require.Eventually(t, func() bool {
		objects, err := server.Blobs().List(context.Background(), prefix)
		if err != nil || len(objects) == 0 {
			return false
		}
		object = objects[0]
		return true
	}, 5*time.Second, 10*time.Millisecond, "blob tier never stored %s", prefix)
	return object
}
