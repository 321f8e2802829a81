// internal/normalize/normalize_test.go
package normalize

import (
	encjson "encoding/json"
	"testing"

	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devscope-io/devscope/internal/logbook"
)

func TestConsoleEvent(t *testing.T) {
	t.Parallel()
	n := New()

	tests := []struct {
		name     string
		event    *runtime.EventConsoleAPICalled
		wantType logbook.EventType
		wantMsg  string
	}{
		{
			name: "log with primitive args",
			event: &runtime.EventConsoleAPICalled{
				Type: runtime.APITypeLog,
				Args: []*runtime.RemoteObject{
					{Type: runtime.TypeString, Value: []byte(`"hello"`)},
					{Type: runtime.TypeNumber, Value: []byte(`42`)},
				},
			},
			wantType: logbook.EventConsoleLog,
			wantMsg:  "console.log: hello 42",
		},
		{
			name: "error is classified as CONSOLE_ERROR",
			event: &runtime.EventConsoleAPICalled{
				Type: runtime.APITypeError,
				Args: []*runtime.RemoteObject{
					{Type: runtime.TypeString, Value: []byte(`"request failed"`)},
				},
			},
			wantType: logbook.EventConsoleError,
			wantMsg:  "console.error: request failed",
		},
		{
			name: "assert is classified as CONSOLE_ERROR",
			event: &runtime.EventConsoleAPICalled{
				Type: runtime.APITypeAssert,
				Args: []*runtime.RemoteObject{
					{Type: runtime.TypeString, Value: []byte(`"broken invariant"`)},
				},
			},
			wantType: logbook.EventConsoleError,
			wantMsg:  "console.assert: broken invariant",
		},
		{
			name: "object arg falls back to description",
			event: &runtime.EventConsoleAPICalled{
				Type: runtime.APITypeLog,
				Args: []*runtime.RemoteObject{
					{Type: runtime.TypeObject, Description: "Object"},
				},
			},
			wantType: logbook.EventConsoleLog,
			wantMsg:  "console.log: Object",
		},
		{
			name: "call site is appended when known",
			event: &runtime.EventConsoleAPICalled{
				Type: runtime.APITypeWarning,
				Args: []*runtime.RemoteObject{
					{Type: runtime.TypeString, Value: []byte(`"deprecated"`)},
				},
				StackTrace: &runtime.StackTrace{
					CallFrames: []*runtime.CallFrame{
						{URL: "http://localhost:3000/app.js", LineNumber: 9},
					},
				},
			},
			wantType: logbook.EventConsoleLog,
			wantMsg:  "console.warning: deprecated (http://localhost:3000/app.js:10)",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			entry := n.ConsoleEvent(tc.event)
			assert.Equal(t, logbook.SourceBrowser, entry.Source)
			assert.Equal(t, tc.wantType, entry.Type)
			assert.Equal(t, tc.wantMsg, entry.Message)
			assert.Empty(t, entry.Timestamp, "normalizer leaves stamping to the logbook")
		})
	}
}

func TestLogEntryAdded(t *testing.T) {
	t.Parallel()
	n := New()

	entry := n.LogEntryAdded(&cdplog.EventEntryAdded{
		Entry: &cdplog.Entry{
			Source: cdplog.SourceNetwork,
			Level:  cdplog.LevelError,
			Text:   "Failed to load resource: net::ERR_CONNECTION_REFUSED",
		},
	})
	assert.Equal(t, logbook.EventConsoleError, entry.Type)
	assert.Equal(t, "network: Failed to load resource: net::ERR_CONNECTION_REFUSED", entry.Message)

	warning := n.LogEntryAdded(&cdplog.EventEntryAdded{
		Entry: &cdplog.Entry{Source: cdplog.SourceDeprecation, Level: cdplog.LevelWarning, Text: "old API"},
	})
	assert.Equal(t, logbook.EventConsoleLog, warning.Type)

	empty := n.LogEntryAdded(&cdplog.EventEntryAdded{})
	assert.Equal(t, logbook.EventConsoleLog, empty.Type)
}

func TestExceptionEvent(t *testing.T) {
	t.Parallel()
	n := New()

	entry := n.ExceptionEvent(&runtime.EventExceptionThrown{
		ExceptionDetails: &runtime.ExceptionDetails{
			Text: "Uncaught",
			Exception: &runtime.RemoteObject{
				Description: "TypeError: x is not a function\n    at app.js:12",
			},
		},
	})
	assert.Equal(t, logbook.EventConsoleError, entry.Type)
	assert.Equal(t, "Uncaught TypeError: x is not a function\n    at app.js:12", entry.Message)

	// Without details there is still a usable message.
	bare := n.ExceptionEvent(&runtime.EventExceptionThrown{})
	assert.Equal(t, "Uncaught uncaught exception", bare.Message)
}

func TestNetworkRequestResponsePairing(t *testing.T) {
	t.Parallel()
	n := New()
	id := network.RequestID("req-1")

	reqEntry := n.RequestWillBeSent(&network.EventRequestWillBeSent{
		RequestID: id,
		Request:   &network.Request{Method: "GET", URL: "http://localhost:3000/api/items"},
	})
	assert.Equal(t, logbook.EventNetworkRequest, reqEntry.Type)
	assert.Equal(t, "→ GET http://localhost:3000/api/items", reqEntry.Message)
	assert.Equal(t, 1, n.PendingCount())

	var reqDetail NetworkDetail
	require.NoError(t, encjson.Unmarshal(reqEntry.Raw, &reqDetail))
	assert.Equal(t, "req-1", reqDetail.RequestID)

	n.ResponseReceived(&network.EventResponseReceived{
		RequestID: id,
		Response:  &network.Response{Status: 200},
	})
	// Recording the status emits nothing; the response entry waits for timing.
	assert.Equal(t, 1, n.PendingCount())

	respEntry, ok := n.LoadingFinished(&network.EventLoadingFinished{RequestID: id})
	require.True(t, ok)
	assert.Equal(t, "← 200 GET http://localhost:3000/api/items", respEntry.Message)
	assert.Equal(t, 0, n.PendingCount())

	var respDetail NetworkDetail
	require.NoError(t, encjson.Unmarshal(respEntry.Raw, &respDetail))
	if diff := cmp.Diff(NetworkDetail{
		RequestID: "req-1",
		Method:    "GET",
		URL:       "http://localhost:3000/api/items",
		Status:    200,
	}, respDetail); diff != "" {
		t.Errorf("response detail mismatch (-want +got):\n%s", diff)
	}

	// A second finish for the same id is a no-op.
	_, ok = n.LoadingFinished(&network.EventLoadingFinished{RequestID: id})
	assert.False(t, ok)
}

func TestLoadingFinishedUnknownRequest(t *testing.T) {
	t.Parallel()
	n := New()
	_, ok := n.LoadingFinished(&network.EventLoadingFinished{RequestID: "ghost"})
	assert.False(t, ok)
}

func TestLoadingFailed(t *testing.T) {
	t.Parallel()
	n := New()
	id := network.RequestID("req-2")

	n.RequestWillBeSent(&network.EventRequestWillBeSent{
		RequestID: id,
		Request:   &network.Request{Method: "POST", URL: "http://localhost:3000/api/save"},
	})
	entry, ok := n.LoadingFailed(&network.EventLoadingFailed{
		RequestID: id,
		ErrorText: "net::ERR_CONNECTION_REFUSED",
	})
	require.True(t, ok)
	assert.Equal(t, logbook.EventNetworkResponse, entry.Type)
	assert.Equal(t, "← FAILED POST http://localhost:3000/api/save: net::ERR_CONNECTION_REFUSED", entry.Message)
	assert.Equal(t, 0, n.PendingCount())

	var detail NetworkDetail
	require.NoError(t, encjson.Unmarshal(entry.Raw, &detail))
	assert.True(t, detail.Failed)
}

func TestFlushEmitsIncompleteRequestsInArrivalOrder(t *testing.T) {
	t.Parallel()
	n := New()

	for i, url := range []string{"http://a/1", "http://a/2", "http://a/3"} {
		n.RequestWillBeSent(&network.EventRequestWillBeSent{
			RequestID: network.RequestID(string(rune('a' + i))),
			Request:   &network.Request{Method: "GET", URL: url},
		})
	}
	// The middle request completes; only the outer two are left dangling.
	_, ok := n.LoadingFinished(&network.EventLoadingFinished{RequestID: "b"})
	require.True(t, ok)

	entries := n.Flush()
	require.Len(t, entries, 2)
	assert.Equal(t, "← INCOMPLETE GET http://a/1 (no response before session end)", entries[0].Message)
	assert.Equal(t, "← INCOMPLETE GET http://a/3 (no response before session end)", entries[1].Message)
	assert.Equal(t, 0, n.PendingCount())

	// Flush is one-shot.
	assert.Nil(t, n.Flush())
}

func TestNavigationAndScreenshot(t *testing.T) {
	t.Parallel()
	n := New()

	nav := n.Navigation("http://localhost:3000/")
	assert.Equal(t, logbook.EventNavigation, nav.Type)
	assert.Equal(t, "Navigated to http://localhost:3000/", nav.Message)

	shot := n.Screenshot("/tmp/shots/0001-exception.png", "exception")
	assert.Equal(t, logbook.EventScreenshot, shot.Type)
	assert.Equal(t, "Screenshot (exception): /tmp/shots/0001-exception.png", shot.Message)

	life := n.Lifecycle("Page load complete")
	assert.Equal(t, logbook.SourceBrowser, life.Source)
	assert.Equal(t, logbook.EventLifecycle, life.Type)
}
