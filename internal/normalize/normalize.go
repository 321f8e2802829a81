// File: internal/normalize/normalize.go
//
// Package normalize converts raw CDP events into canonical logbook entries.
// It performs no I/O and holds only the request-correlation state needed to
// pair network requests with their responses, which keeps it unit-testable
// without a browser.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	jsoniter "github.com/json-iterator/go"

	"github.com/devscope-io/devscope/internal/logbook"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// pendingRequest tracks one in-flight network request awaiting its response.
type pendingRequest struct {
	Method string
	URL    string
	Start  *cdp.MonotonicTime
	Status int64
	// seq preserves arrival order for deterministic Flush output.
	seq int
}

// NetworkDetail is the structured payload attached to network entries.
type NetworkDetail struct {
	RequestID  string  `json:"request_id"`
	Method     string  `json:"method"`
	URL        string  `json:"url"`
	Status     int64   `json:"status,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
	Failed     bool    `json:"failed,omitempty"`
	Incomplete bool    `json:"incomplete,omitempty"`
}

// Normalizer turns protocol event shapes into logbook entries. Timestamps are
// left empty; the logbook stamps entries at append time, so output depends
// only on the input events.
type Normalizer struct {
	pending map[network.RequestID]*pendingRequest
	seq     int
	flushed bool
}

// New returns an empty Normalizer.
func New() *Normalizer {
	return &Normalizer{pending: make(map[network.RequestID]*pendingRequest)}
}

// ConsoleEvent maps a console API call to a CONSOLE_LOG or CONSOLE_ERROR entry
// by severity, with the call site appended when known.
func (n *Normalizer) ConsoleEvent(e *runtime.EventConsoleAPICalled) logbook.Entry {
	eventType := logbook.EventConsoleLog
	switch e.Type {
	case runtime.APITypeError, runtime.APITypeAssert:
		eventType = logbook.EventConsoleError
	}

	msg := fmt.Sprintf("console.%s: %s", e.Type, stringifyArgs(e.Args))
	if loc := callSite(e.StackTrace); loc != "" {
		msg += " (" + loc + ")"
	}
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    eventType,
		Message: msg,
	}
}

// LogEntryAdded maps a browser log entry (network warnings, deprecations,
// violations) by its level.
func (n *Normalizer) LogEntryAdded(e *cdplog.EventEntryAdded) logbook.Entry {
	if e.Entry == nil {
		return logbook.Entry{Source: logbook.SourceBrowser, Type: logbook.EventConsoleLog, Message: "(empty log entry)"}
	}
	eventType := logbook.EventConsoleLog
	if e.Entry.Level == cdplog.LevelError {
		eventType = logbook.EventConsoleError
	}
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    eventType,
		Message: fmt.Sprintf("%s: %s", e.Entry.Source, e.Entry.Text),
	}
}

// ExceptionEvent maps an uncaught exception to CONSOLE_ERROR. The exception
// description usually carries the stack trace.
func (n *Normalizer) ExceptionEvent(e *runtime.EventExceptionThrown) logbook.Entry {
	text := "uncaught exception"
	if d := e.ExceptionDetails; d != nil {
		text = d.Text
		if d.Exception != nil && d.Exception.Description != "" {
			text = d.Exception.Description
		}
	}
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    logbook.EventConsoleError,
		Message: "Uncaught " + text,
	}
}

// RequestWillBeSent records the request for later pairing and emits the
// NETWORK_REQUEST entry.
func (n *Normalizer) RequestWillBeSent(e *network.EventRequestWillBeSent) logbook.Entry {
	method, url := "?", "?"
	if e.Request != nil {
		method, url = e.Request.Method, e.Request.URL
	}
	n.seq++
	n.pending[e.RequestID] = &pendingRequest{
		Method: method,
		URL:    url,
		Start:  e.Timestamp,
		seq:    n.seq,
	}

	detail, _ := json.Marshal(NetworkDetail{
		RequestID: string(e.RequestID), Method: method, URL: url,
	})
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    logbook.EventNetworkRequest,
		Message: fmt.Sprintf("→ %s %s", method, url),
		Raw:     detail,
	}
}

// ResponseReceived records the status for the matching request. No entry is
// emitted yet; the paired NETWORK_RESPONSE entry comes from LoadingFinished so
// it can carry full timing.
func (n *Normalizer) ResponseReceived(e *network.EventResponseReceived) {
	if p, ok := n.pending[e.RequestID]; ok && e.Response != nil {
		p.Status = e.Response.Status
	}
}

// LoadingFinished completes the pair: emits one NETWORK_RESPONSE entry with
// method, URL, status and duration. Unknown request ids produce no entry.
func (n *Normalizer) LoadingFinished(e *network.EventLoadingFinished) (logbook.Entry, bool) {
	p, ok := n.pending[e.RequestID]
	if !ok {
		return logbook.Entry{}, false
	}
	delete(n.pending, e.RequestID)

	duration := durationMs(p.Start, e.Timestamp)
	detail, _ := json.Marshal(NetworkDetail{
		RequestID: string(e.RequestID), Method: p.Method, URL: p.URL,
		Status: p.Status, DurationMs: duration,
	})
	msg := fmt.Sprintf("← %d %s %s", p.Status, p.Method, p.URL)
	if duration > 0 {
		msg += fmt.Sprintf(" (%.0fms)", duration)
	}
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    logbook.EventNetworkResponse,
		Message: msg,
		Raw:     detail,
	}, true
}

// LoadingFailed completes the pair for a failed load (connection refused,
// blocked, aborted).
func (n *Normalizer) LoadingFailed(e *network.EventLoadingFailed) (logbook.Entry, bool) {
	p, ok := n.pending[e.RequestID]
	if !ok {
		return logbook.Entry{}, false
	}
	delete(n.pending, e.RequestID)

	detail, _ := json.Marshal(NetworkDetail{
		RequestID: string(e.RequestID), Method: p.Method, URL: p.URL, Failed: true,
	})
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    logbook.EventNetworkResponse,
		Message: fmt.Sprintf("← FAILED %s %s: %s", p.Method, p.URL, e.ErrorText),
		Raw:     detail,
	}, true
}

// Navigation emits the entry for a completed top-level navigation.
func (n *Normalizer) Navigation(url string) logbook.Entry {
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    logbook.EventNavigation,
		Message: "Navigated to " + url,
	}
}

// Lifecycle emits a browser-side lifecycle entry (load complete and similar).
func (n *Normalizer) Lifecycle(msg string) logbook.Entry {
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    logbook.EventLifecycle,
		Message: msg,
	}
}

// Screenshot emits the entry referencing a captured screenshot file.
func (n *Normalizer) Screenshot(path, reason string) logbook.Entry {
	return logbook.Entry{
		Source:  logbook.SourceBrowser,
		Type:    logbook.EventScreenshot,
		Message: fmt.Sprintf("Screenshot (%s): %s", reason, path),
	}
}

// PendingCount reports requests still awaiting a response.
func (n *Normalizer) PendingCount() int { return len(n.pending) }

// Flush emits exactly one incomplete-request entry per request that never saw a
// response, in arrival order. Meant to be called once at session end; repeated
// calls return nil.
func (n *Normalizer) Flush() []logbook.Entry {
	if n.flushed {
		return nil
	}
	n.flushed = true

	ids := make([]network.RequestID, 0, len(n.pending))
	for id := range n.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return n.pending[ids[i]].seq < n.pending[ids[j]].seq
	})

	entries := make([]logbook.Entry, 0, len(ids))
	for _, id := range ids {
		p := n.pending[id]
		delete(n.pending, id)
		detail, _ := json.Marshal(NetworkDetail{
			RequestID: string(id), Method: p.Method, URL: p.URL, Incomplete: true,
		})
		entries = append(entries, logbook.Entry{
			Source:  logbook.SourceBrowser,
			Type:    logbook.EventNetworkResponse,
			Message: fmt.Sprintf("← INCOMPLETE %s %s (no response before session end)", p.Method, p.URL),
			Raw:     detail,
		})
	}
	return entries
}

// stringifyArgs renders console arguments the way the devtools console would:
// primitive values verbatim, objects by description, everything else by type.
func stringifyArgs(args []*runtime.RemoteObject) string {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteString(" ")
		}
		var val interface{}
		switch {
		case arg.Value != nil && json.Unmarshal(arg.Value, &val) == nil:
			b.WriteString(fmt.Sprintf("%v", val))
		case arg.Description != "":
			b.WriteString(arg.Description)
		default:
			b.WriteString(fmt.Sprintf("[%s]", arg.Type))
		}
	}
	return b.String()
}

// callSite returns "url:line" for the top frame of a stack trace, if any.
func callSite(st *runtime.StackTrace) string {
	if st == nil || len(st.CallFrames) == 0 {
		return ""
	}
	f := st.CallFrames[0]
	if f.URL == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", f.URL, f.LineNumber+1)
}

func durationMs(start *cdp.MonotonicTime, end *cdp.MonotonicTime) float64 {
	if start == nil || end == nil {
		return 0
	}
	return end.Time().Sub(start.Time()).Seconds() * 1000
}
