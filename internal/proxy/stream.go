package proxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/doublewordai/waycast/internal/translate"
	"github.com/doublewordai/waycast/pkg/gatewayerr"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"

	scanBufferSize    = 4096
	maxScanTokenBytes = 1 << 20
)

var scanBufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, scanBufferSize)
		return &buf
	},
}

// executeStream relays an SSE response. Errors return only until the
// upstream answers 2xx; after that the status line is committed and
// every failure surfaces as one in-band error event followed by [DONE].
func (e *Engine) executeStream(ctx context.Context, rc *RequestContext, w http.ResponseWriter, tr translate.Translator, credential string, req *translate.Request, alias string) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		rc.finish(OutcomeFailed)
		return gatewayerr.NewInternal("streaming is not supported by this server")
	}
	wantsUsage := req.WantsUsage()

	// Client disconnect propagates: upCtx derives from the request
	// context, so a gone caller aborts the upstream read. The idle
	// watchdog cancels upCtx directly and flags itself apart.
	upCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := tr.BuildRequest(upCtx, rc.Deployment, credential, req)
	if err != nil {
		rc.finish(OutcomeFailed)
		return err
	}

	rc.UpstreamStatus = 0
	resp, err := e.client.Do(httpReq)
	if err != nil {
		err = e.transportError(ctx, rc.Deployment, err)
		rc.finish(e.failureOutcome(ctx))
		return err
	}
	defer resp.Body.Close()

	rc.UpstreamStatus = resp.StatusCode
	rc.FirstByte = time.Now()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		rc.finish(OutcomeFailed)
		return tr.MapError(rc.Deployment, resp.StatusCode, body)
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var idleFired atomic.Bool
	var watchdog *time.Timer
	if e.cfg.StreamIdleTimeout > 0 {
		watchdog = time.AfterFunc(e.cfg.StreamIdleTimeout, func() {
			idleFired.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}

	relay := &streamRelay{
		w:          w,
		flusher:    flusher,
		parser:     tr.NewChunkParser(req.Op, alias),
		rc:         rc,
		wantsUsage: wantsUsage,
	}

	scanner := bufio.NewScanner(resp.Body)
	buf := scanBufferPool.Get().(*[]byte)
	defer scanBufferPool.Put(buf)
	scanner.Buffer(*buf, maxScanTokenBytes)

	for scanner.Scan() {
		if watchdog != nil {
			watchdog.Reset(e.cfg.StreamIdleTimeout)
		}
		relay.handleLine(scanner.Bytes())
		if relay.terminal {
			break
		}
	}

	dep := rc.Deployment
	switch {
	case relay.streamErr != nil:
		// Forwarded content stands; close out in-band.
		relay.writeError(relay.streamErr)
		relay.writeDone()
		rc.finish(OutcomePartial)

	case idleFired.Load():
		relay.writeError(gatewayerr.NewUpstream(http.StatusGatewayTimeout, dep.Kind, dep.Alias,
			"upstream stalled mid-stream"))
		relay.writeDone()
		rc.finish(OutcomePartial)

	case errors.Is(ctx.Err(), context.Canceled):
		rc.finish(OutcomeCancelled)

	case scanner.Err() != nil:
		e.logger.Warn("upstream stream broke",
			"request_id", rc.ID, "alias", dep.Alias, "error", scanner.Err())
		relay.writeError(gatewayerr.NewUpstream(http.StatusBadGateway, dep.Kind, dep.Alias,
			"upstream connection lost mid-stream"))
		relay.writeDone()
		rc.finish(OutcomePartial)

	case relay.sentDone:
		rc.finish(OutcomeCompleted)

	case relay.finishSeen:
		// Mapped kinds end at their final event without a [DONE] of
		// their own; synthesize it.
		relay.writeDone()
		rc.finish(OutcomeCompleted)

	default:
		// EOF with no finish reason and no [DONE]: the upstream died
		// mid-stream without an error on the wire.
		relay.writeError(gatewayerr.NewUpstream(http.StatusBadGateway, dep.Kind, dep.Alias,
			"upstream ended the stream prematurely"))
		relay.writeDone()
		rc.finish(OutcomePartial)
	}

	if rc.Usage.TotalTokens == 0 {
		e.estimateUsage(rc, req, nil, relay.text.String())
	}
	return nil
}

// streamRelay owns the downstream side of one SSE exchange.
type streamRelay struct {
	w          http.ResponseWriter
	flusher    http.Flusher
	parser     translate.ChunkParser
	rc         *RequestContext
	wantsUsage bool

	text       strings.Builder
	sentDone   bool
	finishSeen bool
	terminal   bool
	streamErr  error
}

func (r *streamRelay) handleLine(line []byte) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}
	// event:/id:/comment lines carry nothing the parsers need; the
	// event type rides inside the data payload.
	if !bytes.HasPrefix(trimmed, []byte(sseDataPrefix)) {
		return
	}
	payload := bytes.TrimSpace(trimmed[len(sseDataPrefix):])

	if bytes.Equal(payload, []byte(sseDone)) {
		r.writeDone()
		r.terminal = true
		return
	}

	parsed, err := r.parser.Parse(payload)
	if err != nil {
		r.streamErr = err
		r.terminal = true
		return
	}

	if parsed.Usage != nil {
		r.rc.Usage.Add(parsed.Usage)
	}
	if parsed.Text != "" {
		r.text.WriteString(parsed.Text)
	}
	if parsed.FinishReason != "" {
		r.finishSeen = true
	}
	if len(parsed.Forward) == 0 {
		return
	}
	if parsed.UsageOnly && !r.wantsUsage {
		// Injected for billing; the client never asked for it.
		return
	}
	r.writeEvent(parsed.Forward)
}

func (r *streamRelay) writeEvent(payload []byte) {
	// Write errors mean the client is gone; the scan loop notices via
	// the request context.
	_, _ = r.w.Write([]byte(sseDataPrefix + " "))
	_, _ = r.w.Write(payload)
	_, _ = r.w.Write([]byte("\n\n"))
	r.flusher.Flush()
}

func (r *streamRelay) writeDone() {
	if r.sentDone {
		return
	}
	r.writeEvent([]byte(sseDone))
	r.sentDone = true
}

func (r *streamRelay) writeError(err error) {
	ge := gatewayerr.From(err)
	payload, marshalErr := json.Marshal(gatewayerr.ErrorResponse{
		Error: gatewayerr.ErrorDetail{
			Message: ge.Message,
			Type:    ge.Kind,
			Code:    strconv.Itoa(ge.HTTPStatusCode()),
		},
	})
	if marshalErr != nil {
		return
	}
	r.writeEvent(payload)
}
