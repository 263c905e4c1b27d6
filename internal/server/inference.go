package server

import (
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	gateway "github.com/eugener/plexus/internal"
	"github.com/eugener/plexus/internal/router"
	"github.com/eugener/plexus/internal/sse"
	"github.com/eugener/plexus/internal/transform"
)

// bodyPool reuses buffers for request body reads, avoiding a per-request
// allocation for the common case.
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// readRequestBody reads the full request body via bodyPool and returns a
// copy (the pooled buffer is reused as soon as this returns, but
// ParseRequest's UnifiedRequest.OriginalBody must outlive the call, unlike a
// json.Unmarshal target which copies eagerly).
func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	defer bodyPool.Put(buf)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return nil, false
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, true
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.dispatchInference(w, r, gateway.DialectChat, "")
}

func (s *server) handleMessages(w http.ResponseWriter, r *http.Request) {
	s.dispatchInference(w, r, gateway.DialectMessages, "")
}

// handleGenerateContent serves both Gemini actions mounted on the same chi
// route ("/v1beta/models/{model}:{action}", grounded on the teacher's
// native.go passthrough): the model comes from the path, and streaming is
// determined by the action rather than a body field, since native Gemini
// requests carry no "stream" flag.
func (s *server) handleGenerateContent(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	action := chi.URLParam(r, "action")
	switch action {
	case "generateContent", "streamGenerateContent":
	default:
		writeErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "unsupported action")
		return
	}
	s.dispatchInferenceGemini(w, r, model, action == "streamGenerateContent")
}

func (s *server) dispatchInferenceGemini(w http.ResponseWriter, r *http.Request, pathModel string, streaming bool) {
	req, ok := s.parseRequest(w, r, gateway.DialectGemini, pathModel)
	if !ok {
		return
	}
	req.Stream = streaming
	s.dispatch(w, r, req)
}

func (s *server) dispatchInference(w http.ResponseWriter, r *http.Request, dialect gateway.APIType, pathModel string) {
	req, ok := s.parseRequest(w, r, dialect, pathModel)
	if !ok {
		return
	}
	s.dispatch(w, r, req)
}

func (s *server) parseRequest(w http.ResponseWriter, r *http.Request, dialect gateway.APIType, pathModel string) (*gateway.UnifiedRequest, bool) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return nil, false
	}

	xf, err := transform.Get(dialect)
	if err != nil {
		writeErrorCode(w, http.StatusInternalServerError, CodeInternalError, "dialect not available")
		return nil, false
	}

	req, err := xf.ParseRequest(body, pathModel)
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request: "+err.Error())
		return nil, false
	}
	req.OriginalBody = body
	req.RequestID = gateway.RequestIDFromContext(r.Context())
	return req, true
}

// dispatch resolves and dispatches req, writing either the non-streaming
// response body or driving an SSE stream, and always records usage
// regardless of outcome (spec.md §7 "a usage record is always written").
func (s *server) dispatch(w http.ResponseWriter, r *http.Request, req *gateway.UnifiedRequest) {
	ctx := r.Context()
	identity := gateway.IdentityFromContext(ctx)
	start := time.Now()

	resolved, err := s.deps.Router.Resolve(ctx, req.Model, func(string) string { return "" })
	if err != nil {
		s.recordUsageError(r, req, nil, start, err)
		writeError(w, ctx, err)
		return
	}

	modelCfg, ok := s.deps.Router.ModelConfig(resolved.CanonicalModel)
	if !ok {
		s.recordUsageError(r, req, resolved, start, gateway.ErrModelNotFound)
		writeError(w, ctx, gateway.ErrModelNotFound)
		return
	}

	resp, err := s.deps.Dispatcher.Dispatch(ctx, resolved, modelCfg, req)
	if err != nil {
		s.recordUsageError(r, req, resolved, start, err)
		writeError(w, ctx, err)
		return
	}

	if req.Stream {
		s.streamInference(w, r, req, resolved, resp, start)
		return
	}

	xf, err := transform.Get(req.IncomingAPIType)
	if err != nil {
		s.recordUsageError(r, req, resolved, start, err)
		writeError(w, ctx, err)
		return
	}
	wire, err := xf.FormatResponse(resp)
	if err != nil {
		s.recordUsageError(r, req, resolved, start, err)
		writeError(w, ctx, err)
		return
	}

	s.recordUsage(r, req, resp.Plexus, resp.Usage, start, false, "success", identity)
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(http.StatusOK)
	w.Write(wire)
}

// streamInference drives resp.Stream through the upstream dialect's
// TransformStream and the client dialect's FormatStream, flushing each
// frame as it's produced. Grounded on the teacher's keepalive-ticker SSE
// loop (internal/server/proxy.go's handleChatCompletionStream), generalized
// from a single hardcoded OpenAI shape to any transformer pairing.
func (s *server) streamInference(w http.ResponseWriter, r *http.Request, req *gateway.UnifiedRequest, resolved *router.Resolved, resp *gateway.UnifiedResponse, start time.Time) {
	identity := gateway.IdentityFromContext(r.Context())
	defer resp.Stream.Close()

	upstreamXf, err := transform.Get(resp.Plexus.APIType)
	if err != nil {
		s.recordUsageError(r, req, resolved, start, err)
		writeError(w, r.Context(), err)
		return
	}
	clientXf, err := transform.Get(req.IncomingAPIType)
	if err != nil {
		s.recordUsageError(r, req, resolved, start, err)
		writeError(w, r.Context(), err)
		return
	}

	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	upstreamState := &transform.StreamState{}
	clientState := &transform.StreamState{}
	scanner := sse.NewScanner(resp.Stream)

	// Scanning blocks on network reads, so it runs on its own goroutine; the
	// main loop selects between scanned lines and a keepalive ticker,
	// grounded on the teacher's handleChatCompletionStream keepalive loop
	// (internal/server/proxy.go).
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
	}()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	var usage gateway.Usage
	firstByte := true
	var ttft time.Duration
	status := "success"
	drained := false

loop:
	for {
		select {
		case line, open := <-lines:
			if !open {
				drained = true
				break loop
			}
			chunk, ok, err := upstreamXf.TransformStream(line, upstreamState)
			if err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream transform error", slog.String("error", err.Error()))
				break loop
			}
			if !ok {
				continue
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if firstByte {
				ttft = time.Since(start)
				firstByte = false
			}

			frame, err := clientXf.FormatStream(chunk, clientState)
			if err != nil {
				slog.LogAttrs(r.Context(), slog.LevelError, "stream format error", slog.String("error", err.Error()))
				break loop
			}
			if frame != "" {
				w.Write([]byte(frame))
				flusher.Flush()
			}
			if chunk.Done {
				break loop
			}
		case <-keepalive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			status = "client_disconnect"
			break loop
		}
	}

	// Closing the stream unblocks the scanner goroutine if it's mid-Read.
	// If it already drained (reached channel close on its own), scanErr is
	// ready; otherwise it may be blocked trying to send a line nobody is
	// reading anymore, so that case is drained in the background instead of
	// blocking this request's completion on it.
	resp.Stream.Close()
	if drained {
		if err := <-scanErr; err != nil && status == "success" {
			status = "client_disconnect"
		}
	} else {
		go func() {
			for range lines {
			}
		}()
	}

	plexus := resp.Plexus
	rec := gateway.UsageRecord{
		RequestID:          req.RequestID,
		Date:               start.UTC().Format("2006-01-02"),
		SourceIP:           clientIP(r),
		IncomingAPIType:    req.IncomingAPIType,
		Provider:           plexus.Provider,
		IncomingModelAlias: req.Model,
		SelectedModelName:  plexus.Model,
		OutgoingAPIType:    plexus.APIType,
		TokensInput:        usage.InputTokens,
		TokensOutput:       usage.OutputTokens,
		TokensReasoning:    usage.ReasoningTokens,
		TokensCached:       usage.CachedTokens,
		CostTotal:          cost(plexus, usage),
		StartTime:          start,
		DurationMs:         time.Since(start).Milliseconds(),
		TTFTMs:             ttft.Milliseconds(),
		IsStreamed:         true,
		ResponseStatus:     status,
	}
	if identity != nil {
		rec.APIKey = identity.KeyName
	}
	if usage.OutputTokens > 0 && rec.DurationMs > 0 {
		rec.TokensPerSec = float64(usage.OutputTokens) / (float64(rec.DurationMs) / 1000)
	}
	if s.deps.Usage != nil {
		s.deps.Usage.Record(rec)
	}
}

// recordUsage writes a usage record for a completed non-streaming dispatch.
func (s *server) recordUsage(r *http.Request, req *gateway.UnifiedRequest, plexus gateway.PlexusMeta, usage gateway.Usage, start time.Time, streamed bool, status string, identity *gateway.Identity) {
	if s.deps.Usage == nil {
		return
	}
	rec := gateway.UsageRecord{
		RequestID:          req.RequestID,
		Date:               start.UTC().Format("2006-01-02"),
		SourceIP:           clientIP(r),
		IncomingAPIType:    req.IncomingAPIType,
		Provider:           plexus.Provider,
		IncomingModelAlias: req.Model,
		SelectedModelName:  plexus.Model,
		OutgoingAPIType:    plexus.APIType,
		TokensInput:        usage.InputTokens,
		TokensOutput:       usage.OutputTokens,
		TokensReasoning:    usage.ReasoningTokens,
		TokensCached:       usage.CachedTokens,
		CostTotal:          cost(plexus, usage),
		StartTime:          start,
		DurationMs:         time.Since(start).Milliseconds(),
		IsStreamed:         streamed,
		ResponseStatus:     status,
	}
	if identity != nil {
		rec.APIKey = identity.KeyName
	}
	if usage.OutputTokens > 0 && rec.DurationMs > 0 {
		rec.TokensPerSec = float64(usage.OutputTokens) / (float64(rec.DurationMs) / 1000)
	}
	s.deps.Usage.Record(rec)
}

// recordUsageError writes a usage record for a dispatch that failed before
// (or instead of) producing a response, per spec.md §7's "a usage record is
// always written, even on failure" rule.
func (s *server) recordUsageError(r *http.Request, req *gateway.UnifiedRequest, resolved *router.Resolved, start time.Time, err error) {
	if s.deps.Usage == nil {
		return
	}
	identity := gateway.IdentityFromContext(r.Context())
	rec := gateway.UsageRecord{
		RequestID:          req.RequestID,
		Date:               start.UTC().Format("2006-01-02"),
		SourceIP:           clientIP(r),
		IncomingAPIType:    req.IncomingAPIType,
		IncomingModelAlias: req.Model,
		StartTime:          start,
		DurationMs:         time.Since(start).Milliseconds(),
		ResponseStatus:     "error: " + err.Error(),
	}
	if resolved != nil {
		rec.Provider = resolved.Provider.ID
		rec.SelectedModelName = resolved.Model
	}
	if identity != nil {
		rec.APIKey = identity.KeyName
	}
	s.deps.Usage.Record(rec)
}

// cost computes the request's USD cost from the model's configured
// per-million-token pricing and the provider's discount, improving on the
// teacher's flat-rate estimateCost placeholder now that routing metadata
// carries real per-model pricing.
func cost(plexus gateway.PlexusMeta, usage gateway.Usage) float64 {
	if plexus.Pricing == nil {
		return 0
	}
	raw := float64(usage.InputTokens)/1_000_000*plexus.Pricing.InputPerMTok +
		float64(usage.OutputTokens)/1_000_000*plexus.Pricing.OutputPerMTok
	if plexus.ProviderDiscount > 0 {
		raw *= 1 - plexus.ProviderDiscount
	}
	return raw
}

// clientIP returns the first X-Forwarded-For entry if present, else the
// request's remote address stripped of its port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(ip)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
