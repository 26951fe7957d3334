package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/riskaudit/internal/activity"
)

// maxCapturedBody is the largest JSON request body copied into activity records.
const maxCapturedBody = 64 << 10

// ActivitySubmitter queues an activity for asynchronous risk processing.
// Implementations must not block.
type ActivitySubmitter interface {
	Submit(identity activity.Identity, c activity.Context) error
}

// ActivityTracking records every authenticated request as an activity after
// the response has been written. Unauthenticated requests and paths in skip
// pass through untouched. Must run after Authenticate.
func ActivityTracking(submitter ActivitySubmitter, metrics *Metrics, logger *slog.Logger, skip ...string) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	skipped := make(map[string]bool, len(skip))
	for _, p := range skip {
		skipped[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := GetIdentity(r.Context())
			if !ok || skipped[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			requestData := captureRequestData(r, logger)

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			c := BuildActivityContext(r, rw.statusCode, time.Since(start))
			c.RequestData = requestData
			c.Timestamp = start.UTC()

			if err := submitter.Submit(identity, c); err != nil {
				metrics.IncActivitiesUntracked()
				logger.WarnContext(r.Context(), "activity not tracked",
					"identity", identity.ID,
					"endpoint", c.Endpoint,
					"error", err)
			}
		})
	}
}

// BuildActivityContext maps an HTTP request and its outcome to the
// transport-independent activity description.
func BuildActivityContext(r *http.Request, status int, latency time.Duration) activity.Context {
	action, resource := activity.ClassifyRequest(r.Method, r.URL.Path)
	c := activity.Context{
		Action:         action,
		Resource:       resource,
		Method:         r.Method,
		Endpoint:       r.URL.Path,
		ResponseStatus: status,
		Latency:        latency,
		IPAddress:      ClientIP(r),
		UserAgent:      r.UserAgent(),
	}
	if token, ok := BearerToken(r); ok {
		c.CorrelationToken = CorrelationToken(token)
	}
	return c
}

// CorrelationToken derives a stable, non-reversible reference to a bearer
// token so sessions can be linked to it without storing the token.
func CorrelationToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// captureRequestData reads a JSON object body, restores it for the handler and
// returns the sanitized encoding. Returns nil for non-JSON or oversized bodies.
func captureRequestData(r *http.Request, logger *slog.Logger) []byte {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || (mediaType != "application/json" && !strings.HasSuffix(mediaType, "+json")) {
		return nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCapturedBody+1))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(raw), rest), rest}
	if err != nil || len(raw) > maxCapturedBody {
		return nil
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	data, err := activity.EncodeRequestData(body)
	if err != nil {
		logger.DebugContext(r.Context(), "failed to encode request data", "error", err)
		return nil
	}
	return data
}
