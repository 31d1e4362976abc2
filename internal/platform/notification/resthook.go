package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RestHook posts notification bundles to subscription endpoints. One
// transport-level retry is attempted on connection errors; anything beyond
// that is the evaluator's concern.
type RestHook struct {
	client *http.Client
	log    zerolog.Logger
}

// NewRestHook builds the transport with the default 30 s client timeout;
// per-send deadlines arrive via the context.
func NewRestHook(log zerolog.Logger) *RestHook {
	return &RestHook{
		client: &http.Client{Timeout: 30 * time.Second},
		log:    log,
	}
}

// Send posts the body once, retrying a single time on transport errors.
func (r *RestHook) Send(ctx context.Context, ch Channel, body []byte) (int, error) {
	status, err := r.post(ctx, ch, body)
	if err == nil {
		return status, nil
	}
	if ctx.Err() != nil {
		return 0, err
	}
	r.log.Debug().Str("endpoint", ch.Endpoint).Err(err).Msg("rest-hook retrying after transport error")
	return r.post(ctx, ch, body)
}

func (r *RestHook) post(ctx context.Context, ch Channel, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.Endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build notification request: %w", err)
	}
	contentType := ch.ContentType
	if contentType == "" {
		contentType = "application/fhir+json"
	}
	req.Header.Set("Content-Type", contentType)
	for name, values := range ch.Headers {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
