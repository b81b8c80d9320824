package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/docxology/codomyrmex-sub001/pkg/models"
)

const maxBodyBytes = 4 << 20

type httpAction struct {
	client *http.Client
}

// get fetches params["url"]. JSON bodies are decoded; anything else is
// returned as text. Status codes of 400 and above fail the task, with 5xx
// classed as retryable execution errors and 4xx as validation errors.
func (h *httpAction) get(ctx context.Context, params map[string]any) (any, error) {
	const op = "http.get"

	raw, err := requireString(op, params, "url")
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, paramError(op, "invalid url %q", raw)
	}
	query, err := stringMap(params, "query")
	if err != nil {
		return nil, paramError(op, "%v", err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	headers, err := stringMap(params, "headers")
	if err != nil {
		return nil, paramError(op, "%v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, paramError(op, "%v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, models.WrapError(models.KindExecution, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, models.WrapError(models.KindExecution, op, fmt.Errorf("read body: %w", err))
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, models.NewError(models.KindExecution, op, "%s returned %s", u.Redacted(), resp.Status)
	case resp.StatusCode >= 400:
		return nil, models.NewError(models.KindValidation, op, "%s returned %s", u.Redacted(), resp.Status)
	}

	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			out["body"] = decoded
			return out, nil
		}
	}
	out["body"] = string(body)
	return out, nil
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}
