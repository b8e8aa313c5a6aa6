package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/snapy/snapy/backend/go-session/pkg/metrics"
)

// Do sends req with "Authorization: Bearer <token>" using a valid token.
//
// A 401 triggers one refresh and, if it succeeds, one retry with the new
// token. A retry that is still 401 clears the session. Whatever response
// results is returned as is; only the authentication boundary is interpreted.
//
// Without a usable token Do clears the session and returns ErrUnauthenticated.
// The request body is closed on every error path.
func (m *Manager) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	token, err := m.ValidToken(ctx)
	if err != nil {
		closeBody(req)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, ErrRefreshUnavailable) {
			metrics.RequestsTotal.WithLabelValues("refresh_unavailable").Inc()
			return nil, err
		}
		if !errors.Is(err, errRefreshFailed) {
			m.logout(ctx, "no_session")
		}
		metrics.RequestsTotal.WithLabelValues("unauthenticated").Inc()
		return nil, ErrUnauthenticated
	}

	resp, err := m.send(req, token, false)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("transport").Inc()
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		metrics.RequestsTotal.WithLabelValues("ok").Inc()
		return resp, nil
	}

	m.log.Infof("%s %s returned 401, refreshing", req.Method, req.URL.Path)
	if !m.RefreshAccessToken(ctx) {
		// the session is cleared unless another process holds the refresh lock
		metrics.RequestsTotal.WithLabelValues("unauthenticated").Inc()
		return resp, nil
	}
	if !replayable(req) {
		m.log.Warnf("%s %s not retried: request body cannot be replayed", req.Method, req.URL.Path)
		metrics.RequestsTotal.WithLabelValues("not_replayable").Inc()
		return resp, nil
	}
	token, ok := m.AccessToken(ctx)
	if !ok {
		metrics.RequestsTotal.WithLabelValues("unauthenticated").Inc()
		return resp, nil
	}
	drain(resp)

	retry, err := m.send(req, token, true)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues("transport").Inc()
		return nil, err
	}
	if retry.StatusCode == http.StatusUnauthorized {
		m.log.Warnf("%s %s still 401 after refresh", req.Method, req.URL.Path)
		metrics.RequestsTotal.WithLabelValues("unauthenticated").Inc()
		m.logout(ctx, "retry_unauthorized")
		return retry, nil
	}
	metrics.RequestsTotal.WithLabelValues("retried").Inc()
	return retry, nil
}

// Fetch builds a request and sends it through Do. Paths starting with "/"
// are resolved against the API base URL.
func (m *Manager) Fetch(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	if strings.HasPrefix(url, "/") {
		url = m.baseURL + url
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return nil, err
	}
	for k, vv := range header {
		for _, v := range vv {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return m.Do(req)
}

// send clones req, sets the bearer header and issues it on the base client.
// For a retry the body is rebuilt through GetBody.
func (m *Manager) send(req *http.Request, token string, retry bool) (*http.Response, error) {
	out := req.Clone(req.Context())
	if retry && req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	out.Header.Set("Authorization", "Bearer "+token)
	out.RequestURI = ""
	return m.httpClient.Do(out)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// Client returns an *http.Client whose requests go through Do. Errors from
// Do surface as *url.Error wrapping ErrUnauthenticated.
func (m *Manager) Client() *http.Client {
	return &http.Client{Transport: roundTripper{m: m}}
}

type roundTripper struct {
	m *Manager
}

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.m.Do(req)
}
