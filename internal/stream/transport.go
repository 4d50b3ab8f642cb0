package stream

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Transport opens one long-lived push connection.
type Transport interface {
	Open(ctx context.Context, token string) (Stream, error)
}

// Stream yields push frames in wire order. Next blocks until a frame is
// available or the connection fails. Close unblocks a pending Next.
type Stream interface {
	Next() ([]byte, error)
	Close() error
}

// HTTPTransport reads frames from a Server-Sent Events endpoint. The bearer
// credential is passed as the token query parameter.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTransport builds a transport for baseURL+path. The client must not
// carry a request timeout; a nil client uses one without.
func NewHTTPTransport(baseURL, path string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/"),
		client:   client,
	}
}

func (t *HTTPTransport) Open(ctx context.Context, token string) (Stream, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "parse stream endpoint")
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "create stream request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errors.Errorf("open stream: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &sseStream{body: resp.Body, scanner: scanner}, nil
}

// sseStream decodes the event-stream format. Only data fields matter: each
// event's data lines are joined with "\n" and returned as one frame. Comment
// lines (heartbeats) and the event, id and retry fields are skipped.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// maxLineSize bounds one event-stream line and maxFrameSize one dispatched
// event; exceeding either fails the stream.
const (
	maxLineSize  = 1 << 20
	maxFrameSize = 1 << 20
)

var errFrameTooLarge = errors.New("stream frame exceeds size limit")

func (s *sseStream) Next() ([]byte, error) {
	var (
		data    []byte
		hasData bool
	)
	for {
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, errors.Wrap(err, "read stream")
			}
			return nil, errors.Wrap(io.EOF, "stream closed by server")
		}
		line := s.scanner.Text()

		if line == "" {
			if hasData {
				return data, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		value = strings.TrimPrefix(value, " ")
		if hasData {
			data = append(data, '\n')
		}
		if len(data)+len(value) > maxFrameSize {
			return nil, errFrameTooLarge
		}
		data = append(data, value...)
		hasData = true
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
