package byteio

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// sharedHTTPClient is tuned the way the teacher's CDN backend tunes its
// client: bounded connection reuse and larger read buffers, since a slide
// read path issues many small range GETs against the same host.
var sharedHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		ReadBufferSize:      2 << 20,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   setSocketBuffers,
		}).DialContext,
	},
}

// setSocketBuffers tunes SO_RCVBUF/SO_SNDBUF and disables Nagle's
// algorithm, matching the dialer the teacher built for its CDN client in
// pkg/v2/cdn.go.
func setSocketBuffers(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_RCVBUF, 2<<20)
		if sockErr == nil {
			sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_SNDBUF, 2<<20)
		}
		if sockErr == nil {
			sockErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_TCP, syscall.TCP_NODELAY, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}

type httpBackend struct {
	url    string
	client *http.Client
}

func openHTTP(ctx context.Context, url string) (Backend, error) {
	return &httpBackend{url: url, client: sharedHTTPClient}, nil
}

func (b *httpBackend) Size(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return parseContentRangeSize(resp.Header.Get("Content-Range"))
	case http.StatusOK:
		if resp.ContentLength >= 0 {
			return resp.ContentLength, nil
		}
		return 0, fmt.Errorf("server did not report a content length for %s", b.url)
	default:
		return 0, fmt.Errorf("unexpected status %d probing %s", resp.StatusCode, b.url)
	}
}

func parseContentRangeSize(cr string) (int64, error) {
	var start, end, size int64
	if _, err := fmt.Sscanf(cr, "bytes %d-%d/%d", &start, &end, &size); err != nil {
		return 0, fmt.Errorf("unparseable Content-Range %q: %w", cr, err)
	}
	return size, nil
}

func (b *httpBackend) FetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, b.url)
	}
	return io.ReadAll(resp.Body)
}

func (b *httpBackend) Close() error { return nil }
