package source

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/relieflab/demflow/pkg/geo"
)

const (
	// DefaultFetchTimeout bounds one fetch attempt. Fragment sizes run
	// from a few hundred KB to ~25 MB, so minutes, not seconds.
	DefaultFetchTimeout = 2 * time.Minute

	// maxPayloadBytes caps a fragment download; anything larger than a
	// 2x2 block of 30m cells is a misbehaving endpoint.
	maxPayloadBytes = 256 << 20
)

// HTTPFetcher fetches fragments over HTTP.
//
// Sources with a key template are fetched per cell:
// <endpoint>/<expanded key>. Sources with block support are fetched by
// bounding-box query: <endpoint>?west=..&south=..&east=..&north=..&res=..
type HTTPFetcher struct {
	desc    Descriptor
	client  *http.Client
	timeout time.Duration
	// auth is an optional Authorization header value for sources that
	// require credentials.
	auth string
}

// NewHTTPFetcher builds a fetcher for an HTTP source. authToken may be
// empty for open sources; for RequiresAuth sources an empty token is a
// configuration error surfaced at fetch time as ErrAuthRequired.
func NewHTTPFetcher(d Descriptor, client *http.Client, timeout time.Duration, authToken string) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &HTTPFetcher{desc: d, client: client, timeout: timeout, auth: authToken}
}

func (f *HTTPFetcher) Source() Descriptor { return f.desc }

func (f *HTTPFetcher) Fetch(ctx context.Context, block geo.Block) ([]byte, error) {
	if f.desc.RequiresAuth && f.auth == "" {
		return nil, f.wrap(block, ErrAuthRequired)
	}

	reqURL, err := f.requestURL(block)
	if err != nil {
		return nil, f.wrap(block, err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, f.wrap(block, err)
	}
	if f.auth != "" {
		req.Header.Set("Authorization", "Bearer "+f.auth)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, f.wrap(block, ErrTimeout)
		}
		return nil, f.wrap(block, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if cerr := classifyStatus(resp.StatusCode); cerr != nil {
		return nil, f.wrap(block, cerr)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, f.wrap(block, ErrTimeout)
		}
		return nil, f.wrap(block, fmt.Errorf("%w: read body: %v", ErrUnavailable, err))
	}
	if len(data) > maxPayloadBytes {
		return nil, f.wrap(block, fmt.Errorf("%w: payload exceeds %d bytes", ErrCorruptPayload, maxPayloadBytes))
	}

	// Legacy endpoints ship zipped tiles.
	if strings.HasSuffix(reqURL, ".zip") {
		data, err = unzipSingle(data)
		if err != nil {
			return nil, f.wrap(block, fmt.Errorf("%w: %v", ErrCorruptPayload, err))
		}
	}
	return data, nil
}

func (f *HTTPFetcher) requestURL(block geo.Block) (string, error) {
	if f.desc.KeyTemplate != "" {
		if block.CellCount() != 1 {
			return "", fmt.Errorf("source %s cannot serve %d-cell blocks", f.desc.ID, block.CellCount())
		}
		return strings.TrimSuffix(f.desc.Endpoint, "/") + "/" + f.desc.ExpandKey(block.Cells()[0]), nil
	}

	u, err := url.Parse(f.desc.Endpoint)
	if err != nil {
		return "", fmt.Errorf("source %s: bad endpoint: %w", f.desc.ID, err)
	}
	b := block.Bounds()
	q := u.Query()
	q.Set("west", fmt.Sprintf("%g", b.West))
	q.Set("south", fmt.Sprintf("%g", b.South))
	q.Set("east", fmt.Sprintf("%g", b.East))
	q.Set("north", fmt.Sprintf("%g", b.North))
	q.Set("res", string(block.Res))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *HTTPFetcher) wrap(block geo.Block, err error) error {
	return &FetchError{Op: "Fetch", Source: f.desc.ID, Fragment: block.Bounds().String(), Err: err}
}

// unzipSingle extracts the single data file from a zipped tile,
// skipping directory junk some archives carry.
func unzipSingle(data []byte) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	for _, zf := range zr.File {
		if strings.HasPrefix(zf.Name, ".") || strings.HasSuffix(zf.Name, "/") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %s: %w", zf.Name, err)
		}
		out, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read zip entry %s: %w", zf.Name, err)
		}
		return out, nil
	}
	return nil, errors.New("zip archive holds no data file")
}
