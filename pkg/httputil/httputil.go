// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package httputil

import (
	"context"
	stdErrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pingcap/trainflow/pkg/errors"
	"github.com/pingcap/trainflow/pkg/security"
)

// Client wraps an HTTP client and support TLS requests.
type Client struct {
	http.Client
	timeout time.Duration
}

// NewClient creates an HTTP client with the given Credential. Every request
// issued by DoRequest is bounded by timeout unless the caller passes a
// context with an earlier deadline.
func NewClient(credential *security.Credential, timeout time.Duration) (*Client, error) {
	transport := http.DefaultTransport
	if credential != nil {
		tlsConf, err := credential.ToTLSConfig()
		if err != nil {
			return nil, err
		}
		if tlsConf != nil {
			httpTrans := http.DefaultTransport.(*http.Transport).Clone()
			httpTrans.TLSClientConfig = tlsConf
			transport = httpTrans
		}
	}
	return &Client{
		Client:  http.Client{Transport: transport},
		timeout: timeout,
	}, nil
}

// SetTransport replaces the underlying round tripper, used by tests to
// intercept requests.
func (c *Client) SetTransport(rt http.RoundTripper) {
	c.Transport = rt
}

// DoRequest sends an request and returns an HTTP response content.
// Any 2xx status is treated as success.
func (c *Client) DoRequest(
	ctx context.Context, url, method string, headers http.Header, body io.Reader,
) ([]byte, error) {
	return c.DoRequestWithTimeout(ctx, c.timeout, url, method, headers, body)
}

// DoRequestWithTimeout is DoRequest with an explicit timeout, used by
// long-poll requests whose server side bound exceeds the default timeout.
func (c *Client) DoRequestWithTimeout(
	ctx context.Context, timeout time.Duration,
	url, method string, headers http.Header, body io.Reader,
) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, errors.Trace(err)
	}

	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, classifyError(ctx, url, err)
	}
	defer resp.Body.Close()

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(ctx, url, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, errors.ErrMasterAPI.GenWithStackByArgs(method, url, resp.StatusCode, content)
	}
	return content, nil
}

// classifyError maps a failed round trip to the transport error class.
// Cancellation by the caller is not a transport failure and is returned as is.
func classifyError(ctx context.Context, url string, err error) error {
	if stdErrors.Is(ctx.Err(), context.Canceled) {
		return errors.Trace(ctx.Err())
	}
	var netErr net.Error
	if stdErrors.Is(err, context.DeadlineExceeded) ||
		(stdErrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.WrapError(errors.ErrTransportTimeout, err, url)
	}
	return errors.WrapError(errors.ErrTransport, err, url)
}
