/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package nodeagent pushes commands to node agents over HTTP. Push is an
// optimization: callers fall back to the long-poll queue when it fails.
package nodeagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"golang.org/x/time/rate"

	"github.com/gridmesh/controlplane/pkg/apis/core"
	"github.com/gridmesh/controlplane/pkg/errors"
)

type Config struct {
	RequestTimeout time.Duration
	Attempts       uint
	RetryDelay     time.Duration
	// RatePerNode caps pushes per node per second; bursts of BurstPerNode are
	// allowed.
	RatePerNode  rate.Limit
	BurstPerNode int
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		Attempts:       3,
		RetryDelay:     200 * time.Millisecond,
		RatePerNode:    5,
		BurstPerNode:   10,
	}
}

type Client struct {
	config Config
	http   *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(config Config) *Client {
	return &Client{
		config:   config,
		http:     &http.Client{Timeout: config.RequestTimeout},
		limiters: map[string]*rate.Limiter{},
	}
}

func (c *Client) limiter(nodeURL string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[nodeURL]
	if !ok {
		l = rate.NewLimiter(c.config.RatePerNode, c.config.BurstPerNode)
		c.limiters[nodeURL] = l
	}
	return l
}

// SendCommand pushes one command to the agent, retrying transport errors and
// 5xx responses. A 4xx is the agent rejecting the command and is permanent.
func (c *Client) SendCommand(ctx context.Context, nodeURL string, cmd *core.NodeCommand) error {
	if err := c.limiter(nodeURL).Wait(ctx); err != nil {
		return errors.Transient(err, "rate limit wait for %s", nodeURL)
	}
	body, err := json.Marshal(cmd)
	if err != nil {
		return errors.Internal(err, "marshaling command %s", cmd.CommandID)
	}
	url := fmt.Sprintf("%s/agent/v1/commands", nodeURL)

	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer func() {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
			}()
			switch {
			case resp.StatusCode < 300:
				return nil
			case resp.StatusCode >= 500:
				return fmt.Errorf("agent returned %d", resp.StatusCode)
			default:
				return retry.Unrecoverable(fmt.Errorf("agent rejected command: %d", resp.StatusCode))
			}
		},
		retry.Context(ctx),
		retry.Attempts(c.config.Attempts),
		retry.Delay(c.config.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return errors.Transient(err, "pushing command %s to %s", cmd.CommandID, nodeURL)
	}
	return nil
}
