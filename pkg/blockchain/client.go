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

// Package blockchain defines the escrow contract client consumed by billing
// and settlement. The RPC implementation lives outside the control plane;
// this package supplies the resilience wrapper and a scripted fake.
package blockchain

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/sony/gobreaker"

	"github.com/gridmesh/controlplane/pkg/errors"
)

// Deposit is a pending escrow top-up awaiting confirmations.
type Deposit struct {
	TxHash        string
	Amount        float64
	Confirmations int
}

// Client is the escrow contract surface the control plane needs. Amounts are
// USDC. Every call can fail; callers own retry policy above the resilience
// the wrapper provides.
type Client interface {
	GetEscrowBalance(ctx context.Context, addr string) (float64, error)
	GetPendingDeposits(ctx context.Context, addr string) ([]Deposit, error)
	ReportUsage(ctx context.Context, userWallet, nodeWallet string, amount float64, vmID string) (string, error)
	BatchReportUsage(ctx context.Context, userWallets, nodeWallets []string, amounts []float64, vmIDs []string) (string, error)
}

type ResilienceConfig struct {
	Attempts      uint
	Delay         time.Duration
	BreakerName   string
	OpenAfter     uint32
	BreakerWindow time.Duration
}

func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		Attempts:      3,
		Delay:         500 * time.Millisecond,
		BreakerName:   "blockchain-rpc",
		OpenAfter:     5,
		BreakerWindow: 30 * time.Second,
	}
}

// resilientClient decorates a Client with a circuit breaker and short
// jittered retries. Reverts are permanent and pass through untouched; only
// transport-level failures are retried.
type resilientClient struct {
	inner   Client
	config  ResilienceConfig
	breaker *gobreaker.CircuitBreaker
}

func NewResilientClient(inner Client, config ResilienceConfig) Client {
	return &resilientClient{
		inner:  inner,
		config: config,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    config.BreakerName,
			Timeout: config.BreakerWindow,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= config.OpenAfter
			},
		}),
	}
}

// IsRevert reports whether the error is a contract revert, which no amount of
// retrying will fix.
func IsRevert(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "revert")
}

func (c *resilientClient) execute(ctx context.Context, op string, call func() (any, error)) (any, error) {
	var out any
	err := retry.Do(
		func() error {
			v, err := c.breaker.Execute(call)
			if err != nil {
				if IsRevert(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			out = v
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(c.config.Attempts),
		retry.Delay(c.config.Delay),
		retry.DelayType(retry.RandomDelay),
		retry.MaxJitter(c.config.Delay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if IsRevert(err) {
			return nil, errors.Permanent(err, "blockchain %s reverted", op)
		}
		return nil, errors.Transient(err, "blockchain %s failed", op)
	}
	return out, nil
}

func (c *resilientClient) GetEscrowBalance(ctx context.Context, addr string) (float64, error) {
	v, err := c.execute(ctx, "getEscrowBalance", func() (any, error) {
		return c.inner.GetEscrowBalance(ctx, addr)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (c *resilientClient) GetPendingDeposits(ctx context.Context, addr string) ([]Deposit, error) {
	v, err := c.execute(ctx, "getPendingDeposits", func() (any, error) {
		return c.inner.GetPendingDeposits(ctx, addr)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Deposit), nil
}

func (c *resilientClient) ReportUsage(ctx context.Context, userWallet, nodeWallet string, amount float64, vmID string) (string, error) {
	v, err := c.execute(ctx, "reportUsage", func() (any, error) {
		return c.inner.ReportUsage(ctx, userWallet, nodeWallet, amount, vmID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *resilientClient) BatchReportUsage(ctx context.Context, userWallets, nodeWallets []string, amounts []float64, vmIDs []string) (string, error) {
	v, err := c.execute(ctx, "batchReportUsage", func() (any, error) {
		return c.inner.BatchReportUsage(ctx, userWallets, nodeWallets, amounts, vmIDs)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
