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

package options

import (
	"fmt"

	"go.uber.org/multierr"
)

func (o *Options) Validate() error {
	return multierr.Combine(
		o.validateListenAddress(),
		o.validateEngine(),
		o.validateBilling(),
	)
}

func (o *Options) validateListenAddress() error {
	if o.ListenAddress == "" {
		return fmt.Errorf("listen-address is required")
	}
	return nil
}

func (o *Options) validateEngine() error {
	var err error
	if o.EngineTickInterval <= 0 {
		err = multierr.Append(err, fmt.Errorf("engine-tick-interval must be positive"))
	}
	if o.MaxConcurrent <= 0 {
		err = multierr.Append(err, fmt.Errorf("engine-max-concurrent must be positive"))
	}
	if o.MaxRetries < 0 {
		err = multierr.Append(err, fmt.Errorf("engine-max-retries cannot be negative"))
	}
	return err
}

func (o *Options) validateBilling() error {
	var err error
	if o.PlatformFeeBps < 0 || o.PlatformFeeBps > 10000 {
		err = multierr.Append(err, fmt.Errorf("platform-fee-bps must be within [0, 10000]"))
	}
	if o.MinSettlementAmount < 0 {
		err = multierr.Append(err, fmt.Errorf("min-settlement-amount cannot be negative"))
	}
	return err
}
