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

package blockchain

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory escrow for tests: scripted balances, recorded usage
// reports, and injectable errors.
type Fake struct {
	mu sync.Mutex

	Balances map[string]float64
	Deposits map[string][]Deposit

	// NextError is returned once by the next call, then cleared.
	NextError error

	UsageReports []UsageReport
	BatchCalls   int
}

type UsageReport struct {
	UserWallet string
	NodeWallet string
	Amount     float64
	VMID       string
	TxHash     string
}

func NewFake() *Fake {
	return &Fake{
		Balances: map[string]float64{},
		Deposits: map[string][]Deposit{},
	}
}

func (f *Fake) takeError() error {
	err := f.NextError
	f.NextError = nil
	return err
}

func (f *Fake) GetEscrowBalance(ctx context.Context, addr string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError(); err != nil {
		return 0, err
	}
	return f.Balances[addr], nil
}

func (f *Fake) GetPendingDeposits(ctx context.Context, addr string) ([]Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError(); err != nil {
		return nil, err
	}
	return append([]Deposit(nil), f.Deposits[addr]...), nil
}

func (f *Fake) ReportUsage(ctx context.Context, userWallet, nodeWallet string, amount float64, vmID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError(); err != nil {
		return "", err
	}
	tx := fmt.Sprintf("0x%s", uuid.NewString())
	f.UsageReports = append(f.UsageReports, UsageReport{
		UserWallet: userWallet, NodeWallet: nodeWallet, Amount: amount, VMID: vmID, TxHash: tx,
	})
	f.Balances[userWallet] -= amount
	return tx, nil
}

func (f *Fake) BatchReportUsage(ctx context.Context, userWallets, nodeWallets []string, amounts []float64, vmIDs []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.takeError(); err != nil {
		return "", err
	}
	tx := fmt.Sprintf("0x%s", uuid.NewString())
	f.BatchCalls++
	for i := range userWallets {
		f.UsageReports = append(f.UsageReports, UsageReport{
			UserWallet: userWallets[i], NodeWallet: nodeWallets[i], Amount: amounts[i], VMID: vmIDs[i], TxHash: tx,
		})
		f.Balances[userWallets[i]] -= amounts[i]
	}
	return tx, nil
}
