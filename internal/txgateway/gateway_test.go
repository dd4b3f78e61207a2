package txgateway

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perpSentinel/internal/chain"
)

type fakeExecutor struct {
	mu sync.Mutex

	dryRunResult chain.DryRunResult
	dryRunErr    error
	executeErr   error

	executeCalls int
	executedSigs [][]string

	inFlight    int
	maxInFlight int
	execDelay   time.Duration
}

func (f *fakeExecutor) DryRun(_ context.Context, _ string) (chain.DryRunResult, error) {
	return f.dryRunResult, f.dryRunErr
}

func (f *fakeExecutor) Execute(_ context.Context, _ string, sigs []string) (chain.ExecuteResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.executeCalls++
	f.executedSigs = append(f.executedSigs, sigs)
	delay := f.execDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.executeErr != nil {
		return chain.ExecuteResult{}, f.executeErr
	}
	return chain.ExecuteResult{Digest: "0xreceipt"}, nil
}

func testSigner(t *testing.T) *Signer {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	signer, err := NewSigner(base64.StdEncoding.EncodeToString(seed))
	require.NoError(t, err)
	return signer
}

func okExecutor() *fakeExecutor {
	return &fakeExecutor{dryRunResult: chain.DryRunResult{Status: "success"}}
}

func txBytes() string {
	return base64.StdEncoding.EncodeToString([]byte("tx-payload"))
}

func TestSubmitSuccess(t *testing.T) {
	executor := okExecutor()
	gw := New(Config{}, executor, testSigner(t), nil, nil, zap.NewNop())

	result, err := gw.Submit(context.Background(), "liquidation", txBytes())
	require.NoError(t, err)
	assert.Equal(t, "0xreceipt", result.Digest)
	require.Len(t, executor.executedSigs, 1)
	require.Len(t, executor.executedSigs[0], 1)

	sig, err := base64.StdEncoding.DecodeString(executor.executedSigs[0][0])
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), sig[0], "scheme flag")
	assert.Len(t, sig, 1+ed25519.SignatureSize+ed25519.PublicKeySize)
}

func TestSubmitInvalidInput(t *testing.T) {
	executor := okExecutor()
	gw := New(Config{}, executor, testSigner(t), nil, nil, zap.NewNop())

	for _, input := range []string{"", "   ", "not-base64!!!"} {
		_, err := gw.Submit(context.Background(), "liquidation", input)
		var gwErr *Error
		require.ErrorAs(t, err, &gwErr, "input %q", input)
		assert.Equal(t, CodeInvalidInput, gwErr.Code)
	}
	assert.Zero(t, executor.executeCalls, "invalid input must never reach the chain")
}

func TestSubmitClassifiesStaleObject(t *testing.T) {
	executor := &fakeExecutor{dryRunResult: chain.DryRunResult{
		Status: "failure",
		Error:  "ObjectVersionUnavailable: object 0xmarket at version 41 not available for consumption",
	}}
	gw := New(Config{}, executor, testSigner(t), nil, nil, zap.NewNop())

	_, err := gw.Submit(context.Background(), "liquidation", txBytes())
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, CodeStaleObject, gwErr.Code, "stale pattern must not fall through to DRY_RUN_FAILED")
	assert.True(t, gwErr.Retryable())
	assert.Zero(t, executor.executeCalls)
}

func TestSubmitClassifiesNoGas(t *testing.T) {
	executor := &fakeExecutor{
		dryRunResult: chain.DryRunResult{Status: "success"},
		executeErr:   errors.New("rpc: No valid gas coins found for the transaction"),
	}
	gw := New(Config{}, executor, testSigner(t), nil, nil, zap.NewNop())

	_, err := gw.Submit(context.Background(), "price_push", txBytes())
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, CodeNoGas, gwErr.Code)
	assert.True(t, gwErr.Retryable())
}

func TestSubmitDryRunFailureNotRetryable(t *testing.T) {
	executor := &fakeExecutor{dryRunResult: chain.DryRunResult{
		Status: "failure",
		Error:  "MoveAbort in perp_core::liquidate: position is healthy, code 7",
	}}
	gw := New(Config{}, executor, testSigner(t), nil, nil, zap.NewNop())

	_, err := gw.Submit(context.Background(), "liquidation", txBytes())
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, CodeDryRunFailed, gwErr.Code)
	assert.False(t, gwErr.Retryable())
}

func TestSubmitSerializesConcurrentCallers(t *testing.T) {
	executor := okExecutor()
	executor.execDelay = 20 * time.Millisecond
	gw := New(Config{}, executor, testSigner(t), nil, nil, zap.NewNop())

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gw.Submit(context.Background(), "liquidation", txBytes())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n, executor.executeCalls)
	assert.Equal(t, 1, executor.maxInFlight, "at most one transaction in flight")
}

func TestSubmitLockReleasedAfterFailure(t *testing.T) {
	executor := &fakeExecutor{
		dryRunResult: chain.DryRunResult{Status: "success"},
		executeErr:   errors.New("connection reset"),
	}
	gw := New(Config{}, executor, testSigner(t), nil, nil, zap.NewNop())

	_, err := gw.Submit(context.Background(), "liquidation", txBytes())
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, CodeSubmitFailed, gwErr.Code)

	// A failed submission must not leave the lock held.
	executor.executeErr = nil
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = gw.Submit(ctx, "liquidation", txBytes())
	require.NoError(t, err)
}

func TestSubmitLockTimeout(t *testing.T) {
	executor := okExecutor()
	executor.execDelay = 200 * time.Millisecond
	gw := New(Config{LockTimeout: 20 * time.Millisecond}, executor, testSigner(t), nil, nil, zap.NewNop())

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		_, err := gw.Submit(context.Background(), "liquidation", txBytes())
		assert.NoError(t, err)
	}()

	<-started
	time.Sleep(10 * time.Millisecond) // let the first caller take the lock

	_, err := gw.Submit(context.Background(), "price_push", txBytes())
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, CodeSubmitFailed, gwErr.Code)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-done
}

func TestSubmitSponsoredPreservesUserSignature(t *testing.T) {
	executor := okExecutor()
	sponsor := testSigner(t)
	gw := New(Config{}, executor, testSigner(t), sponsor, nil, zap.NewNop())

	userSig := "dXNlci1zaWduYXR1cmU="
	tx := txBytes()
	_, err := gw.SubmitSponsored(context.Background(), "sponsored", tx, userSig)
	require.NoError(t, err)

	require.Len(t, executor.executedSigs, 1)
	sigs := executor.executedSigs[0]
	require.Len(t, sigs, 2)
	assert.Equal(t, userSig, sigs[0], "user signature passed through unaltered")

	raw, err := base64.StdEncoding.DecodeString(tx)
	require.NoError(t, err)
	assert.Equal(t, sponsor.Sign(raw), sigs[1], "sponsor signs the exact user bytes")
}

func TestSubmitSponsoredRequiresSetup(t *testing.T) {
	gw := New(Config{}, okExecutor(), testSigner(t), nil, nil, zap.NewNop())

	_, err := gw.SubmitSponsored(context.Background(), "sponsored", txBytes(), "c2ln")
	var gwErr *Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, CodeInvalidInput, gwErr.Code)

	gw = New(Config{}, okExecutor(), testSigner(t), testSigner(t), nil, zap.NewNop())
	_, err = gw.SubmitSponsored(context.Background(), "sponsored", txBytes(), "")
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, CodeInvalidInput, gwErr.Code)
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Code: CodeNoGas, RequestID: "req-1", Message: "boom", Err: fmt.Errorf("inner")}
	assert.Contains(t, err.Error(), "NO_GAS")
	assert.Contains(t, err.Error(), "req-1")
	assert.ErrorContains(t, err, "inner")
}
