package syncworker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quotewire/quotewire/internal/bus"
	"github.com/quotewire/quotewire/internal/quote"
)

type fakeProvider struct {
	quotes []quote.Quote
	err    error
	got    []string
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Fetch(_ context.Context, codes []string) ([]quote.Quote, error) {
	f.got = codes
	return f.quotes, f.err
}

type publishRecord struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu      sync.Mutex
	records []publishRecord
	failFor map[string]error
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := f.failFor[channel]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, publishRecord{channel: channel, payload: payload})
	return nil
}

func (f *fakeBus) Subscribe(context.Context, ...string) (*bus.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeBus) Close() error { return nil }

type failingLister struct{ err error }

func (f failingLister) Codes(context.Context) ([]string, error) { return nil, f.err }

func testQuote(code string) quote.Quote {
	return quote.Quote{
		Code:      code,
		Name:      "Fund " + code,
		Price:     decimal.RequireFromString("12.34"),
		Timestamp: time.Now().UTC(),
	}
}

func TestRunQuoteSyncPublishesPerCodeAndAggregate(t *testing.T) {
	fp := &fakeProvider{quotes: []quote.Quote{testQuote("508000"), testQuote("508001")}}
	fb := &fakeBus{}
	w := New(staticLister("508000", "508001"), fp, fb, nil, zap.NewNop())

	require.NoError(t, w.RunQuoteSync(context.Background()))
	assert.Equal(t, []string{"508000", "508001"}, fp.got)

	require.Len(t, fb.records, 3)
	assert.Equal(t, "updates:quote:508000", fb.records[0].channel)
	assert.Equal(t, "updates:quote:508001", fb.records[1].channel)
	assert.Equal(t, "updates:quotes", fb.records[2].channel)

	var single quote.Quote
	require.NoError(t, json.Unmarshal(fb.records[0].payload, &single))
	assert.Equal(t, "508000", single.Code)

	var bulk []quote.Quote
	require.NoError(t, json.Unmarshal(fb.records[2].payload, &bulk))
	assert.Len(t, bulk, 2)
}

func TestRunQuoteSyncNoCodes(t *testing.T) {
	fb := &fakeBus{}
	w := New(staticLister(), &fakeProvider{}, fb, nil, zap.NewNop())

	require.NoError(t, w.RunQuoteSync(context.Background()))
	assert.Empty(t, fb.records)
}

func TestRunQuoteSyncProviderFailure(t *testing.T) {
	wantErr := errors.New("vendor timeout")
	w := New(staticLister("508000"), &fakeProvider{err: wantErr}, &fakeBus{}, nil, zap.NewNop())

	err := w.RunQuoteSync(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestRunQuoteSyncListerFailure(t *testing.T) {
	wantErr := errors.New("db down")
	w := New(failingLister{err: wantErr}, &fakeProvider{}, &fakeBus{}, nil, zap.NewNop())

	assert.ErrorIs(t, w.RunQuoteSync(context.Background()), wantErr)
}

func TestRunQuoteSyncContinuesPastPublishFailure(t *testing.T) {
	brokenChannel := "updates:quote:508000"
	fb := &fakeBus{failFor: map[string]error{brokenChannel: errors.New("broker unreachable")}}
	fp := &fakeProvider{quotes: []quote.Quote{testQuote("508000"), testQuote("508001")}}
	w := New(staticLister("508000", "508001"), fp, fb, nil, zap.NewNop())

	err := w.RunQuoteSync(context.Background())
	require.Error(t, err)

	// The failing code did not stop the other code or the aggregate.
	require.Len(t, fb.records, 2)
	assert.Equal(t, "updates:quote:508001", fb.records[0].channel)
	assert.Equal(t, "updates:quotes", fb.records[1].channel)
}

func TestRunQuoteSyncFeedsCacheDespitePublishFailure(t *testing.T) {
	fb := &fakeBus{failFor: map[string]error{
		"updates:quote:508000": errors.New("broker unreachable"),
		"updates:quotes":       errors.New("broker unreachable"),
	}}
	fp := &fakeProvider{quotes: []quote.Quote{testQuote("508000")}}
	cache := quote.NewCache()
	w := New(staticLister("508000"), fp, fb, cache, zap.NewNop())

	require.Error(t, w.RunQuoteSync(context.Background()))

	// Even with every publish failing, the fetched quote reached the
	// snapshot cache.
	got, ok := cache.Get("508000")
	require.True(t, ok)
	assert.Equal(t, "Fund 508000", got.Name)
}

func staticLister(codes ...string) listerFunc {
	return func(context.Context) ([]string, error) { return codes, nil }
}

type listerFunc func(ctx context.Context) ([]string, error)

func (f listerFunc) Codes(ctx context.Context) ([]string, error) { return f(ctx) }
