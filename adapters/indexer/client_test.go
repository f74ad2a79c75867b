package indexer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLocks = `{"data":{"account":{"resourceLocks":{"items":[{
  "chainId":"1",
  "balance":"1000000",
  "withdrawalStatus":1,
  "withdrawableAt":"1700000100",
  "resourceLock":{
    "lockId":"0x10",
    "resetPeriod":600,
    "isMultichain":true,
    "allocator":{"account":"0x00000000000000000000000000000000000000aa"},
    "token":{"tokenAddress":"0x0000000000000000000000000000000000000000","name":"Ether","symbol":"ETH","decimals":18}
  }
}]}}}}`

type fakeIndexer struct {
	mu       sync.Mutex
	body     string
	etag     string
	status   int
	requests []*http.Request
	bodies   []graphQLRequest
}

func (f *fakeIndexer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var req graphQLRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, req)

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	if f.etag != "" && r.Header.Get("If-None-Match") == f.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if f.etag != "" {
		w.Header().Set("ETag", f.etag)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(f.body))
}

func (f *fakeIndexer) set(body, etag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body, f.etag = body, etag
}

func newTestClient(t *testing.T, f *fakeIndexer) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, srv.Client(), 0, nil)
	require.NoError(t, err)
	return c
}

var account = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

func TestResourceLocks(t *testing.T) {
	f := &fakeIndexer{body: sampleLocks}
	c := newTestClient(t, f)

	locks, changed, err := c.ResourceLocks(context.Background(), account)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, locks, 1)

	l := locks[0]
	assert.Equal(t, core.LockKey{ChainID: 1, LockID: "16"}, l.Key)
	assert.Equal(t, "1000000", l.Balance.String())
	assert.Equal(t, 10*time.Minute, l.ResetPeriod)
	assert.True(t, l.IsMultichain)
	assert.Equal(t, common.HexToAddress("0xaa"), l.Allocator)
	assert.Equal(t, "ETH", l.Token.Symbol)
	assert.Equal(t, uint8(18), l.Token.Decimals)
	assert.True(t, l.Token.IsNative())
	assert.Equal(t, 1, l.WithdrawalStatus)
	assert.Equal(t, int64(1700000100), l.WithdrawableAt)

	require.Len(t, f.bodies, 1)
	assert.Equal(t, "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23", f.bodies[0].Variables["address"])
}

func TestResourceLocksUnchanged(t *testing.T) {
	f := &fakeIndexer{body: sampleLocks}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, changed, err := c.ResourceLocks(ctx, account)
	require.NoError(t, err)
	require.True(t, changed)

	locks, changed, err := c.ResourceLocks(ctx, account)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, locks, 1)
}

func TestResourceLocksNotModified(t *testing.T) {
	f := &fakeIndexer{body: sampleLocks, etag: `"abc"`}
	c := newTestClient(t, f)
	ctx := context.Background()

	_, _, err := c.ResourceLocks(ctx, account)
	require.NoError(t, err)

	locks, changed, err := c.ResourceLocks(ctx, account)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, locks, 1)

	require.Len(t, f.requests, 2)
	assert.Empty(t, f.requests[0].Header.Get("If-None-Match"))
	assert.Equal(t, `"abc"`, f.requests[1].Header.Get("If-None-Match"))

	f.set(`{"data":{"account":null}}`, `"def"`)
	locks, changed, err = c.ResourceLocks(ctx, account)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Empty(t, locks)
}

func TestResourceLocksErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		isErr  error
	}{
		{name: "server error", status: http.StatusBadGateway},
		{name: "not json", body: "<html>", isErr: core.ErrMalformedResponse},
		{name: "no data", body: `{}`, isErr: core.ErrMalformedResponse},
		{name: "graphql error", body: `{"errors":[{"message":"boom"}]}`},
		{name: "bad lock id", body: `{"data":{"account":{"resourceLocks":{"items":[{"chainId":"1","balance":"1","resourceLock":{"lockId":"x","resetPeriod":1,"isMultichain":false,"token":{"tokenAddress":"0x0000000000000000000000000000000000000000","decimals":18}}}]}}}}`, isErr: core.ErrMalformedResponse},
		{name: "missing token", body: `{"data":{"account":{"resourceLocks":{"items":[{"chainId":"1","balance":"1","resourceLock":{"lockId":"1","resetPeriod":1,"isMultichain":false}}]}}}}`, isErr: core.ErrMalformedResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeIndexer{body: tc.body, status: tc.status}
			c := newTestClient(t, f)

			locks, changed, err := c.ResourceLocks(context.Background(), account)
			require.Error(t, err)
			assert.False(t, changed)
			assert.Nil(t, locks)
			if tc.isErr != nil {
				assert.ErrorIs(t, err, tc.isErr)
			}
			if tc.status != 0 {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tc.status, se.Status)
			}
		})
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://indexer", nil, 0, nil)
	assert.Error(t, err)
}
