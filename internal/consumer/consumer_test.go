package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/withmartian/ares/controlbus/internal/broker"
	"github.com/withmartian/ares/controlbus/internal/server"
)

const testToken = "test-token"

func newBus(t *testing.T, options ...broker.Option) (*broker.Broker, *httptest.Server) {
	t.Helper()
	b, err := broker.New(append([]broker.Option{broker.WithPickupTimeout(2 * time.Second), broker.WithExecutionTimeout(2 * time.Second)}, options...)...)
	require.NoError(t, err)
	srv := httptest.NewServer(server.New(b, testToken).Handler())
	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return b, srv
}

func runConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in     string
		method string
		params string
	}{
		{"click#id", "click#id", `{}`},
		{"setBrightness value=1.2", "setBrightness", `{"value":1.2}`},
		{"rotate 90", "rotate", `{"value":90}`},
		{"load path=/tmp/a=b.png mode=fast", "load", `{"path":"/tmp/a=b.png","mode":"fast"}`},
		{"  crop   x=10  y=abc ", "crop", `{"x":10,"y":"abc"}`},
		{"set a.b=1", "set", `{"a.b":1}`},
		{"set value=NaN", "set", `{"value":"NaN"}`},
		{"set value=Inf", "set", `{"value":"Inf"}`},
		{"set value=-infinity", "set", `{"value":"-infinity"}`},
		{"scale 1e3", "scale", `{"value":1000}`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			method, params, err := ParseCommand(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.method, method)
			require.True(t, json.Valid(params), string(params))
			assert.JSONEq(t, tt.params, string(params))
		})
	}

	_, _, err := ParseCommand("   ")
	require.Error(t, err)

	_, _, err = ParseCommand("set =3")
	require.ErrorIs(t, err, errEmptyParamName)
}

func TestConsumer_EndToEnd(t *testing.T) {
	_, srv := newBus(t)

	var mu sync.Mutex
	var seen []string
	handler := func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		mu.Lock()
		seen = append(seen, method)
		mu.Unlock()
		if method == "explode" {
			return nil, errors.New("no such command")
		}
		return map[string]any{"method": method, "value": gjson.GetBytes(params, "value").Float()}, nil
	}

	c, err := New(NewClient(srv.URL, testToken), handler, WithInterval(10*time.Millisecond))
	require.NoError(t, err)
	runConsumer(t, c)

	caller := NewClient(srv.URL, testToken)

	resp, err := caller.Submit(context.Background(), "setBrightness value=1.2", nil)
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.JSONEq(t, `{"method":"setBrightness","value":1.2}`, string(resp.Result))

	resp, err = caller.Submit(context.Background(), "explode", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success, "handler errors are results, not transport failures")
	assert.JSONEq(t, `{"error":"no such command","success":false}`, string(resp.Result))

	mu.Lock()
	assert.Equal(t, []string{"setBrightness", "explode"}, seen)
	mu.Unlock()
}

func TestConsumer_UsesForwardedParams(t *testing.T) {
	_, srv := newBus(t, broker.WithPollParams(true))

	handler := func(ctx context.Context, method string, params json.RawMessage) (any, error) {
		return json.RawMessage(params), nil
	}
	c, err := New(NewClient(srv.URL, testToken), handler, WithInterval(10*time.Millisecond))
	require.NoError(t, err)
	runConsumer(t, c)

	resp, err := NewClient(srv.URL, testToken).Submit(context.Background(), "resize", json.RawMessage(`{"width":640}`))
	require.NoError(t, err)
	require.True(t, resp.Success, resp.Error)
	assert.JSONEq(t, `{"width":640}`, string(resp.Result))
}

func TestConsumer_StopsOnUnauthorized(t *testing.T) {
	_, srv := newBus(t)

	c, err := New(NewClient(srv.URL, "wrong"), func(context.Context, string, json.RawMessage) (any, error) {
		t.Fatal("handler must not run")
		return nil, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.ErrorIs(t, c.Run(ctx), ErrUnauthorized)
}

func TestConsumer_KeepsPollingAfterErrors(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(NewClient(srv.URL, testToken), nil, WithInterval(5*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
}

func TestClient(t *testing.T) {
	b, srv := newBus(t)
	client := NewClient(srv.URL+"/", testToken)

	t.Run("poll on empty queue", func(t *testing.T) {
		cmd, err := client.Poll(context.Background())
		require.NoError(t, err)
		assert.Nil(t, cmd)
	})

	t.Run("result for unknown request", func(t *testing.T) {
		err := client.PostResult(context.Background(), "missing", map[string]bool{"ok": true})
		require.ErrorIs(t, err, ErrUnknownRequest)
	})

	t.Run("manual poll and result", func(t *testing.T) {
		done := make(chan broker.Response, 1)
		go func() {
			resp, err := client.Submit(context.Background(), "click#id", nil)
			assert.NoError(t, err)
			done <- resp
		}()

		var cmd *broker.PendingCommand
		require.Eventually(t, func() bool {
			var err error
			cmd, err = client.Poll(context.Background())
			return err == nil && cmd != nil
		}, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, "click#id", cmd.Command)

		require.NoError(t, client.PostResult(context.Background(), cmd.ID, map[string]bool{"ok": true}))
		resp := <-done
		assert.True(t, resp.Success)
		assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
		assert.Equal(t, broker.Stats{}, b.Stats())
	})

	t.Run("bad request surfaces server message", func(t *testing.T) {
		_, err := client.Submit(context.Background(), "", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 400")
		assert.Contains(t, err.Error(), "command is required")
	})

	t.Run("wrong token", func(t *testing.T) {
		_, err := NewClient(srv.URL, "nope").Poll(context.Background())
		require.ErrorIs(t, err, ErrUnauthorized)
	})
}
