package cluster

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRequestWireFormat(t *testing.T) {
	tests := []struct {
		name string
		node NodeInfo
		want string
	}{
		{
			name: "without incarnation",
			node: NodeInfo{ID: "node-2", Addr: "http://localhost:8081"},
			want: `{"node":{"id":"node-2","addr":"http://localhost:8081"}}`,
		},
		{
			name: "with incarnation",
			node: NodeInfo{ID: "node-2", Addr: "http://localhost:8081", Incarnation: "b1e2"},
			want: `{"node":{"id":"node-2","addr":"http://localhost:8081","incarnation":"b1e2"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(RegisterRequest{Node: tt.node})
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

// echoOperation answers POST /operations the way a node does.
func echoOperation(t *testing.T, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var op NodeOperation
		if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if op.Kind == "" {
			http.Error(w, "missing kind", http.StatusUnprocessableEntity)
			return
		}
		time.Sleep(delay)
		_ = json.NewEncoder(w).Encode(Succeeded(op, time.Unix(0, 0).UTC()))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPostJSON(t *testing.T) {
	open := NodeOperation{ID: "op-1", Node: "n1", Kind: OpOpenShard, Shard: "books#a", Path: "/data/books/a"}

	t.Run("decodes the response", func(t *testing.T) {
		srv := echoOperation(t, 0)
		var result OperationResult
		require.NoError(t, PostJSON(context.Background(), srv.URL, open, &result))
		assert.True(t, result.Success)
		assert.Equal(t, "op-1", result.ID)
		assert.Equal(t, "books#a", result.Shard)
	})

	t.Run("nil out discards the body", func(t *testing.T) {
		srv := echoOperation(t, 0)
		assert.NoError(t, PostJSON(context.Background(), srv.URL, open, nil))
	})

	t.Run("error status", func(t *testing.T) {
		srv := echoOperation(t, 0)
		err := PostJSON(context.Background(), srv.URL, NodeOperation{ID: "op-2"}, nil)
		var statusErr *StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnprocessableEntity, statusErr.Status)
		assert.Equal(t, "missing kind", statusErr.Body)
		assert.Contains(t, err.Error(), "422")
	})

	t.Run("context deadline", func(t *testing.T) {
		srv := echoOperation(t, 100*time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, PostJSON(ctx, srv.URL, open, nil), context.DeadlineExceeded)
	})

	t.Run("unencodable body", func(t *testing.T) {
		assert.Error(t, PostJSON(context.Background(), "http://127.0.0.1:1", make(chan int), nil))
	})

	t.Run("invalid url", func(t *testing.T) {
		assert.Error(t, PostJSON(context.Background(), "://bad-url", open, nil))
	})
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if r.URL.Path != "/nodes" {
			http.Error(w, "no such thing", http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"nodes":[{"id":"n1","addr":"http://n1"}]}`)
	}))
	defer srv.Close()

	var out struct {
		Nodes []NodeInfo `json:"nodes"`
	}
	require.NoError(t, GetJSON(context.Background(), srv.URL+"/nodes", &out))
	assert.Equal(t, []NodeInfo{{ID: "n1", Addr: "http://n1"}}, out.Nodes)

	err := GetJSON(context.Background(), srv.URL+"/missing", &out)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Status)
	assert.Equal(t, "no such thing", statusErr.Body)
}

func TestRequestJSONWithoutBody(t *testing.T) {
	var gotMethod, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, RequestJSON(context.Background(), http.MethodDelete, srv.URL+"/indices/books", nil, nil))
	assert.Equal(t, http.MethodDelete, gotMethod)
	assert.Empty(t, gotContentType)
}
