package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"echo": params["input"]}, nil
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register a method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.echo", echoHandler))
		assert.True(t, router.HasMethod("test.echo"))
	})

	t.Run("should replace an existing method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.replace", echoHandler))
		replacement := func(context.Context, map[string]interface{}) (interface{}, error) {
			return "replacement", nil
		}
		require.NoError(t, router.RegisterMethod("test.replace", replacement))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.replace"})
		assert.Equal(t, "replacement", resp.Result)
	})

	t.Run("should reject a nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})
}

func TestRPCRouter_UnregisterMethod(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("test.echo", echoHandler))

	router.UnregisterMethod("test.echo")
	assert.False(t, router.HasMethod("test.echo"))

	// Unknown names are a no-op.
	router.UnregisterMethod("never.registered")
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse a valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"test.echo","params":{"key":"value"}}`))
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "test.echo", req.Method)
		assert.Equal(t, "value", req.Params["key"])
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{invalid json}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should reject a request without an id", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"test.echo"}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing id")
	})

	t.Run("should reject a request without a method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"id":"1"}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing method")
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	t.Run("should route to the registered handler", func(t *testing.T) {
		router := NewRPCRouter()
		require.NoError(t, router.RegisterMethod("test.echo", echoHandler))

		resp := router.RouteRequest(context.Background(), &RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: map[string]interface{}{"input": "hello"},
		})

		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Error)
		result := resp.Result.(map[string]interface{})
		assert.Equal(t, "hello", result["echo"])
	})

	t.Run("should report unknown methods", func(t *testing.T) {
		router := NewRPCRouter()

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "unknown.method"})

		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
		assert.Nil(t, resp.Result)
	})

	t.Run("should fold handler errors into the response", func(t *testing.T) {
		router := NewRPCRouter()
		failing := func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("handler error")
		}
		require.NoError(t, router.RegisterMethod("test.error", failing))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.error"})

		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should preserve RPCError codes from handlers", func(t *testing.T) {
		router := NewRPCRouter()
		failing := func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, &RPCError{Code: InvalidParams, Message: "query is required"}
		}
		require.NoError(t, router.RegisterMethod("test.params", failing))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.params"})

		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidParams, resp.Error.Code)
	})

	t.Run("should pass the context through to the handler", func(t *testing.T) {
		router := NewRPCRouter()
		handler := func(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
			return clientIDFromContext(ctx), nil
		}
		require.NoError(t, router.RegisterMethod("test.ctx", handler))

		ctx := withClientID(context.Background(), "client-9")
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.ctx"})

		assert.Equal(t, "client-9", resp.Result)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	t.Run("should replay the cached response for the same key", func(t *testing.T) {
		router := NewRPCRouter()
		calls := 0
		handler := func(context.Context, map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}
		require.NoError(t, router.RegisterMethod("test.once", handler))

		first := router.RouteRequest(context.Background(), &RPCRequest{
			ID: "1", Method: "test.once", IdempotencyKey: "key-1",
		})
		second := router.RouteRequest(context.Background(), &RPCRequest{
			ID: "2", Method: "test.once", IdempotencyKey: "key-1",
		})

		assert.Equal(t, 1, calls)
		assert.Equal(t, first.Result, second.Result)
		assert.Equal(t, "2", second.ID, "replayed response carries the new request id")
	})

	t.Run("should not share the cache across methods", func(t *testing.T) {
		router := NewRPCRouter()
		require.NoError(t, router.RegisterMethod("a", func(context.Context, map[string]interface{}) (interface{}, error) {
			return "a", nil
		}))
		require.NoError(t, router.RegisterMethod("b", func(context.Context, map[string]interface{}) (interface{}, error) {
			return "b", nil
		}))

		respA := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "a", IdempotencyKey: "shared"})
		respB := router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "b", IdempotencyKey: "shared"})

		assert.Equal(t, "a", respA.Result)
		assert.Equal(t, "b", respB.Result)
	})

	t.Run("should skip the cache without a key", func(t *testing.T) {
		router := NewRPCRouter()
		calls := 0
		require.NoError(t, router.RegisterMethod("test.count", func(context.Context, map[string]interface{}) (interface{}, error) {
			calls++
			return calls, nil
		}))

		router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.count"})
		router.RouteRequest(context.Background(), &RPCRequest{ID: "2", Method: "test.count"})

		assert.Equal(t, 2, calls)
	})
}

func TestRPCRouter_GetMethods(t *testing.T) {
	router := NewRPCRouter()
	require.NoError(t, router.RegisterMethod("method1", echoHandler))
	require.NoError(t, router.RegisterMethod("method2", echoHandler))

	methods := router.GetMethods()
	assert.Len(t, methods, 2)
	assert.Contains(t, methods, "method1")
	assert.Contains(t, methods, "method2")
}
