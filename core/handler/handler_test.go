package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/searchktools/fastcore/core/body"
	"github.com/searchktools/fastcore/core/http"
)

func bodyString(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, _, err := body.Collect(context.Background(), resp.Body, 0)
	require.NoError(t, err)
	return string(data)
}

func TestRespondConversions(t *testing.T) {
	tests := []struct {
		name        string
		in          any
		status      int
		body        string
		contentType string
	}{
		{"nil", nil, 200, "", ""},
		{"string", "hello", 200, "hello", "text/plain; charset=utf-8"},
		{"bytes", []byte{1, 2}, 200, "\x01\x02", "application/octet-stream"},
		{"body", body.String("streamed"), 200, "streamed", ""},
		{"response", http.Text(201, "made"), 201, "made", "text/plain; charset=utf-8"},
		{"plain error", errors.New("bad id"), 400, "bad id", "text/plain; charset=utf-8"},
		{"status error", Errorf(404, "user %d not found", 7), 404, "user 7 not found", "text/plain; charset=utf-8"},
		{"wrapped status error", fmt.Errorf("lookup: %w", Errorf(409, "taken")), 409, "taken", "text/plain; charset=utf-8"},
		{"text pair", Text{Code: 418, Body: "teapot"}, 418, "teapot", "text/plain; charset=utf-8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Respond(tt.in)
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.body, bodyString(t, resp))
			assert.Equal(t, tt.contentType, resp.Header.Get("Content-Type"))
		})
	}
}

func TestRespondUnknownTypePanics(t *testing.T) {
	assert.Panics(t, func() { Respond(struct{}{}) })
}

func TestHeadersResponder(t *testing.T) {
	h := http.Header{}
	h.Set("X-Thing", "1")
	resp := Respond(Headers{Code: 202, Header: h})
	assert.Equal(t, 202, resp.Status)
	assert.Equal(t, "1", resp.Header.Get("X-Thing"))
}

func TestTryAdapter(t *testing.T) {
	h := Try(func(req *http.Request) (string, error) {
		if req.Query("fail") != "" {
			return "", WrapStatus(422, errors.New("unprocessable"))
		}
		return "fine", nil
	})

	resp := h.Serve(http.NewRequest("GET", "/", nil))
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "fine", bodyString(t, resp))

	resp = h.Serve(http.NewRequest("GET", "/?fail=1", nil))
	assert.Equal(t, 422, resp.Status)
	assert.Equal(t, "unprocessable", bodyString(t, resp))
}

func TestFuncNilResponse(t *testing.T) {
	resp := Func(func(*http.Request) *http.Response { return nil }).Serve(http.NewRequest("GET", "/", nil))
	assert.Equal(t, 200, resp.Status)
}

func TestAdapterIsSharedSafely(t *testing.T) {
	h := Of(func(req *http.Request) string { return req.Query("n") })

	var wg sync.WaitGroup
	errs := make(chan string, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprint(i)
			resp := h.Serve(http.NewRequest("GET", "/?n="+want, nil))
			data, _, _ := body.Collect(context.Background(), resp.Body, 0)
			if string(data) != want {
				errs <- fmt.Sprintf("expected %s, got %s", want, data)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
}

func TestEncodedNegotiation(t *testing.T) {
	req := http.NewRequest("GET", "/", nil)
	req.Header.Set("Accept", "application/x-protobuf")

	resp := Respond(Encoded(req, 200, wrapperspb.String("wire")))
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	decoded := &wrapperspb.StringValue{}
	require.NoError(t, proto.Unmarshal([]byte(bodyString(t, resp)), decoded))
	assert.Equal(t, "wire", decoded.Value)

	resp = Respond(Encoded(http.NewRequest("GET", "/", nil), 200, map[string]int{"a": 1}))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"a":1}`, bodyString(t, resp))
}

func TestEncodeFailureIsDescriptive(t *testing.T) {
	resp := Respond(Protobuf(200, "not a message"))
	assert.Equal(t, 500, resp.Status)
	assert.Contains(t, bodyString(t, resp), "encode protobuf response")
}
