package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drfirst/go-rxledger/pkg/circuitbreaker"
)

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Timeout = 2 * time.Second
	c, err := NewClient(cfg, nil, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestInvoke_EncodesFormAndExtractsTxID(t *testing.T) {
	var got struct {
		method, contentType, channel, chaincode, function string
		args                                              []string
	}

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		got.method = r.Method
		got.contentType = r.Header.Get("Content-Type")
		got.channel = r.PostForm.Get("channelid")
		got.chaincode = r.PostForm.Get("chaincodeid")
		got.function = r.PostForm.Get("function")
		if err := json.Unmarshal([]byte(r.PostForm.Get("args")), &got.args); err != nil {
			t.Errorf("args not a JSON array: %v", err)
		}
		w.Write([]byte("Transaction ID : abc123 committed"))
	})

	asset, _ := JSONArg(map[string]string{"PatientId": "P-1"})
	res, err := c.Invoke(context.Background(), "CreateAsset", asset)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	if res.TxID != "abc123" {
		t.Errorf("expected txId abc123, got %q", res.TxID)
	}
	if got.method != http.MethodPost || got.contentType != "application/x-www-form-urlencoded" {
		t.Errorf("unexpected request %s %s", got.method, got.contentType)
	}
	if got.channel != "mychannel" || got.chaincode != "basic" || got.function != "CreateAsset" {
		t.Errorf("unexpected fields %+v", got)
	}
	if len(got.args) != 1 || got.args[0] != `{"PatientId":"P-1"}` {
		t.Errorf("expected one JSON-encoded argument, got %v", got.args)
	}
}

func TestInvoke_MissingTxID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	res, err := c.Invoke(context.Background(), "CreateAsset", "{}")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.TxID != "" || res.Raw != "ok" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestInvoke_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.Invoke(context.Background(), "CreateAsset", "{}")
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected RejectedError with 503, got %v", err)
	}
}

func TestInvoke_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = url
	c, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = c.Invoke(context.Background(), "CreateAsset", "{}")
	if !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable, got %v", err)
	}
}

func TestInvoke_OpenCircuitIsUnreachable(t *testing.T) {
	calls := 0
	cfg := circuitbreaker.DefaultConfig("test-gateway")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Hour

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}, WithBreaker(cfg))

	for i := 0; i < 2; i++ {
		c.Invoke(context.Background(), "CreateAsset", "{}")
	}
	_, err := c.Invoke(context.Background(), "CreateAsset", "{}")
	if !errors.Is(err, ErrGatewayUnreachable) {
		t.Fatalf("expected ErrGatewayUnreachable while circuit is open, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected gateway to be hit twice, got %d", calls)
	}
}

func TestQuery_Classification(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantKind Kind
		wantBody string
	}{
		{"json", `{"PatientId":"P-1"}`, KindOK, `{"PatientId":"P-1"}`},
		{"prefixed json", `Response: {"PatientId":"P-1"}`, KindOK, `{"PatientId":"P-1"}`},
		{"json in string", `"{\"PatientId\":\"P-1\"}"`, KindOK, `{"PatientId":"P-1"}`},
		{"not found", "Error: the asset P-9 does not exist", KindNotFound, "Error: the asset P-9 does not exist"},
		{"bare not found", "does not exist", KindNotFound, "does not exist"},
		{"chaincode error", "Response: Error: endorsement failure", KindChaincodeError, "Error: endorsement failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotParams map[string]string
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				gotParams = map[string]string{
					"method":      r.Method,
					"channelid":   q.Get("channelid"),
					"chaincodeid": q.Get("chaincodeid"),
					"function":    q.Get("function"),
					"args":        q.Get("args"),
				}
				w.Write([]byte(tt.body))
			})

			res, err := c.Query(context.Background(), "ReadAsset", "P-1")
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if res.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", res.Kind, tt.wantKind)
			}
			if res.Body != tt.wantBody {
				t.Errorf("body = %q, want %q", res.Body, tt.wantBody)
			}
			if gotParams["method"] != http.MethodGet || gotParams["function"] != "ReadAsset" || gotParams["args"] != `["P-1"]` {
				t.Errorf("unexpected query params %v", gotParams)
			}
		})
	}
}

func TestQuery_ChaincodeErrorsDoNotTripBreaker(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("test-gateway")
	cfg.FailureThreshold = 1

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Error: asset P-1 does not exist"))
	}, WithBreaker(cfg))

	for i := 0; i < 3; i++ {
		if _, err := c.Query(context.Background(), "ReadAsset", "P-1"); err != nil {
			t.Fatalf("query %d: %v", i, err)
		}
	}
	if c.Breaker().GetState() != circuitbreaker.StateClosed {
		t.Errorf("expected closed breaker, got %s", c.Breaker().GetState())
	}
}

func TestHealth(t *testing.T) {
	healthy := true
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
		}
	})

	if err := c.Health(context.Background()); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}
	healthy = false
	if err := c.Health(context.Background()); !errors.Is(err, ErrGatewayRejected) {
		t.Errorf("expected ErrGatewayRejected, got %v", err)
	}
}
