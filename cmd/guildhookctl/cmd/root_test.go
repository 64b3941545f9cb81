package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/guildhook/internal/ingest"
)

func TestFormatWithJQ(t *testing.T) {
	if !checkJQAvailable() {
		t.Skip("jq not installed")
	}
	tests := []struct {
		name     string
		jsonData []byte
		wantErr  bool
	}{
		{name: "valid json", jsonData: []byte(`{"key":"value","number":42}`)},
		{name: "invalid json", jsonData: []byte(`{"key":"value",}`), wantErr: true},
		{name: "json array", jsonData: []byte(`[1,2,3]`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := formatWithJQ(tt.jsonData)
			if (err != nil) != tt.wantErr {
				t.Fatalf("formatWithJQ() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !strings.HasSuffix(got, "\n") {
				t.Errorf("formatWithJQ() = %q, expected jq's trailing newline", got)
			}
		})
	}
}

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    map[string]any
		wantErr bool
	}{
		{name: "object", input: `{"channel_id":"c1","n":2}`, want: map[string]any{"channel_id": "c1", "n": float64(2)}},
		{name: "nested", input: `{"a":{"b":true}}`, want: map[string]any{"a": map[string]any{"b": true}}},
		{name: "empty object", input: `{}`, want: map[string]any{}},
		{name: "array is not an object", input: `[1]`, wantErr: true},
		{name: "invalid", input: `{"a":`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJSON(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "empty", input: "", want: ""},
		{name: "utc", input: "2026-01-02T03:04:05Z", want: "2026-01-02T03:04:05Z"},
		{name: "offset normalized to utc", input: "2026-01-02T03:04:05+02:00", want: "2026-01-02T01:04:05Z"},
		{name: "fractional seconds", input: "2026-01-02T03:04:05.25Z", want: "2026-01-02T03:04:05.25Z"},
		{name: "date only", input: "2026-01-02", wantErr: true},
		{name: "garbage", input: "yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTimestamp(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseTimestamp() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseTimestamp() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"", nil},
		{"message.created", []string{"message.created"}},
		{"message.created, member.joined ,", []string{"message.created", "member.joined"}},
		{" , ", nil},
	}
	for _, tt := range tests {
		if got := splitList(tt.input); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitList(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// withAPI points the package globals at srv for the duration of a test.
func withAPI(t *testing.T, srv *httptest.Server, token string) {
	t.Helper()
	prevAddr, prevToken, prevTimeout := apiAddr, jwtToken, timeout
	apiAddr, jwtToken, timeout = srv.URL, token, 5*time.Second
	t.Cleanup(func() { apiAddr, jwtToken, timeout = prevAddr, prevToken, prevTimeout })
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/webhooks/wh1":
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("Authorization = %q", got)
			}
			if r.Method == http.MethodDelete {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			if r.Method == http.MethodPatch {
				var body map[string]any
				_ = json.NewDecoder(r.Body).Decode(&body)
				if body["url"] != "https://new.example.com" {
					t.Errorf("body = %v", body)
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "wh1", "scope": "guild:1", "status": "enabled"})
		case "/v1/attempts":
			if got := r.URL.Query().Get("webhook_id"); got != "wh1" {
				t.Errorf("webhook_id = %q", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"attempts": []any{}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"WEBHOOK_NOT_FOUND","message":"webhook not found","metadata":{"id":"nope"}}}`))
		}
	}))
	defer srv.Close()
	withAPI(t, srv, "tok")
	ctx := context.Background()

	var w webhook
	if err := doJSON(ctx, http.MethodGet, "/v1/webhooks/wh1", nil, nil, &w); err != nil {
		t.Fatalf("get: %v", err)
	}
	if w.ID != "wh1" || w.Status != "enabled" {
		t.Errorf("decoded %+v", w)
	}

	if err := doJSON(ctx, http.MethodPatch, "/v1/webhooks/wh1", nil, map[string]any{"url": "https://new.example.com"}, &w); err != nil {
		t.Fatalf("patch: %v", err)
	}

	if err := doJSON(ctx, http.MethodDelete, "/v1/webhooks/wh1", nil, nil, &w); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var page attemptPage
	if err := doJSON(ctx, http.MethodGet, "/v1/attempts", map[string][]string{"webhook_id": {"wh1"}}, nil, &page); err != nil {
		t.Fatalf("attempts: %v", err)
	}

	err := doJSON(ctx, http.MethodGet, "/v1/webhooks/nope", nil, nil, &w)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *apiError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Code != "WEBHOOK_NOT_FOUND" || apiErr.Metadata["id"] != "nope" {
		t.Errorf("apiErr = %+v", apiErr)
	}
	if !strings.Contains(apiErr.Error(), "WEBHOOK_NOT_FOUND (HTTP 404)") {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func TestDoJSONErrorWithoutEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()
	withAPI(t, srv, "")

	err := doJSON(context.Background(), http.MethodGet, "/healthz", nil, nil, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if apiErr.Error() != "HTTP 502" {
		t.Errorf("Error() = %q", apiErr.Error())
	}
}

func newUpdateCmd() *cobra.Command {
	c := &cobra.Command{Use: "update"}
	c.Flags().String("url", "", "")
	c.Flags().String("events", "", "")
	c.Flags().String("description", "", "")
	return c
}

func TestUpdateBody(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    map[string]any
		wantErr bool
	}{
		{name: "nothing changed", args: nil, wantErr: true},
		{name: "url only", args: []string{"--url", "https://x.example.com"}, want: map[string]any{"url": "https://x.example.com"}},
		{
			name: "events and empty description",
			args: []string{"--events", "a.b,c.d", "--description", ""},
			want: map[string]any{"subscriptions": []string{"a.b", "c.d"}, "description": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newUpdateCmd()
			if err := c.ParseFlags(tt.args); err != nil {
				t.Fatal(err)
			}
			got, err := updateBody(c)
			if (err != nil) != tt.wantErr {
				t.Fatalf("updateBody() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("updateBody() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSetConfigValue(t *testing.T) {
	t.Cleanup(viper.Reset)
	tests := []struct {
		key, value string
		want       any
		wantErr    bool
	}{
		{key: "api", value: "http://api:8080", want: "http://api:8080"},
		{key: "json", value: "yes", want: true},
		{key: "pretty", value: "off", want: false},
		{key: "timeout", value: "90s", want: "1m30s"},
		{key: "json", value: "maybe", wantErr: true},
		{key: "timeout", value: "soon", wantErr: true},
		{key: "color", value: "red", wantErr: true},
	}
	for _, tt := range tests {
		err := setConfigValue(tt.key, tt.value)
		if (err != nil) != tt.wantErr {
			t.Fatalf("setConfigValue(%q, %q) error = %v, wantErr %v", tt.key, tt.value, err, tt.wantErr)
		}
		if !tt.wantErr && viper.Get(tt.key) != tt.want {
			t.Errorf("viper %s = %v, want %v", tt.key, viper.Get(tt.key), tt.want)
		}
	}
}

func TestFetchToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Subject string   `json:"subject"`
			Scopes  []string `json:"scopes"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if r.URL.Path != "/token" || len(req.Scopes) != 1 || req.Scopes[0] != "guild:7" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"token": "signed", "token_type": "Bearer"})
	}))
	defer srv.Close()
	withAPI(t, srv, "")
	host := strings.TrimPrefix(srv.URL, "http://")

	got, err := fetchToken(context.Background(), host, "guild:7")
	if err != nil || got != "signed" {
		t.Fatalf("fetchToken() = %q, %v", got, err)
	}
	if _, err := fetchToken(context.Background(), host, "guild:8"); err == nil {
		t.Fatal("expected error for rejected request")
	}
}

func TestTrafficFlags(t *testing.T) {
	newCmd := func(args ...string) *cobra.Command {
		c := &cobra.Command{Use: "traffic"}
		c.Flags().String("scope", "", "")
		c.Flags().String("type", "message.created", "")
		c.Flags().Int("rate", 10, "")
		c.Flags().Duration("duration", time.Second, "")
		c.Flags().Int("workers", 0, "")
		c.Flags().String("jwks-host", "", "")
		if err := c.ParseFlags(args); err != nil {
			t.Fatal(err)
		}
		return c
	}

	cfg, err := trafficFlags(newCmd("--scope", "guild:1"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workers != 1 || cfg.Rate != 10 || cfg.EventType != "message.created" {
		t.Errorf("cfg = %+v", cfg)
	}
	for _, args := range [][]string{
		{"--scope", "nocolon"},
		{"--scope", "guild:1", "--rate", "0"},
		{"--scope", "guild:1", "--duration", "0s"},
	} {
		if _, err := trafficFlags(newCmd(args...)); err == nil {
			t.Errorf("trafficFlags(%v) expected error", args)
		}
	}
}

func TestRunTraffic(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []ingest.PublishRequest
	)
	publish := func(_ context.Context, r ingest.PublishRequest) (ingest.PublishResult, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, r)
		if len(seen)%2 == 0 {
			return ingest.PublishResult{}, errors.New("unavailable")
		}
		return ingest.PublishResult{EventID: "evt", Sequence: int64(len(seen))}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	summary, err := runTraffic(ctx, trafficConfig{Scope: "guild:1", EventType: "message.created", Rate: 50, Workers: 2}, publish)
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if summary.TotalRequests == 0 || summary.TotalRequests != int64(len(seen)) {
		t.Fatalf("total = %d, published %d", summary.TotalRequests, len(seen))
	}
	if summary.SuccessRequests+summary.FailedRequests != summary.TotalRequests {
		t.Errorf("summary does not add up: %+v", summary)
	}
	if summary.FirstEventID != "evt" {
		t.Errorf("FirstEventID = %q", summary.FirstEventID)
	}
	for _, r := range seen {
		if r.Scope != "guild:1" || r.Type != "message.created" {
			t.Fatalf("unexpected request %+v", r)
		}
	}
}
