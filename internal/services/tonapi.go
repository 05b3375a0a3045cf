package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/samber/do"

	"tonbridge/internal/models"
)

// ServiceTonAPI proxies whitelisted chain-data lookups to the configured
// tonapi host so page contexts never talk to it directly.
type ServiceTonAPI struct {
	httpClient *httpclient.Client
	baseURL    string
	apiKey     string
}

func NewServiceTonAPI(container *do.Injector) (*ServiceTonAPI, error) {
	httpClient, err := do.Invoke[*httpclient.Client](container)
	if err != nil {
		return nil, err
	}

	vs, err := do.InvokeNamed[map[string]string](container, "envs")
	if err != nil {
		return nil, err
	}

	return &ServiceTonAPI{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(vs["TONAPI_URL"], "/"),
		apiKey:     vs["TONAPI_KEY"],
	}, nil
}

type tonAPIRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Request forwards one API call and returns the raw JSON body. Only GET
// and POST under the configured host are reachable; the path comes from
// an untrusted context.
func (service *ServiceTonAPI) Request(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req tonAPIRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, models.ErrBadRequest("malformed tonapi request")
	}
	if !strings.HasPrefix(req.Path, "/") || strings.Contains(req.Path, "..") {
		return nil, models.ErrBadRequest("invalid tonapi path")
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, models.ErrBadRequest("unsupported tonapi method")
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, service.baseURL+req.Path, body)
	if err != nil {
		return nil, models.ErrBadRequest("invalid tonapi path")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if service.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+service.apiKey)
	}

	resp, err := service.httpClient.Do(httpReq)
	if err != nil {
		return nil, models.NewBridgeError(models.CodeUnknownError, "tonapi unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, models.NewBridgeError(models.CodeUnknownError, "tonapi read failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, models.NewBridgeError(models.CodeUnknownError, "tonapi status "+resp.Status)
	}
	return raw, nil
}
