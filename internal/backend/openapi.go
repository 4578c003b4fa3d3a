package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/toolgate/toolgate/pkg/models"
)

// openAPITransport wraps a plain REST service described by an OpenAPI v3
// document as a tool backend: each operation becomes one tool named by
// its operationId, and calls are translated into HTTP requests.
type openAPITransport struct {
	spec    models.BackendSpec
	client  *http.Client
	baseURL string
	ops     map[string]*openAPIOperation
}

type openAPIOperation struct {
	ID          string
	Method      string
	Path        string
	Description string
	// Parameters by location: path and query names, plus the JSON body schema.
	PathParams  []string
	QueryParams []string
	BodySchema  map[string]interface{}
	InputSchema map[string]interface{}
}

// Minimal OpenAPI v3 document shape — just enough to enumerate
// operations and their parameters.
type openAPIDoc struct {
	Servers []struct {
		URL string `json:"url"`
	} `json:"servers"`
	Paths map[string]map[string]*struct {
		OperationID string `json:"operationId"`
		Summary     string `json:"summary"`
		Description string `json:"description"`
		Parameters  []struct {
			Name     string                 `json:"name"`
			In       string                 `json:"in"`
			Required bool                   `json:"required"`
			Schema   map[string]interface{} `json:"schema"`
		} `json:"parameters"`
		RequestBody *struct {
			Content map[string]struct {
				Schema map[string]interface{} `json:"schema"`
			} `json:"content"`
		} `json:"requestBody"`
	} `json:"paths"`
}

func newOpenAPITransport(spec models.BackendSpec) (*openAPITransport, error) {
	if spec.OpenAPI == nil {
		return nil, fmt.Errorf("openapi backend missing document")
	}
	timeout := 60 * time.Second
	if spec.RequestTimeoutSeconds > 0 {
		timeout = time.Duration(spec.RequestTimeoutSeconds) * time.Second
	}
	return &openAPITransport{
		spec:   spec,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (t *openAPITransport) Kind() models.BackendKind { return models.KindOpenAPI }

func (t *openAPITransport) Connect(ctx context.Context) error {
	raw := []byte(t.spec.OpenAPI.Schema)
	if len(raw) == 0 {
		fetched, err := t.fetchDocument(ctx, t.spec.OpenAPI.URL)
		if err != nil {
			return err
		}
		raw = fetched
	}

	var doc openAPIDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse openapi document: %w", err)
	}

	t.baseURL = t.resolveBaseURL(doc)
	t.ops = make(map[string]*openAPIOperation)
	for path, methods := range doc.Paths {
		for method, op := range methods {
			if op == nil || op.OperationID == "" {
				continue
			}
			parsed := &openAPIOperation{
				ID:          op.OperationID,
				Method:      strings.ToUpper(method),
				Path:        path,
				Description: op.Description,
			}
			if parsed.Description == "" {
				parsed.Description = op.Summary
			}

			props := make(map[string]interface{})
			var required []string
			for _, p := range op.Parameters {
				switch p.In {
				case "path":
					parsed.PathParams = append(parsed.PathParams, p.Name)
				case "query":
					parsed.QueryParams = append(parsed.QueryParams, p.Name)
				default:
					continue
				}
				schema := p.Schema
				if schema == nil {
					schema = map[string]interface{}{"type": "string"}
				}
				props[p.Name] = schema
				if p.Required {
					required = append(required, p.Name)
				}
			}
			if op.RequestBody != nil {
				if content, ok := op.RequestBody.Content["application/json"]; ok {
					parsed.BodySchema = content.Schema
					if bodyProps, ok := content.Schema["properties"].(map[string]interface{}); ok {
						for k, v := range bodyProps {
							props[k] = v
						}
					}
					if req, ok := content.Schema["required"].([]interface{}); ok {
						for _, r := range req {
							if name, ok := r.(string); ok {
								required = append(required, name)
							}
						}
					}
				}
			}

			schema := map[string]interface{}{"type": "object", "properties": props}
			if len(required) > 0 {
				schema["required"] = required
			}
			parsed.InputSchema = schema
			t.ops[op.OperationID] = parsed
		}
	}

	if len(t.ops) == 0 {
		return fmt.Errorf("openapi document defines no operations with operationId")
	}
	return nil
}

func (t *openAPITransport) ListTools(_ context.Context) ([]models.MCPToolInfo, error) {
	if t.ops == nil {
		return nil, fmt.Errorf("transport not connected")
	}
	tools := make([]models.MCPToolInfo, 0, len(t.ops))
	for _, op := range t.ops {
		tools = append(tools, models.MCPToolInfo{
			Name:        op.ID,
			Description: op.Description,
			InputSchema: op.InputSchema,
		})
	}
	return tools, nil
}

func (t *openAPITransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*models.MCPToolResult, error) {
	op, ok := t.ops[name]
	if !ok {
		return nil, fmt.Errorf("operation %q not found", name)
	}

	reqURL := t.baseURL + op.Path
	for _, p := range op.PathParams {
		v, ok := args[p]
		if !ok {
			return nil, fmt.Errorf("missing path parameter %q", p)
		}
		reqURL = strings.ReplaceAll(reqURL, "{"+p+"}", url.PathEscape(fmt.Sprint(v)))
	}

	query := url.Values{}
	used := make(map[string]bool, len(op.PathParams)+len(op.QueryParams))
	for _, p := range op.PathParams {
		used[p] = true
	}
	for _, p := range op.QueryParams {
		if v, ok := args[p]; ok {
			query.Set(p, fmt.Sprint(v))
			used[p] = true
		}
	}
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var body io.Reader
	if op.Method != http.MethodGet && op.Method != http.MethodDelete {
		// Whatever wasn't consumed by path/query goes into the JSON body.
		payload := make(map[string]interface{})
		for k, v := range args {
			if !used[k] {
				payload[k] = v
			}
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", op.ID, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	result := &models.MCPToolResult{
		Content: []models.MCPContent{{Type: "text", Text: string(respBody)}},
	}
	if resp.StatusCode >= 400 {
		result.IsError = true
		result.Content[0].Text = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return result, nil
}

// Ping probes the service root.
func (t *openAPITransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (t *openAPITransport) Close() error {
	t.ops = nil
	return nil
}

func (t *openAPITransport) fetchDocument(ctx context.Context, docURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create document request: %w", err)
	}
	for k, v := range t.spec.Headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch openapi document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch openapi document: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// resolveBaseURL prefers the document's first server URL; a relative
// server URL is resolved against the document URL's origin.
func (t *openAPITransport) resolveBaseURL(doc openAPIDoc) string {
	base := ""
	if len(doc.Servers) > 0 {
		base = doc.Servers[0].URL
	}
	if strings.HasPrefix(base, "http://") || strings.HasPrefix(base, "https://") {
		return strings.TrimRight(base, "/")
	}
	if docURL, err := url.Parse(t.spec.OpenAPI.URL); err == nil && docURL.Host != "" {
		origin := docURL.Scheme + "://" + docURL.Host
		if base == "" {
			return origin
		}
		return origin + "/" + strings.Trim(base, "/")
	}
	return strings.TrimRight(base, "/")
}
