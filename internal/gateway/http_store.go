package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/cellsync/internal/rows"
	"github.com/MarcoPoloResearchLab/cellsync/internal/schema"
)

const maxErrorBodyBytes = 64 << 10

var errMissingBaseURL = errors.New("gateway: store base url is required")

// PatchPayload is the body of a versioned write.
type PatchPayload struct {
	Patch     rows.Fields    `json:"patch"`
	Condition PatchCondition `json:"condition"`
	Token     string         `json:"token,omitempty"`
}

// PatchCondition carries the version precondition.
type PatchCondition struct {
	Version int64 `json:"version"`
}

// FailurePayload is the structured failure body returned by the store.
type FailurePayload struct {
	Kind   OutcomeKind `json:"kind"`
	Detail string      `json:"detail,omitempty"`
	Code   string      `json:"code,omitempty"`
}

// HTTPStore speaks the row endpoints of a cellsync server.
type HTTPStore struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// NewHTTPStore returns a store rooted at baseURL that authenticates with a bearer token.
func NewHTTPStore(baseURL string, token string, httpClient *http.Client) (*HTTPStore, error) {
	trimmed := strings.TrimSpace(baseURL)
	if trimmed == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("gateway: parse base url: %w", err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPStore{baseURL: parsed, token: strings.TrimSpace(token), httpClient: httpClient}, nil
}

// PatchRow issues PATCH /tables/{table}/rows/{rowId}.
func (s *HTTPStore) PatchRow(ctx context.Context, table rows.TableID, rowID rows.RowID, patch rows.Fields, version rows.Version, token string) (rows.Row, error) {
	body, err := json.Marshal(PatchPayload{
		Patch:     patch,
		Condition: PatchCondition{Version: version.Int64()},
		Token:     token,
	})
	if err != nil {
		return rows.Row{}, &StoreError{Kind: OutcomeValidationRejected, Detail: err.Error()}
	}
	var row rows.Row
	if err := s.do(ctx, http.MethodPatch, s.rowPath(table, rowID), nil, body, &row); err != nil {
		return rows.Row{}, err
	}
	row.Fields = rows.NormalizeFields(row.Fields)
	return row, nil
}

// GetRow issues GET /tables/{table}/rows/{rowId}.
func (s *HTTPStore) GetRow(ctx context.Context, table rows.TableID, rowID rows.RowID) (rows.Row, error) {
	var row rows.Row
	if err := s.do(ctx, http.MethodGet, s.rowPath(table, rowID), nil, nil, &row); err != nil {
		return rows.Row{}, err
	}
	row.Fields = rows.NormalizeFields(row.Fields)
	return row, nil
}

// ListRows issues GET /tables/{table}/rows?since=.
func (s *HTTPStore) ListRows(ctx context.Context, table rows.TableID, sinceSeconds int64) ([]rows.Row, error) {
	query := url.Values{}
	if sinceSeconds > 0 {
		query.Set("since", strconv.FormatInt(sinceSeconds, 10))
	}
	var payload struct {
		Rows []rows.Row `json:"rows"`
	}
	if err := s.do(ctx, http.MethodGet, s.tablePath(table)+"/rows", query, nil, &payload); err != nil {
		return nil, err
	}
	for index := range payload.Rows {
		payload.Rows[index].Fields = rows.NormalizeFields(payload.Rows[index].Fields)
	}
	return payload.Rows, nil
}

// InsertRow issues POST /tables/{table}/rows. An empty rowID lets the server assign one.
func (s *HTTPStore) InsertRow(ctx context.Context, table rows.TableID, rowID rows.RowID, fields rows.Fields, token string) (rows.Row, error) {
	body, err := json.Marshal(struct {
		ID     string      `json:"id,omitempty"`
		Fields rows.Fields `json:"fields"`
		Token  string      `json:"token,omitempty"`
	}{ID: rowID.String(), Fields: fields, Token: token})
	if err != nil {
		return rows.Row{}, &StoreError{Kind: OutcomeValidationRejected, Detail: err.Error()}
	}
	var row rows.Row
	if err := s.do(ctx, http.MethodPost, s.tablePath(table)+"/rows", nil, body, &row); err != nil {
		return rows.Row{}, err
	}
	row.Fields = rows.NormalizeFields(row.Fields)
	return row, nil
}

// DeleteRow issues DELETE /tables/{table}/rows/{rowId}?version=.
func (s *HTTPStore) DeleteRow(ctx context.Context, table rows.TableID, rowID rows.RowID, version rows.Version, token string) (rows.Row, error) {
	query := url.Values{}
	query.Set("version", strconv.FormatInt(version.Int64(), 10))
	if token != "" {
		query.Set("token", token)
	}
	var row rows.Row
	if err := s.do(ctx, http.MethodDelete, s.rowPath(table, rowID), query, nil, &row); err != nil {
		return rows.Row{}, err
	}
	row.Fields = rows.NormalizeFields(row.Fields)
	return row, nil
}

type schemaPayload struct {
	ID     string `json:"id"`
	Fields []struct {
		ID            string   `json:"id"`
		Type          string   `json:"type"`
		AllowedValues []string `json:"allowedValues"`
	} `json:"fields"`
}

// Schema issues GET /tables/{table}/schema and returns a registry holding that table.
func (s *HTTPStore) Schema(ctx context.Context, table rows.TableID) (*schema.Registry, error) {
	var payload schemaPayload
	if err := s.do(ctx, http.MethodGet, s.tablePath(table)+"/schema", nil, nil, &payload); err != nil {
		return nil, err
	}
	described := schema.Table{ID: payload.ID, Fields: make([]schema.Field, 0, len(payload.Fields))}
	for _, field := range payload.Fields {
		fieldType, err := schema.ParseFieldType(field.Type)
		if err != nil {
			return nil, err
		}
		described.Fields = append(described.Fields, schema.Field{ID: field.ID, Type: fieldType, AllowedValues: field.AllowedValues})
	}
	return schema.NewRegistry(described)
}

func (s *HTTPStore) tablePath(table rows.TableID) string {
	return "tables/" + url.PathEscape(table.String())
}

func (s *HTTPStore) rowPath(table rows.TableID, rowID rows.RowID) string {
	return s.tablePath(table) + "/rows/" + url.PathEscape(rowID.String())
}

func (s *HTTPStore) do(ctx context.Context, method, path string, query url.Values, body []byte, target any) error {
	endpoint := s.baseURL.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return &StoreError{Kind: OutcomeUnknown, Detail: err.Error()}
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if s.token != "" {
		request.Header.Set("Authorization", "Bearer "+s.token)
	}

	response, err := s.httpClient.Do(request)
	if err != nil {
		return &StoreError{Kind: OutcomeNetworkError, Detail: err.Error()}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeFailure(response)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return &StoreError{Kind: OutcomeNetworkError, Detail: fmt.Sprintf("decode response: %v", err), Status: response.StatusCode}
	}
	return nil
}

func decodeFailure(response *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	failure := FailurePayload{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &failure)
	}
	kind := failure.Kind
	switch kind {
	case OutcomeConflict, OutcomeValidationRejected, OutcomeNetworkError, OutcomeUnauthorized, OutcomeUnknown:
	default:
		kind = KindForStatus(response.StatusCode)
	}
	detail := failure.Detail
	if detail == "" {
		detail = http.StatusText(response.StatusCode)
	}
	return &StoreError{Kind: kind, Detail: detail, Status: response.StatusCode}
}
