// internal/media/http.go
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
)

const maxErrorBody = 2048

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 5 * time.Minute}
}

func newJSONRequest(ctx context.Context, method, url string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// statusError 非 2xx 响应转为 provider 错误
func statusError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return apperrors.NewProviderError(
		fmt.Sprintf("%s api error (%d)", name, resp.StatusCode),
		fmt.Errorf("%s", bytes.TrimSpace(body)))
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func decodeJSON(resp *http.Response, v interface{}) error {
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
