package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HTTPIntrospector asks the structural-metadata service for the fields of a
// derived artifact. The service answers GET <access locator><Suffix> with
// {"fields":[{"name","type","units","long_name"}...]} in column order.
type HTTPIntrospector struct {
	Client *http.Client
	Suffix string
}

type describeResponse struct {
	Fields []Field `json:"fields"`
}

func (h HTTPIntrospector) Describe(ctx context.Context, accessURI string) ([]Field, error) {
	if strings.TrimSpace(accessURI) == "" {
		return nil, fmt.Errorf("no access locator for introspection")
	}
	suffix := h.Suffix
	if suffix == "" {
		suffix = ".json"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, accessURI+suffix, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection returned %s", resp.Status)
	}
	var body describeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode introspection: %w", err)
	}
	return body.Fields, nil
}
