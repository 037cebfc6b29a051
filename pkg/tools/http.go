package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"qi-agent/core/pkg/httpcache"
)

// fetchJSON performs one cached HTTP exchange and decodes a JSON body.
// Non-2xx statuses and transport failures come back as classified ToolErrors.
func fetchJSON(ctx context.Context, client *httpcache.Client, tool string, req *httpcache.Request, out any) (bool, error) {
	resp, err := fetchRaw(ctx, client, tool, req)
	if err != nil {
		return false, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp.CacheHit, &ToolError{Tool: tool, Kind: KindTransient, Err: fmt.Errorf("malformed response: %w", err)}
		}
	}
	return resp.CacheHit, nil
}

// fetchRaw performs one cached HTTP exchange and returns the raw response.
func fetchRaw(ctx context.Context, client *httpcache.Client, tool string, req *httpcache.Request) (*httpcache.Response, error) {
	resp, err := client.Do(ctx, tool, req)
	if err != nil {
		return nil, ClassifyErr(tool, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, StatusError(tool, resp.StatusCode, resp.Body)
	}
	return resp, nil
}
