package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/eoffice-suite/be-approvals/internal/repository"
)

// DirectoryClient talks to the org directory service over HTTP. It resolves
// department position hierarchies and position holders; the engine treats it
// as the single source of truth for "who holds which position right now".
type DirectoryClient struct {
	baseURL string
	http    *http.Client
}

// NewDirectoryClient creates a directory client for the given base URL.
func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &DirectoryClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// ListPositions returns all org positions in a department, with levels.
func (c *DirectoryClient) ListPositions(ctx context.Context, departmentID string) ([]repository.OrgPosition, error) {
	var resp struct {
		Positions []repository.OrgPosition `json:"positions"`
	}
	path := "/api/v1/org/positions?department_id=" + url.QueryEscape(departmentID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	return resp.Positions, nil
}

// GetHolders returns the user codes currently holding a position. An empty
// slice means the position is vacant.
func (c *DirectoryClient) GetHolders(ctx context.Context, positionID string) ([]string, error) {
	var resp struct {
		Holders []string `json:"holders"`
	}
	path := "/api/v1/org/positions/holders?position_id=" + url.QueryEscape(positionID)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to get position holders: %w", err)
	}
	return resp.Holders, nil
}

// UserHoldsPosition reports whether a user currently holds a position.
func (c *DirectoryClient) UserHoldsPosition(ctx context.Context, userCode, positionID string) (bool, error) {
	var resp struct {
		Holds bool `json:"holds"`
	}
	path := fmt.Sprintf("/api/v1/org/positions/holds?user=%s&position_id=%s",
		url.QueryEscape(userCode), url.QueryEscape(positionID))
	if err := c.get(ctx, path, &resp); err != nil {
		return false, fmt.Errorf("failed to check position holder: %w", err)
	}
	return resp.Holds, nil
}

// PositionsHeldBy returns the ids of all positions a user holds.
func (c *DirectoryClient) PositionsHeldBy(ctx context.Context, userCode string) ([]string, error) {
	var resp struct {
		PositionIDs []string `json:"position_ids"`
	}
	path := "/api/v1/org/users/positions?user=" + url.QueryEscape(userCode)
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("failed to list user positions: %w", err)
	}
	return resp.PositionIDs, nil
}

func (c *DirectoryClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("directory returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
