package octoprint

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

type TimelapseFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size string `json:"size"`
}

type UnrenderedTimelapse struct {
	Name      string `json:"name"`
	Rendering bool   `json:"rendering"`
}

type TimelapseList struct {
	Files      []TimelapseFile       `json:"files"`
	Unrendered []UnrenderedTimelapse `json:"unrendered"`
}

// Timelapses lists the rendered movies and the captures still waiting to
// be rendered.
func (c *Client) Timelapses(ctx context.Context) (*TimelapseList, error) {
	body, err := c.request(ctx, http.MethodGet, "/api/timelapse?unrendered=true", nil)
	if err != nil {
		return nil, err
	}
	var list TimelapseList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode timelapse list: %w", err)
	}
	return &list, nil
}

// Download fetches a host-relative url such as a timelapse download link.
func (c *Client) Download(ctx context.Context, link string) ([]byte, error) {
	if strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		if !strings.HasPrefix(link, c.base.String()) {
			return nil, fmt.Errorf("%w: %s is not on the host", ErrInvalidPath, link)
		}
		link = strings.TrimPrefix(link, c.base.String())
	}
	if !strings.HasPrefix(link, "/") {
		link = "/" + link
	}
	return c.request(ctx, http.MethodGet, link, nil)
}
