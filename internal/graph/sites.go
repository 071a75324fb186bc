package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// encodePathSegments URL-encodes each segment of a slash-separated path.
// Characters like #, ?, %, and spaces are encoded per-segment so the
// resulting path is safe for interpolation into Graph API URLs.
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// SitePath returns the lookup path for a site addressed by hostname and
// server-relative path, e.g. /sites/contoso.sharepoint.com:/sites/Team.
func SitePath(hostname, sitePath string) string {
	sitePath = "/" + strings.Trim(sitePath, "/")

	return fmt.Sprintf("/sites/%s:%s", url.PathEscape(hostname), encodePathSegments(sitePath))
}

// Site resolves a SharePoint site by hostname and server-relative path.
func (c *Client) Site(ctx context.Context, hostname, sitePath string) (*Site, error) {
	path := SitePath(hostname, sitePath)

	c.logger.Info("resolving site",
		slog.String("hostname", hostname),
		slog.String("site_path", sitePath),
	)

	body, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	var sr siteResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("graph: decoding site response: %w", err)
	}

	if sr.ID == "" {
		return nil, fmt.Errorf("%w: site %s%s", ErrMissingID, hostname, sitePath)
	}

	c.logger.Debug("resolved site",
		slog.String("site_id", sr.ID),
		slog.String("display_name", sr.DisplayName),
	)

	return &Site{
		ID:          sr.ID,
		Name:        sr.Name,
		DisplayName: sr.DisplayName,
		WebURL:      sr.WebURL,
	}, nil
}

// DriveRoot returns the root folder of a site's default document library.
func (c *Client) DriveRoot(ctx context.Context, siteID string) (*Item, error) {
	c.logger.Info("resolving drive root", slog.String("site_id", siteID))

	body, err := c.Get(ctx, fmt.Sprintf("/sites/%s/drive/root/", siteID))
	if err != nil {
		return nil, err
	}

	item, err := decodeItem(body, c.logger)
	if err != nil {
		return nil, fmt.Errorf("graph: drive root of site %s: %w", siteID, err)
	}

	return item, nil
}
