package graph

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Download opens the content of the file at dest. The caller closes the
// returned body. Graph answers with a redirect to a pre-authenticated URL;
// net/http drops the Authorization header when that redirect leaves the
// Graph host.
func (c *Client) Download(ctx context.Context, dest Destination) (io.ReadCloser, error) {
	c.logger.Info("downloading item",
		slog.String("site_id", dest.SiteID),
		slog.String("dir", dest.Dir),
		slog.String("name", dest.Name),
	)

	body, err := c.GetStream(ctx, dest.ContentPath())
	if err != nil {
		return nil, fmt.Errorf("graph: downloading %s: %w", dest.Name, err)
	}

	return body, nil
}
