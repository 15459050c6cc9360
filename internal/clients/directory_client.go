// internal/clients/directory_client.go
package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"smartlibrary/internal/directory"
)

type DirectoryClient struct {
	remote
}

func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{remote: newRemote("directory", baseURL, timeout)}
}

// GetUser fetches a user profile. Outcomes: ErrNotFound, ErrUnavailable.
func (c *DirectoryClient) GetUser(ctx context.Context, id int64) (*directory.User, error) {
	var user directory.User
	if err := c.call(ctx, "get_user", http.MethodGet, fmt.Sprintf("/users/%d", id), nil, &user, false); err != nil {
		return nil, err
	}
	return &user, nil
}

// Summary fetches the user count.
func (c *DirectoryClient) Summary(ctx context.Context) (*directory.Summary, error) {
	var sum directory.Summary
	if err := c.call(ctx, "summary", http.MethodGet, "/users/summary", nil, &sum, false); err != nil {
		return nil, err
	}
	return &sum, nil
}
