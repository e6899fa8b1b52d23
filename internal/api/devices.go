package api

import (
	"context"
	"net/http"

	"github.com/lockerlink/livelink/internal/model"
)

// ListDevices returns every device owned by the authenticated user.
func (c *Client) ListDevices(ctx context.Context) ([]model.Device, error) {
	var devices []model.Device
	err := c.call(ctx, request{
		method: http.MethodGet,
		path:   "/devices",
		authed: true,
	}, &devices)
	if err != nil {
		return nil, err
	}
	return devices, nil
}
