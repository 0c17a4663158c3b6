// Package cart is the thin adapter to the external cart component, which
// keeps each user's cart as a hash of item id → quantity.
package cart

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	rdb *redis.Client
}

func NewClient(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

func key(userID string) string {
	return fmt.Sprintf("cart:%s", userID)
}

func (c *Client) Clear(ctx context.Context, userID string) error {
	return c.rdb.Del(ctx, key(userID)).Err()
}
