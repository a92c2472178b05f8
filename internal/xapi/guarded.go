package xapi

import (
	"context"

	"social-autopilot/internal/guard"
)

// API is the surface of Client the rest of the autopilot uses.
type API interface {
	Publish(ctx context.Context, req PublishRequest) (string, error)
	UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error)
	ResolveUser(ctx context.Context, username string) (string, error)
	UserTimeline(ctx context.Context, userID string, max int) ([]Item, error)
	SearchRecent(ctx context.Context, query string, max int) ([]Item, error)
}

var _ API = (*Client)(nil)
var _ API = Guarded{}

// Guarded runs writes and reads through separate guards. Both normally share
// the x_api breaker but draw from different token buckets.
type Guarded struct {
	API   API
	Write guard.Guard
	Read  guard.Guard
}

func (g Guarded) Publish(ctx context.Context, req PublishRequest) (string, error) {
	return guard.Run(ctx, g.Write, func(ctx context.Context) (string, error) {
		return g.API.Publish(ctx, req)
	})
}

func (g Guarded) UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error) {
	return guard.Run(ctx, g.Write, func(ctx context.Context) (string, error) {
		return g.API.UploadMedia(ctx, data, mimeType)
	})
}

func (g Guarded) ResolveUser(ctx context.Context, username string) (string, error) {
	return guard.Run(ctx, g.Read, func(ctx context.Context) (string, error) {
		return g.API.ResolveUser(ctx, username)
	})
}

func (g Guarded) UserTimeline(ctx context.Context, userID string, max int) ([]Item, error) {
	return guard.Run(ctx, g.Read, func(ctx context.Context) ([]Item, error) {
		return g.API.UserTimeline(ctx, userID, max)
	})
}

func (g Guarded) SearchRecent(ctx context.Context, query string, max int) ([]Item, error) {
	return guard.Run(ctx, g.Read, func(ctx context.Context) ([]Item, error) {
		return g.API.SearchRecent(ctx, query, max)
	})
}
