package credential

import "context"

// StaticSource always returns the same token. Directories that authenticate
// with a bot token rather than a user credential use it with an empty token.
type StaticSource struct {
	Token string
}

func (s StaticSource) Silent(ctx context.Context) (string, error) {
	if s.Token == "" {
		return "static", nil
	}
	return s.Token, nil
}

func (s StaticSource) Interactive(ctx context.Context, prompt func(string)) (string, error) {
	return s.Silent(ctx)
}
