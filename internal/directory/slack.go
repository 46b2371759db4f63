package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

// SlackAPI is the subset of *slack.Client used for lookups.
type SlackAPI interface {
	GetUserByEmailContext(ctx context.Context, email string) (*slack.User, error)
	GetUsersContext(ctx context.Context, options ...slack.GetUsersOption) ([]slack.User, error)
}

// Slack resolves people from the workspace member list. It authenticates with
// the bot token held by api, so the token argument is ignored.
type Slack struct {
	api SlackAPI
}

// NewSlack creates a Slack directory.
func NewSlack(api SlackAPI) *Slack {
	return &Slack{api: api}
}

func (s *Slack) ResolveIdentity(ctx context.Context, _ string, email string) (*protocol.Identity, error) {
	u, err := s.api.GetUserByEmailContext(ctx, strings.TrimSpace(email))
	if err != nil {
		if strings.Contains(err.Error(), "users_not_found") {
			return nil, nil
		}
		return nil, fmt.Errorf("slack directory: lookup by email: %w", err)
	}
	if u == nil || u.Deleted || u.IsBot {
		return nil, nil
	}
	return &protocol.Identity{ID: u.ID, Email: u.Profile.Email, DisplayName: displayName(u)}, nil
}

func (s *Slack) ListPeople(ctx context.Context, _ string, query string, limit int) ([]protocol.Person, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	users, err := s.api.GetUsersContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("slack directory: list users: %w", err)
	}

	query = strings.ToLower(strings.TrimSpace(query))
	var people []protocol.Person
	for i := range users {
		u := &users[i]
		if u.Deleted || u.IsBot || u.ID == "USLACKBOT" || u.Profile.Email == "" {
			continue
		}
		name := displayName(u)
		if query != "" &&
			!strings.HasPrefix(strings.ToLower(name), query) &&
			!strings.HasPrefix(strings.ToLower(u.Profile.Email), query) {
			continue
		}
		people = append(people, protocol.Person{Name: name, Email: u.Profile.Email, Title: u.Profile.Title})
		if len(people) == limit {
			break
		}
	}
	return people, nil
}

func displayName(u *slack.User) string {
	switch {
	case u.RealName != "":
		return u.RealName
	case u.Profile.DisplayName != "":
		return u.Profile.DisplayName
	default:
		return u.Name
	}
}
