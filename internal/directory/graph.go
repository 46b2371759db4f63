package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/coworker/pkg/protocol"
)

// DefaultGraphURL is the Microsoft Graph v1.0 root.
const DefaultGraphURL = "https://graph.microsoft.com/v1.0"

// Graph looks people up in Microsoft Entra ID through Microsoft Graph,
// using the asking user's delegated token.
type Graph struct {
	baseURL string
	client  *http.Client
}

// NewGraph creates a Graph directory. An empty baseURL uses DefaultGraphURL.
func NewGraph(baseURL string, client *http.Client) *Graph {
	if baseURL == "" {
		baseURL = DefaultGraphURL
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Graph{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type graphUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
	JobTitle          string `json:"jobTitle"`
	Department        string `json:"department"`
}

func (u graphUser) email() string {
	if u.Mail != "" {
		return u.Mail
	}
	return u.UserPrincipalName
}

func (g *Graph) ResolveIdentity(ctx context.Context, token, email string) (*protocol.Identity, error) {
	e := odataQuote(strings.TrimSpace(email))
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("mail eq '%s' or userPrincipalName eq '%s'", e, e))
	q.Set("$select", "id,displayName,mail,userPrincipalName")

	users, err := g.listUsers(ctx, token, q)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	u := users[0]
	return &protocol.Identity{ID: u.ID, Email: u.email(), DisplayName: u.DisplayName}, nil
}

func (g *Graph) ListPeople(ctx context.Context, token, query string, limit int) ([]protocol.Person, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := url.Values{}
	q.Set("$select", "mail,userPrincipalName,displayName,jobTitle,department")
	q.Set("$top", strconv.Itoa(limit))
	if query = strings.TrimSpace(query); query != "" {
		e := odataQuote(query)
		q.Set("$filter", fmt.Sprintf("startsWith(displayName,'%s') or startsWith(mail,'%s')", e, e))
	}

	users, err := g.listUsers(ctx, token, q)
	if err != nil {
		return nil, err
	}
	people := make([]protocol.Person, 0, len(users))
	for _, u := range users {
		people = append(people, protocol.Person{
			Name:       u.DisplayName,
			Email:      u.email(),
			Title:      u.JobTitle,
			Department: u.Department,
		})
	}
	return people, nil
}

func (g *Graph) listUsers(ctx context.Context, token string, q url.Values) ([]graphUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/users?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("graph: users: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var page struct {
		Value []graphUser `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("graph: decode users: %w", err)
	}
	return page.Value, nil
}

// odataQuote escapes a string literal for an OData $filter.
func odataQuote(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
