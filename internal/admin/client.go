/*
Package admin is the HTTP client for the admin REST service.  Every call
is wrapped in a circuit breaker so a failing admin service degrades the
pusher instead of piling up blocked requests.
*/
package admin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

const requestTimeout = 10 * time.Second

/*
Client talks to the admin REST service.  Safe for concurrent use.
*/
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	log     zerolog.Logger
}

func NewClient(baseURL, token string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
			Name: "admin-api",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		log: log.With().Str("component", "admin-api").Logger(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}

		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("cannot encode request body: %w", err)
			}
			reader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, fmt.Errorf("cannot build admin request: %w", err)
		}
		req.Header.Set("Authorization", c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("admin request failed: %w", err)
		}
		defer res.Body.Close()

		raw, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, fmt.Errorf("cannot read admin response: %w", err)
		}
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return nil, fmt.Errorf("admin service answered %d on %s %s", res.StatusCode, method, path)
		}
		return raw, nil
	})
}

func (c *Client) GetTagsList(ctx context.Context, roomURL string) ([]string, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/room/tags",
		url.Values{"roomUrl": {roomURL}}, nil)
	if err != nil {
		return nil, err
	}

	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("cannot decode tags list: %w", err)
	}
	return tags, nil
}

func (c *Client) GetURLRoomsFromSameWorld(ctx context.Context, roomURL string) ([]string, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/room/sameWorld",
		url.Values{"roomUrl": {roomURL}}, nil)
	if err != nil {
		return nil, err
	}

	var urls []string
	if err := json.Unmarshal(raw, &urls); err != nil {
		return nil, fmt.Errorf("cannot decode same-world room list: %w", err)
	}
	return urls, nil
}

func (c *Client) SearchMembers(ctx context.Context, roomURL, searchText string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/members/search",
		url.Values{"roomUrl": {roomURL}, "searchText": {searchText}}, nil)
}

func (c *Client) SearchTags(ctx context.Context, searchText string) ([]string, error) {
	raw, err := c.do(ctx, http.MethodGet, "/api/tags/search",
		url.Values{"searchText": {searchText}}, nil)
	if err != nil {
		return nil, err
	}

	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, fmt.Errorf("cannot decode tag search result: %w", err)
	}
	return tags, nil
}

func (c *Client) GetMember(ctx context.Context, uuid string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/members/"+url.PathEscape(uuid), nil, nil)
}

func (c *Client) GetWorldChatMembers(ctx context.Context, roomURL, searchText string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/api/world/chatMembers",
		url.Values{"roomUrl": {roomURL}, "searchText": {searchText}}, nil)
}

func (c *Client) UpdateChatID(ctx context.Context, uuid, chatID string) error {
	_, err := c.do(ctx, http.MethodPut, "/api/members/chatId", nil, map[string]string{
		"uuid":   uuid,
		"chatId": chatID,
	})
	return err
}

func (c *Client) RefreshOauthToken(ctx context.Context, token string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/api/oauth/refreshToken", nil, map[string]string{
		"token": token,
	})
}

func (c *Client) BanUserByUUID(ctx context.Context, uuid, roomURL, name, message string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/ban", nil, map[string]string{
		"uuidToBan": uuid,
		"roomUrl":   roomURL,
		"name":      name,
		"message":   message,
	})
	return err
}

func (c *Client) ReportPlayer(ctx context.Context, reportedUUID, comment, reporterUUID, roomURL string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/report", nil, map[string]string{
		"reportedUserUuid": reportedUUID,
		"reportComment":    comment,
		"reporterUserUuid": reporterUUID,
		"roomUrl":          roomURL,
	})
	return err
}
