// Package stackadapt is the StackAdapt GraphQL client: advertiser listing,
// per-day ad insights, and the bulk/sequential extraction strategies.
package stackadapt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"adsync/internal/metrics"
)

const (
	DefaultEndpoint = "https://api.stackadapt.com/graphql"
	DefaultTimeout  = 30 * time.Second

	// DefaultRateLimit caps requests per second across one client.
	DefaultRateLimit rate.Limit = 5

	// AdvertiserPageSize is the single page requested from advertisers(first:).
	// Accounts with more advertisers are truncated; no cursor is followed.
	AdvertiserPageSize = 100
)

// ErrMissingAPIKey is returned by NewClient for an empty key.
var ErrMissingAPIKey = errors.New("stackadapt: api key is required")

// HTTPError is a non-2xx response from the GraphQL endpoint.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	return fmt.Sprintf("stackadapt: http %d: %s", e.StatusCode, body)
}

const pingQuery = `query TestConnection {
  __schema {
    types {
      name
    }
  }
}`

const advertisersQuery = `query GetAllAdvertiserIds {
  advertisers(first: 100) {
    edges {
      node {
        id
        name
      }
    }
  }
}`

const insightsQuery = `query GetAdInsightsByDay($ids: [ID!]!, $dateFrom: ISO8601Date!, $dateTo: ISO8601Date!) {
  campaignGroupInsight(
    attributes: [AD, DATE]
    date: { from: $dateFrom, to: $dateTo }
    filterBy: { advertiserIds: $ids }
  ) {
    ... on CampaignGroupInsightOutcome {
      records {
        edges {
          node {
            attributes {
              ad {
                id
                name
                campaign {
                  id
                  name
                  campaignGoal {
                    goalsConnection(first: 1) {
                      edges {
                        node {
                          goalType
                        }
                      }
                    }
                  }
                  goalType
                  campaignGroup {
                    id
                    name
                    advertiser {
                      id
                      name
                    }
                  }
                }
              }
              date
            }
            metrics {
              clicks
              clickConversions
              engagements
              videoStarts
              videoQ1Playbacks
              videoQ2Playbacks
              videoQ3Playbacks
              videoCompletions
              impressions
              frequency
              cost
            }
          }
        }
      }
    }
  }
}`

// DateWindow is an inclusive calendar-date range, both ends YYYY-MM-DD.
type DateWindow struct {
	From string
	To   string
}

// Options configures a Client. Zero values take the defaults.
type Options struct {
	Endpoint string
	Timeout  time.Duration
	// RateLimit is requests per second; rate.Inf disables throttling.
	RateLimit rate.Limit
	Logger    *zap.Logger
}

// Client talks to the StackAdapt GraphQL API.
type Client struct {
	rc       *resty.Client
	endpoint string
	limiter  *rate.Limiter
	log      *zap.Logger
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// NewClient returns a client authenticating with apiKey as a bearer token.
func NewClient(apiKey string, opts Options) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	limit := opts.RateLimit
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	rc := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetAuthToken(apiKey)

	return &Client{
		rc:       rc,
		endpoint: endpoint,
		limiter:  rate.NewLimiter(limit, 1),
		log:      log.Named("stackadapt"),
	}, nil
}

// do posts one GraphQL operation and decodes the body into out. op labels
// metrics and errors.
func (c *Client) do(ctx context.Context, op, query string, vars map[string]any, out any) error {
	if vars == nil {
		vars = map[string]any{}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("stackadapt: %s: %w", op, err)
	}
	start := time.Now()
	resp, err := c.rc.R().
		SetContext(ctx).
		SetBody(graphQLRequest{Query: query, Variables: vars}).
		Post(c.endpoint)

	status := 0
	if err == nil && resp != nil {
		status = resp.StatusCode()
	}
	metrics.RecordHTTP(op, status, err, time.Since(start))

	if err != nil {
		return fmt.Errorf("stackadapt: %s: %w", op, err)
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return &HTTPError{StatusCode: status, Body: resp.String()}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("stackadapt: %s: decode response: %w", op, err)
	}
	return nil
}

// Ping runs an introspection query. Any transport or status failure is an
// error; the schema content is not inspected.
func (c *Client) Ping(ctx context.Context) error {
	var out json.RawMessage
	if err := c.do(ctx, "ping", pingQuery, nil, &out); err != nil {
		return err
	}
	return nil
}

type advertisersResponse struct {
	Data *struct {
		Advertisers *struct {
			Edges []struct {
				Node *struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"advertisers"`
	} `json:"data"`
	Errors GraphQLErrors `json:"errors,omitempty"`
}

// ListAdvertiserIDs returns advertiser ids in response order. Failures are
// logged and yield an empty slice.
func (c *Client) ListAdvertiserIDs(ctx context.Context) []string {
	var out advertisersResponse
	if err := c.do(ctx, "advertisers", advertisersQuery, nil, &out); err != nil {
		c.log.Warn("list advertisers failed", zap.Error(err))
		return []string{}
	}
	if out.Data == nil || out.Data.Advertisers == nil {
		fields := []zap.Field{}
		if len(out.Errors) > 0 {
			fields = append(fields, zap.Error(out.Errors))
		}
		c.log.Warn("advertisers missing from response", fields...)
		return []string{}
	}

	ids := make([]string, 0, len(out.Data.Advertisers.Edges))
	for _, e := range out.Data.Advertisers.Edges {
		if e.Node == nil || e.Node.ID == "" {
			c.log.Warn("advertiser edge without id; discarding page")
			return []string{}
		}
		ids = append(ids, e.Node.ID)
	}
	return ids
}

// QueryInsights fetches per-ad, per-day insights for ids over window.
func (c *Client) QueryInsights(ctx context.Context, ids []string, window DateWindow) (*InsightsResponse, error) {
	if ids == nil {
		ids = []string{}
	}
	vars := map[string]any{
		"ids":      ids,
		"dateFrom": window.From,
		"dateTo":   window.To,
	}
	var out InsightsResponse
	if err := c.do(ctx, "insights", insightsQuery, vars, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
