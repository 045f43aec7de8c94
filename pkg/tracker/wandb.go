package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethpandaops/runsync/pkg/config"
	"github.com/ethpandaops/runsync/pkg/retry"
	"github.com/machinebox/graphql"
	"github.com/sirupsen/logrus"
)

// createdAtOrder sorts runs oldest first.
const createdAtOrder = "+created_at"

const runsQuery = `
query Runs($project: String!, $entity: String!, $cursor: String, $perPage: Int!, $order: String, $filters: JSONString) {
  project(name: $project, entityName: $entity) {
    runs(filters: $filters, after: $cursor, first: $perPage, order: $order) {
      edges {
        node {
          id
          name
          displayName
          state
          config
          createdAt
          description
        }
        cursor
      }
      pageInfo {
        endCursor
        hasNextPage
      }
    }
  }
}`

const historyQuery = `
query RunHistory($project: String!, $entity: String!, $name: String!, $samples: Int) {
  project(name: $project, entityName: $entity) {
    run(name: $name) {
      history(samples: $samples)
    }
  }
}`

type runNode struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	DisplayName string  `json:"displayName"`
	State       string  `json:"state"`
	Config      string  `json:"config"`
	CreatedAt   string  `json:"createdAt"`
	Description *string `json:"description"`
}

type runsResponse struct {
	Project *struct {
		Runs struct {
			Edges []struct {
				Node   runNode `json:"node"`
				Cursor string  `json:"cursor"`
			} `json:"edges"`
			PageInfo struct {
				EndCursor   *string `json:"endCursor"`
				HasNextPage bool    `json:"hasNextPage"`
			} `json:"pageInfo"`
		} `json:"runs"`
	} `json:"project"`
}

type historyResponse struct {
	Project *struct {
		Run *struct {
			History []string `json:"history"`
		} `json:"run"`
	} `json:"project"`
}

// wandbClient implements Client against the Weights & Biases GraphQL API.
type wandbClient struct {
	log     logrus.FieldLogger
	gql     *graphql.Client
	entity  string
	project string
	samples int
	policy  retry.Policy
}

// Ensure interface compliance.
var _ Client = (*wandbClient)(nil)

// NewWandbClient creates a Client for the configured entity/project.
func NewWandbClient(
	log logrus.FieldLogger,
	cfg *config.TrackerConfig,
	policy retry.Policy,
) Client {
	log = log.WithField("component", "tracker")

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: newTransport(http.DefaultTransport, cfg.APIKey, cfg.RequestsPerMinute),
	}

	gql := graphql.NewClient(cfg.BaseURL+"/graphql", graphql.WithHTTPClient(httpClient))
	gql.Log = func(s string) { log.Debug(s) }

	return &wandbClient{
		log:     log,
		gql:     gql,
		entity:  cfg.Entity,
		project: cfg.Project,
		samples: cfg.HistorySamples,
		policy:  policy,
	}
}

// Runs implements Client.
func (c *wandbClient) Runs(_ context.Context, q RunsQuery) RunIterator {
	return &runIterator{client: c, query: q}
}

// History implements Client.
func (c *wandbClient) History(ctx context.Context, runName string) (*History, error) {
	var resp historyResponse

	err := retry.Do(ctx, c.log, c.policy, "fetch run history", func() error {
		req := graphql.NewRequest(historyQuery)
		req.Var("project", c.project)
		req.Var("entity", c.entity)
		req.Var("name", runName)

		if c.samples > 0 {
			req.Var("samples", c.samples)
		}

		resp = historyResponse{}

		return classify(c.gql.Run(ctx, req, &resp))
	})
	if err != nil {
		return nil, err
	}

	if resp.Project == nil || resp.Project.Run == nil {
		return nil, fmt.Errorf("%w: %q in %s/%s", ErrRunNotFound, runName, c.entity, c.project)
	}

	hist := &History{Rows: make([]map[string]any, 0, len(resp.Project.Run.History))}

	for i, raw := range resp.Project.Run.History {
		row, err := decodeObject(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d of %q: %w", ErrInvalidHistory, i, runName, err)
		}

		hist.Rows = append(hist.Rows, row)
	}

	return hist, nil
}

// runIterator pages through a runs query on demand.
type runIterator struct {
	client  *wandbClient
	query   RunsQuery
	page    []runNode
	pos     int
	cursor  string
	fetched bool
	hasNext bool
}

// Next implements RunIterator.
func (it *runIterator) Next(ctx context.Context) (*Run, error) {
	for it.pos >= len(it.page) {
		if it.fetched && !it.hasNext {
			return nil, Done
		}

		if err := it.fetchPage(ctx); err != nil {
			return nil, err
		}

		if len(it.page) == 0 {
			it.hasNext = false

			return nil, Done
		}
	}

	node := it.page[it.pos]
	it.pos++

	return it.client.toRun(&node), nil
}

func (it *runIterator) fetchPage(ctx context.Context) error {
	filters, err := json.Marshal(map[string]any{
		"createdAt": map[string]string{"$gte": FormatFilterTime(it.query.CreatedAfter)},
	})
	if err != nil {
		return fmt.Errorf("encoding filters: %w", err)
	}

	var resp runsResponse

	err = retry.Do(ctx, it.client.log, it.client.policy, "query runs", func() error {
		req := graphql.NewRequest(runsQuery)
		req.Var("project", it.client.project)
		req.Var("entity", it.client.entity)
		req.Var("perPage", it.query.PageSize)
		req.Var("order", createdAtOrder)
		req.Var("filters", string(filters))

		if it.cursor != "" {
			req.Var("cursor", it.cursor)
		}

		resp = runsResponse{}

		return classify(it.client.gql.Run(ctx, req, &resp))
	})
	if err != nil {
		return err
	}

	if resp.Project == nil {
		return fmt.Errorf("project %s/%s not found", it.client.entity, it.client.project)
	}

	runs := resp.Project.Runs

	it.page = it.page[:0]
	for _, edge := range runs.Edges {
		it.page = append(it.page, edge.Node)
	}

	it.pos = 0
	it.fetched = true
	it.hasNext = runs.PageInfo.HasNextPage && runs.PageInfo.EndCursor != nil

	if runs.PageInfo.EndCursor != nil {
		it.cursor = *runs.PageInfo.EndCursor
	}

	it.client.log.WithFields(logrus.Fields{
		"runs":      len(it.page),
		"has_next":  it.hasNext,
		"gte":       FormatFilterTime(it.query.CreatedAfter),
		"page_size": it.query.PageSize,
	}).Debug("Fetched runs page")

	return nil
}

func (c *wandbClient) toRun(node *runNode) *Run {
	run := &Run{
		ID:          node.ID,
		Name:        node.Name,
		DisplayName: node.DisplayName,
		State:       node.State,
		CreatedAt:   node.CreatedAt,
	}

	if node.Description != nil {
		run.Description = *node.Description
	}

	cfg, err := decodeConfig(node.Config)
	if err != nil {
		c.log.WithError(err).WithField("run", node.Name).Debug("Undecodable run config")

		cfg = map[string]any{}
	}

	run.Config = cfg

	return run
}

// FormatFilterTime renders t for the createdAt filter, matching the
// timezone-aware ISO-8601 form the service accepts.
func FormatFilterTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000-07:00")
}

// decodeConfig parses a run config JSON string, unwrapping the
// {"value": ..., "desc": ...} envelope around each entry.
func decodeConfig(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}

	obj, err := decodeObject(raw)
	if err != nil {
		return nil, err
	}

	for k, v := range obj {
		if wrapped, ok := v.(map[string]any); ok {
			if inner, has := wrapped["value"]; has {
				obj[k] = inner
			}
		}
	}

	return obj, nil
}

func decodeObject(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(quoteNonFinite(raw)))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	if obj == nil {
		obj = map[string]any{}
	}

	return obj, nil
}

// nonFinite are the bare tokens Python's json module writes for float
// values JSON cannot represent.
var nonFinite = []string{"-Infinity", "Infinity", "NaN"}

// quoteNonFinite turns bare NaN and Infinity tokens outside string
// literals into JSON strings, so the step decodes and the value can be
// rejected where it is used.
func quoteNonFinite(raw string) string {
	if !strings.Contains(raw, "NaN") && !strings.Contains(raw, "Infinity") {
		return raw
	}

	var (
		b       strings.Builder
		inStr   bool
		escaped bool
	)

	b.Grow(len(raw) + 8)

	for i := 0; i < len(raw); i++ {
		c := raw[i]

		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}

			b.WriteByte(c)

			continue
		}

		if c == '"' {
			inStr = true

			b.WriteByte(c)

			continue
		}

		matched := false

		for _, tok := range nonFinite {
			if strings.HasPrefix(raw[i:], tok) {
				b.WriteString(`"` + tok + `"`)
				i += len(tok) - 1
				matched = true

				break
			}
		}

		if !matched {
			b.WriteByte(c)
		}
	}

	return b.String()
}

// classify marks errors the GraphQL endpoint reported in its response
// body (bad permissions, unknown project) as permanent. HTTP failures are
// already StatusErrors and keep their own classification.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var status *retry.StatusError
	if errors.As(err, &status) {
		return err
	}

	if strings.HasPrefix(err.Error(), "graphql: ") {
		return retry.Permanent(err)
	}

	return err
}
