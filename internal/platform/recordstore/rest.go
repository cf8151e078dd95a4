package recordstore

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

// RESTStore is a Store over a hosted PostgREST endpoint (the auto-generated
// REST API of a backend-as-a-service project). It cannot span a transaction,
// so multi-step writes through it are not atomic.
type RESTStore struct {
	client *resty.Client
}

// NewRESTStore creates a REST store for the project at baseURL. The API key is
// sent both as the apikey header and as the bearer token.
func NewRESTStore(baseURL, apiKey string, timeout time.Duration) *RESTStore {
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")+"/rest/v1").
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout).
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if apiKey != "" {
		client.SetHeader("apikey", apiKey).SetAuthToken(apiKey)
	}
	return &RESTStore{client: client}
}

// postgrestError is the error body PostgREST answers with.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (s *RESTStore) request(ctx context.Context, filter Filter) *resty.Request {
	req := s.client.R().SetContext(ctx).SetError(&postgrestError{})
	for col, v := range filter {
		req.SetQueryParam(col, filterValue(v))
	}
	return req
}

// filterValue renders an equality filter in PostgREST operator syntax.
func filterValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "is.null"
	case bool:
		return "is." + strconv.FormatBool(val)
	case time.Time:
		return "eq." + val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return "is.null"
		}
		return "eq." + val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("eq.%v", val)
	}
}

func (s *RESTStore) check(op, table string, resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, op, table, err)
	}
	if !resp.IsError() {
		return nil
	}
	msg := resp.Status()
	if pe, ok := resp.Error().(*postgrestError); ok && pe.Message != "" {
		msg = pe.Message
		if pe.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrConflict, msg)
		}
	}
	switch {
	case resp.StatusCode() == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, msg)
	case resp.StatusCode() >= 500, resp.StatusCode() == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s: %s", ErrUnavailable, op, table, msg)
	default:
		return fmt.Errorf("%s %s: %s", op, table, msg)
	}
}

func (s *RESTStore) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(filter); err != nil {
		return nil, err
	}
	var rows []Row
	resp, err := s.request(ctx, filter).
		SetQueryParam("select", "*").
		SetQueryParam("order", t.Unique[0]+".asc").
		SetResult(&rows).
		Get("/" + t.Name)
	if err := s.check("select", table, resp, err); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) Insert(ctx context.Context, table string, row Row) (Row, error) {
	t, err := lookupTable(table)
	if err != nil {
		return nil, err
	}
	if err := checkColumns(row); err != nil {
		return nil, err
	}
	var rows []Row
	resp, err := s.request(ctx, nil).
		SetHeader("Prefer", "return=representation").
		SetBody(row).
		SetResult(&rows).
		Post("/" + t.Name)
	if err := s.check("insert", table, resp, err); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return row, nil
	}
	return rows[0], nil
}

func (s *RESTStore) Update(ctx context.Context, table string, filter Filter, patch Row) (int64, error) {
	t, err := lookupTable(table)
	if err != nil {
		return 0, err
	}
	if t.AppendOnly {
		return 0, fmt.Errorf("update %s: table is append-only", table)
	}
	if len(filter) == 0 {
		return 0, ErrEmptyFilter
	}
	if err := checkColumns(filter); err != nil {
		return 0, err
	}
	if err := checkColumns(patch); err != nil {
		return 0, err
	}
	var rows []Row
	resp, err := s.request(ctx, filter).
		SetHeader("Prefer", "return=representation").
		SetBody(patch).
		SetResult(&rows).
		Patch("/" + t.Name)
	if err := s.check("update", table, resp, err); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *RESTStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	t, err := lookupTable(table)
	if err != nil {
		return 0, err
	}
	if t.AppendOnly {
		return 0, fmt.Errorf("delete from %s: table is append-only", table)
	}
	if len(filter) == 0 {
		return 0, ErrEmptyFilter
	}
	if err := checkColumns(filter); err != nil {
		return 0, err
	}
	var rows []Row
	resp, err := s.request(ctx, filter).
		SetHeader("Prefer", "return=representation").
		SetResult(&rows).
		Delete("/" + t.Name)
	if err := s.check("delete", table, resp, err); err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *RESTStore) Call(ctx context.Context, fn string, args Row) (any, error) {
	if err := checkIdent(fn); err != nil {
		return nil, err
	}
	if args == nil {
		args = Row{}
	}
	var out any
	resp, err := s.request(ctx, nil).
		SetBody(args).
		SetResult(&out).
		Post("/rpc/" + fn)
	if err := s.check("call", fn, resp, err); err != nil {
		if resp != nil && resp.StatusCode() == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFunction, fn)
		}
		return nil, err
	}
	return out, nil
}

func (s *RESTStore) Ping(ctx context.Context) error {
	resp, err := s.request(ctx, nil).
		SetQueryParam("select", "visit_id").
		SetQueryParam("limit", "1").
		Get("/" + TableVisits)
	return s.check("ping", TableVisits, resp, err)
}
