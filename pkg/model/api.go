package model

import "time"

// Envelope statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Page sizes of the round history endpoint.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Response is the envelope every coordinator reply is wrapped in. The server
// builds Response[any]; clients decode Response[json.RawMessage] and unwrap
// Data once they know what the endpoint returns.
type Response[T any] struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       T           `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Reply wraps a successful payload. page is nil outside list endpoints.
func Reply[T any](reqID string, data T, page *Pagination) Response[T] {
	return Response[T]{
		Status:     StatusOK,
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: page,
	}
}

// Failure wraps an API error.
func Failure(reqID string, apiErr *APIError) Response[any] {
	return Response[any]{
		Status:    StatusError,
		RequestID: reqID,
		Timestamp: time.Now().UTC(),
		Error:     apiErr,
	}
}

// Err returns the carried *APIError of an error envelope, nil otherwise.
func (r Response[T]) Err() error {
	if r.Status != StatusError || r.Error == nil {
		return nil
	}
	return r.Error
}

// Pagination describes one page of a list reply.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// RoundQuery selects entries of the round history. Zero RunID and State
// match everything.
type RoundQuery struct {
	RunID  string
	State  RoundState
	Limit  int
	Offset int
}

// DefaultRoundQuery returns the first page of every run.
func DefaultRoundQuery() RoundQuery {
	return RoundQuery{Limit: DefaultPageSize}
}

// Clamp keeps Limit in [1, MaxPageSize] (0 meaning the default page) and
// Offset non-negative.
func (q *RoundQuery) Clamp() {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultPageSize
	case q.Limit > MaxPageSize:
		q.Limit = MaxPageSize
	}
	q.Offset = max(q.Offset, 0)
}

// Matches applies the run and state filters to one round.
func (q RoundQuery) Matches(r *Round) bool {
	if q.RunID != "" && r.RunID != q.RunID {
		return false
	}
	return q.State == "" || r.State == q.State
}

// Page describes the page q selects out of total matches.
func (q RoundQuery) Page(total int) *Pagination {
	return &Pagination{
		Total:   total,
		Limit:   q.Limit,
		Offset:  q.Offset,
		HasMore: q.Offset+q.Limit < total,
	}
}
