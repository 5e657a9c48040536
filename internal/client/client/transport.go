package client

import (
	"context"
	"encoding/json"
	"fmt"
)

// Row is a column/value patch for insert and update.
type Row map[string]any

// Transport performs row operations on backend tables. Every method returns
// the affected rows as a JSON array.
type Transport interface {
	Name() string
	Select(ctx context.Context, q Query) ([]byte, error)
	Insert(ctx context.Context, table string, row Row) ([]byte, error)
	Update(ctx context.Context, q Query, row Row) ([]byte, error)
	Delete(ctx context.Context, q Query) ([]byte, error)
}

// Selector is the read-only part of Transport.
type Selector interface {
	Name() string
	Select(ctx context.Context, q Query) ([]byte, error)
}

// TokenSource yields the bearer token for a request. An empty token means
// "anonymous" and the API key is sent in its place.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) AccessToken(ctx context.Context) (string, error) { return f(ctx) }

// Decode unmarshals a JSON array of rows.
func Decode[T any](data []byte) ([]T, error) {
	var out []T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return out, nil
}

// First returns the first decoded row, or nil when there is none.
func First[T any](data []byte) (*T, error) {
	rows, err := Decode[T](data)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// SelectInto runs q on s and decodes the result.
func SelectInto[T any](ctx context.Context, s Selector, q Query) ([]T, error) {
	data, err := s.Select(ctx, q)
	if err != nil {
		return nil, err
	}
	return Decode[T](data)
}
