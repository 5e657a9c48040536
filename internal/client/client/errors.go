package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmitrijs2005/famsync/internal/common"
	"github.com/dmitrijs2005/famsync/internal/netx"
	"github.com/jackc/pgx/v5/pgconn"
)

const sqlstateUniqueViolation = "23505"

// mapHTTPError classifies a netx error.
func mapHTTPError(op string, err error) error {
	if err == nil {
		return nil
	}

	var se *netx.StatusError
	if !errors.As(err, &se) {
		return mapNetError(op, err)
	}

	msg := bodyMessage(se.Body)
	if msg == "" {
		msg = se.StatusText
	}

	var kind common.Kind
	switch {
	case se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden:
		kind = common.KindAuth
	case se.Status == http.StatusConflict || strings.Contains(string(se.Body), sqlstateUniqueViolation):
		kind = common.KindConflict
	case se.Status == http.StatusRequestTimeout || se.Status >= 500:
		kind = common.KindConnectivity
	default:
		kind = common.KindBackend
	}

	return common.NewError(kind, op, se).WithMsg(msg)
}

// mapNetError classifies non-HTTP failures. Cancellation and already
// classified errors pass through unchanged. Only transport failures are
// connectivity: network and deadline errors, url.Error from the HTTP client
// and connections dropped mid-response. Anything else, such as a body that
// does not marshal or a malformed URL, is a backend error and never retried.
func mapNetError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var ce *common.Error
	if errors.As(err, &ce) {
		return err
	}
	if transportFailure(err) {
		return common.Connectivity(op, err).WithMsg(err.Error())
	}
	return common.NewError(common.KindBackend, op, err).WithMsg(err.Error())
}

func transportFailure(err error) bool {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Op != "parse" {
		return true
	}
	var conn *pgconn.ConnectError
	return errors.As(err, &conn) || pgconn.Timeout(err)
}

// mapPGError classifies a pgx failure by SQLSTATE class.
func mapPGError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pe *pgconn.PgError
	if !errors.As(err, &pe) {
		return mapNetError(op, err)
	}

	var kind common.Kind
	switch {
	case pe.Code == sqlstateUniqueViolation:
		kind = common.KindConflict
	case strings.HasPrefix(pe.Code, "28"), pe.Code == "42501":
		kind = common.KindAuth
	case strings.HasPrefix(pe.Code, "08"), strings.HasPrefix(pe.Code, "57"), strings.HasPrefix(pe.Code, "53"):
		kind = common.KindConnectivity
	default:
		kind = common.KindBackend
	}
	return common.NewError(kind, op, pe).WithMsg(pe.Message)
}

// bodyMessage digs the human message out of the JSON error bodies the
// data and auth APIs return.
func bodyMessage(b []byte) string {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return strings.TrimSpace(string(b))
	}
	for _, k := range []string{"msg", "message", "error_description", "error"} {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
