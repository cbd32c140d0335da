package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/chronicle/internal/ir"
	"github.com/roach88/chronicle/internal/reconstruct"
	"github.com/roach88/chronicle/internal/store"
)

const defaultLogLimit = 100

// HandleVersions handles GET /v1/entities/:type/versions.
func (s *Server) HandleVersions(c *gin.Context) {
	entityType, key, ok := s.bindEntity(c, &EntityQuery{})
	if !ok {
		return
	}

	versions, err := s.reader.Versions(c.Request.Context(), entityType, key)
	if err != nil {
		s.fail(c, "read versions", err)
		return
	}
	if versions == nil {
		versions = []ir.VersionRecord{}
	}

	c.JSON(http.StatusOK, VersionsResponse{
		EntityType: entityType,
		EntityKey:  key,
		Versions:   versions,
	})
}

// HandleState handles GET /v1/entities/:type/state.
//
// Exactly one of as_of_tx and as_of_time may be given; with neither, the
// latest state is returned. 404 when the entity did not exist at that point.
func (s *Server) HandleState(c *gin.Context) {
	var req StateQuery
	entityType, key, ok := s.bindEntity(c, &req)
	if !ok {
		return
	}

	asOf, err := req.asOf()
	if err != nil {
		badRequest(c, err)
		return
	}

	state, found, err := s.reader.StateAt(c.Request.Context(), entityType, key, asOf)
	if err != nil {
		s.fail(c, "reconstruct state", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("%s %s not found as of %s", entityType, key, asOf),
			Code:  "NOT_FOUND",
		})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (q StateQuery) asOf() (ir.AsOf, error) {
	switch {
	case q.AsOfTx != nil && q.AsOfTime != "":
		return ir.AsOf{}, errors.New("as_of_tx and as_of_time are mutually exclusive")
	case q.AsOfTime != "":
		t, err := time.Parse(time.RFC3339Nano, q.AsOfTime)
		if err != nil {
			return ir.AsOf{}, fmt.Errorf("as_of_time: %w", err)
		}
		return ir.AtTime(t), nil
	case q.AsOfTx != nil:
		return ir.AtTransaction(ir.TransactionID(*q.AsOfTx)), nil
	default:
		return ir.AtTransaction(store.Latest), nil
	}
}

// HandleDiff handles GET /v1/entities/:type/diff.
func (s *Server) HandleDiff(c *gin.Context) {
	var req DiffQuery
	entityType, key, ok := s.bindEntity(c, &req)
	if !ok {
		return
	}

	from, to := ir.TransactionID(req.From), ir.TransactionID(req.To)
	delta, err := s.reader.DiffVersions(c.Request.Context(), entityType, key, from, to, reconstruct.DiffOptions{
		IncludeFrom: req.IncludeFrom,
		ExcludeTo:   req.ExcludeTo,
	})
	if err != nil {
		s.fail(c, "diff versions", err)
		return
	}
	if delta == nil {
		delta = ir.Delta{}
	}

	c.JSON(http.StatusOK, DiffResponse{
		EntityType: entityType,
		EntityKey:  key,
		From:       from,
		To:         to,
		Delta:      delta,
	})
}

// HandleTransaction handles GET /v1/transactions/:id.
func (s *Server) HandleTransaction(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, fmt.Errorf("invalid transaction id %q", c.Param("id")))
		return
	}

	txn, versions, found, err := s.reader.Transaction(c.Request.Context(), ir.TransactionID(id))
	if err != nil {
		s.fail(c, "read transaction", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error: fmt.Sprintf("transaction %d not found", id),
			Code:  "NOT_FOUND",
		})
		return
	}
	if versions == nil {
		versions = []ir.VersionRecord{}
	}
	c.JSON(http.StatusOK, TransactionResponse{Transaction: txn, Versions: versions})
}

// HandleLog handles GET /v1/transactions.
func (s *Server) HandleLog(c *gin.Context) {
	var req LogQuery
	if err := c.ShouldBindQuery(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Limit == 0 {
		req.Limit = defaultLogLimit
	}

	txns, err := s.reader.Log(c.Request.Context(), ir.TransactionID(req.After), req.Limit)
	if err != nil {
		s.fail(c, "read log", err)
		return
	}
	if txns == nil {
		txns = []ir.Transaction{}
	}

	resp := LogResponse{Transactions: txns}
	if len(txns) == req.Limit {
		resp.NextAfter = txns[len(txns)-1].ID
	}
	c.JSON(http.StatusOK, resp)
}

// HandleHealth handles GET /healthz.
func (s *Server) HandleHealth(c *gin.Context) {
	if s.pinger != nil {
		if err := s.pinger.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// bindEntity binds query parameters into req (which must embed or be an
// EntityQuery) and canonicalizes the key.
func (s *Server) bindEntity(c *gin.Context, req interface{ entityKey() string }) (string, ir.Key, bool) {
	if err := c.ShouldBindQuery(req); err != nil {
		badRequest(c, err)
		return "", "", false
	}
	key, err := ir.ParseKey(req.entityKey())
	if err != nil {
		badRequest(c, err)
		return "", "", false
	}
	return c.Param("type"), key, true
}

func (q *EntityQuery) entityKey() string { return q.Key }

func (s *Server) fail(c *gin.Context, op string, err error) {
	if ir.IsProtocolError(err) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: string(ir.ErrCodeProtocol)})
		return
	}
	s.logger.Error("query failed", "op", op, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}
