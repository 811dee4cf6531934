package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/slippi-broadcast/internal/app"
	"github.com/weiawesome/slippi-broadcast/internal/domain"
	"github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/response"
)

// CredentialRequest carries the relay password for connecting commands.
type CredentialRequest struct {
	Password string `json:"password"`
}

// bindCredential accepts an empty body as an empty password.
func bindCredential(c *gin.Context) (string, bool) {
	var req CredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, err.Error())
		return "", false
	}
	return req.Password, true
}

// finish waits for a command and writes its outcome. If the client goes away
// first the command keeps running.
func finish[T any](c *gin.Context, p *app.Pending[T], command string) {
	v, err := p.Wait(c.Request.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
			return
		}
		writeError(c, command, err)
		return
	}
	response.Success(c, v)
}

func writeError(c *gin.Context, command string, err error) {
	l := log.Ctx(c.Request.Context())

	switch {
	case errors.Is(err, domain.ErrAuthRejected):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, domain.ErrUnknownBroadcast):
		response.Error(c, http.StatusNotFound, "UNKNOWN_BROADCAST", err.Error())
	case errors.Is(err, app.ErrNotWatching):
		response.NotFound(c, err.Error())
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, context.Canceled):
		response.Conflict(c, err.Error())
	case errors.Is(err, domain.ErrUnreachable):
		response.BadGateway(c, err.Error())
	case errors.Is(err, domain.ErrTimeout):
		response.GatewayTimeout(c, err.Error())
	case errors.Is(err, domain.ErrLocalSourceFailure):
		response.Error(c, http.StatusServiceUnavailable, "SOURCE_UNAVAILABLE", err.Error())
	default:
		l.Error().Err(err).Str(log.FieldOperation, command).Msg("command failed")
		response.InternalError(c, err.Error())
	}
}

// GetBroadcast returns the broadcast session state.
func (s *Server) GetBroadcast(c *gin.Context) {
	response.Success(c, s.app.BroadcastState())
}

// StartBroadcast starts broadcasting with the posted password.
func (s *Server) StartBroadcast(c *gin.Context) {
	password, ok := bindCredential(c)
	if !ok {
		return
	}
	finish(c, s.app.StartBroadcast(password), app.CmdStartBroadcast)
}

// StopBroadcast stops the broadcast.
func (s *Server) StopBroadcast(c *gin.Context) {
	finish(c, s.app.StopBroadcast(), app.CmdStopBroadcast)
}

// InitSpectate connects the spectate session.
func (s *Server) InitSpectate(c *gin.Context) {
	password, ok := bindCredential(c)
	if !ok {
		return
	}
	finish(c, s.app.InitSpectate(password), app.CmdInitSpectate)
}

// RefreshBroadcasts reloads the viewable broadcasts.
func (s *Server) RefreshBroadcasts(c *gin.Context) {
	password, ok := bindCredential(c)
	if !ok {
		return
	}
	finish(c, s.app.RefreshBroadcasts(password), app.CmdRefreshBroadcasts)
}

// ListBroadcasts returns the spectate session state without contacting the
// relay.
func (s *Server) ListBroadcasts(c *gin.Context) {
	response.Success(c, s.app.SpectateState())
}

// WatchResponse describes an opened watch.
type WatchResponse struct {
	BroadcastID string `json:"broadcast_id"`
}

// WatchBroadcast opens a watch on a listed broadcast.
func (s *Server) WatchBroadcast(c *gin.Context) {
	id := c.Param("id")
	h, err := s.app.WatchBroadcast(id).Wait(c.Request.Context())
	if err != nil {
		writeError(c, app.CmdWatchBroadcast, err)
		return
	}
	response.Success(c, WatchResponse{BroadcastID: h.BroadcastID()})
}

// UnwatchBroadcast closes a watch.
func (s *Server) UnwatchBroadcast(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.app.UnwatchBroadcast(id).Wait(c.Request.Context()); err != nil {
		writeError(c, app.CmdUnwatchBroadcast, err)
		return
	}
	response.Success(c, WatchResponse{BroadcastID: id})
}
