package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/drovergrid/drover/pkg/errdefs"
)

type registerRequest struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	IPAddress           string `json:"ipAddress"`
	HardwareFingerprint string `json:"hardwareFingerprint"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("invalid request body: %w", errdefs.ErrInvalidArgument))
		return
	}

	node, token, err := s.registry.Register(c.Request.Context(), req.ID, req.Name, req.IPAddress, req.HardwareFingerprint)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"nodeId": node.ID, "token": token})
}

type loginRequest struct {
	NodeID              string `json:"nodeId"`
	HardwareFingerprint string `json:"hardwareFingerprint"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("invalid request body: %w", errdefs.ErrInvalidArgument))
		return
	}

	verr := errdefs.NewValidationError()
	if req.NodeID == "" {
		verr.Add("nodeId", "must not be empty")
	}
	if req.HardwareFingerprint == "" {
		verr.Add("hardwareFingerprint", "must not be empty")
	}
	if err := verr.Err(); err != nil {
		writeError(c, err)
		return
	}

	_, token, err := s.registry.Login(c.Request.Context(), req.NodeID, req.HardwareFingerprint)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token})
}

type heartbeatRequest struct {
	NodeID string `json:"nodeId"`
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NodeID == "" {
		writeError(c, errdefs.NewValidationError().Add("nodeId", "must not be empty").Err())
		return
	}
	if !requireActor(c, req.NodeID) {
		return
	}

	if _, err := s.registry.Heartbeat(c.Request.Context(), req.NodeID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListNodes(c *gin.Context) {
	ctx := c.Request.Context()

	if raw := c.Query("available"); raw != "" {
		want, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, errdefs.NewValidationError().Add("available", "must be a boolean").Err())
			return
		}
		if want {
			nodes, err := s.registry.ListAvailable(ctx)
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, nodes)
			return
		}
	}

	nodes, err := s.registry.ListAll(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nodes)
}
