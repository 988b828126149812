package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gridagent/internal/config"
	"github.com/mbd888/gridagent/internal/logging"
)

type configResponse struct {
	RawJSON     string `json:"rawJson"`
	IfMatchHash string `json:"ifMatchHash"`
	ConfigPath  string `json:"configPath"`
	UpdatedAtMs int64  `json:"updatedAtMs"`
}

type configUpdateRequest struct {
	RawJSON     string `json:"rawJson"`
	IfMatchHash string `json:"ifMatchHash"`
}

func (s *Server) getConfigHandler(c *gin.Context) {
	s.cfgMu.Lock()
	resp := configResponse{
		RawJSON:     string(s.raw),
		IfMatchHash: s.hash,
		ConfigPath:  s.configPath,
		UpdatedAtMs: s.updatedAt.UnixMilli(),
	}
	s.cfgMu.Unlock()
	c.JSON(http.StatusOK, resp)
}

// postConfigHandler applies a dashboard edit. The edit carries the hash
// of the config it was based on; a mismatch means someone else saved in
// between and the client must re-fetch.
func (s *Server) postConfigHandler(c *gin.Context) {
	var req configUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	raw := []byte(req.RawJSON)
	cfg, errs := config.Parse(raw)
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errors": errs})
		return
	}

	s.cfgMu.Lock()
	if req.IfMatchHash != s.hash {
		current := s.hash
		s.cfgMu.Unlock()
		c.JSON(http.StatusConflict, gin.H{
			"error":       "stale_config",
			"message":     "The config changed since it was loaded",
			"currentHash": current,
		})
		return
	}
	if err := config.Save(s.configPath, raw); err != nil {
		s.cfgMu.Unlock()
		logging.L(c.Request.Context()).Error("config save failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "save_failed",
			"message": "Could not write the config file",
		})
		return
	}
	s.raw = raw
	s.hash = config.Hash(raw)
	s.updatedAt = nowUTC()
	resp := configResponse{
		RawJSON:     req.RawJSON,
		IfMatchHash: s.hash,
		ConfigPath:  s.configPath,
		UpdatedAtMs: s.updatedAt.UnixMilli(),
	}
	s.cfgMu.Unlock()

	if s.onConfig != nil {
		s.onConfig(cfg)
	}
	logging.L(c.Request.Context()).Info("config updated", "hash", resp.IfMatchHash)
	c.JSON(http.StatusOK, resp)
}
