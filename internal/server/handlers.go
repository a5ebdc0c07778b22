package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"missionctl/internal/automation"
	"missionctl/internal/mission"
)

// APIResponse is the uniform response envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mission.ErrMissionNotFound),
		errors.Is(err, automation.ErrAutomationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mission.ErrNotResumable),
		errors.Is(err, mission.ErrInvalidStatus):
		status = http.StatusConflict
	}
	c.JSON(status, APIResponse{Success: false, Error: err.Error()})
}

func respondBadRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, APIResponse{Success: false, Error: msg})
}

func (s *Server) handleHealth(c *gin.Context) {
	respondOK(c, gin.H{
		"status":   "ok",
		"uptime":   time.Since(s.startTime).String(),
		"backends": s.registry.Names(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	missions, err := s.manager.Store().ListMissions()
	if err != nil {
		respondError(c, err)
		return
	}
	byStatus := map[string]int{}
	for _, m := range missions {
		byStatus[string(m.Status)]++
	}
	published, dropped, subscribers := s.manager.Bus().Stats()
	respondOK(c, gin.H{
		"missions":           len(missions),
		"missions_by_status": byStatus,
		"queue_depth":        s.sched.QueueDepth(),
		"slots":              s.sched.SlotCount(),
		"running":            len(s.sched.Running()),
		"events_published":   published,
		"events_dropped":     dropped,
		"stream_subscribers": subscribers,
	})
}

func (s *Server) handleRunning(c *gin.Context) {
	respondOK(c, gin.H{"running": s.sched.Running()})
}

type createMissionRequest struct {
	Title         string `json:"title"`
	Backend       string `json:"backend"`
	ModelOverride string `json:"model_override"`
	Workspace     string `json:"workspace"`
}

func (s *Server) handleCreateMission(c *gin.Context) {
	var req createMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	m, err := s.manager.Create(mission.CreateOptions{
		Title:         req.Title,
		Backend:       req.Backend,
		ModelOverride: req.ModelOverride,
		Workspace:     req.Workspace,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, m)
}

func (s *Server) handleListMissions(c *gin.Context) {
	missions, err := s.manager.Store().ListMissions()
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"missions": missions})
}

func (s *Server) handleGetMission(c *gin.Context) {
	m, err := s.manager.Store().GetMission(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, m)
}

func (s *Server) handleDeleteMission(c *gin.Context) {
	if err := s.manager.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"deleted": true})
}

func (s *Server) handleCancelMission(c *gin.Context) {
	if err := s.manager.Cancel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"cancelled": true})
}

func (s *Server) handleResumeMission(c *gin.Context) {
	result, err := s.manager.Resume(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handleSetStatus(c *gin.Context) {
	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "status is required")
		return
	}
	m, err := s.manager.SetStatus(c.Param("id"), mission.Status(req.Status), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, m)
}

func (s *Server) handleMissionEvents(c *gin.Context) {
	missionID := c.Param("id")
	if _, err := s.manager.Store().GetMission(missionID); err != nil {
		respondError(c, err)
		return
	}

	after, _ := strconv.ParseUint(c.DefaultQuery("after", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	evts, err := s.manager.Store().ReadEvents(missionID, after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"events": evts})
}

type controlMessageRequest struct {
	MissionID     string `json:"mission_id"`
	Content       string `json:"content" binding:"required"`
	ModelOverride string `json:"model"`
	Backend       string `json:"backend"`
	Priority      int    `json:"priority"`
}

func (s *Server) handleControlMessage(c *gin.Context) {
	var req controlMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "content is required")
		return
	}
	result, err := s.manager.Submit(req.MissionID, req.Content, req.ModelOverride, req.Backend, req.Priority)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, result)
}

type createAutomationRequest struct {
	CommandSource automation.CommandSource `json:"command_source"`
	Trigger       automation.Trigger       `json:"trigger"`
	Variables     map[string]string        `json:"variables"`
	Active        *bool                    `json:"active"`
	FreshSession  bool                     `json:"fresh_session"`
}

func (s *Server) handleCreateAutomation(c *gin.Context) {
	var req createAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	a, err := s.engine.Create(&automation.Automation{
		MissionID:     c.Param("id"),
		CommandSource: req.CommandSource,
		Trigger:       req.Trigger,
		Variables:     req.Variables,
		Active:        active,
		FreshSession:  req.FreshSession,
	})
	if err != nil {
		if errors.Is(err, mission.ErrMissionNotFound) {
			respondError(c, err)
		} else {
			respondBadRequest(c, err.Error())
		}
		return
	}
	respondOK(c, a)
}

func (s *Server) handleListAutomations(c *gin.Context) {
	if _, err := s.manager.Store().GetMission(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	automations, err := s.engine.List(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"automations": automations})
}

func (s *Server) handleUpdateAutomation(c *gin.Context) {
	var patch automation.UpdatePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	a, err := s.engine.Update(c.Param("id"), patch)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, a)
}

func (s *Server) handleDeleteAutomation(c *gin.Context) {
	if err := s.engine.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"deleted": true})
}

func (s *Server) handleListExecutions(c *gin.Context) {
	executions, err := s.engine.Executions(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"executions": executions})
}

type fireAutomationRequest struct {
	Variables map[string]string `json:"variables"`
}

func (s *Server) handleFireAutomation(c *gin.Context) {
	var req fireAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		respondBadRequest(c, "invalid request body: "+err.Error())
		return
	}
	exec, err := s.engine.FireByID(c.Param("id"), req.Variables)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, exec)
}

type webhookRequest struct {
	Variables map[string]string `json:"variables"`
	Event     map[string]any    `json:"event"`
}

func (s *Server) handleWebhook(c *gin.Context) {
	var req webhookRequest
	// A missing or malformed body is fine; the payload is optional.
	_ = c.ShouldBindJSON(&req)

	status, exec := s.engine.HandleWebhook(c.Param("mission_id"), c.Param("webhook_id"), req.Event, req.Variables)
	switch status {
	case http.StatusNotFound:
		c.JSON(http.StatusNotFound, APIResponse{Success: false, Error: "not found"})
	case http.StatusOK:
		respondOK(c, exec)
	default:
		c.JSON(status, APIResponse{Success: false, Error: "automation execution failed"})
	}
}
