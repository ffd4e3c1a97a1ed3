package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"arbiter/internal/interrupt"
	"arbiter/internal/logging"
	"arbiter/internal/memory"
	"arbiter/internal/skills"
	"arbiter/internal/storage"
	"arbiter/internal/types"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	tokens, dollars := 0, 0.0
	if s.deps.Budget != nil {
		tokens, dollars = s.deps.Budget.Usage()
	}
	active := []string{}
	if s.deps.Orchestrator != nil {
		active = s.deps.Orchestrator.DAG().Active()
	}
	halted := []string{}
	if s.deps.Interrupts != nil {
		halted = s.deps.Interrupts.ListHalted()
	}
	c.JSON(http.StatusOK, gin.H{
		"running":     true,
		"model":       s.cfg.Model,
		"uptime":      time.Since(s.startTime).Seconds(),
		"activeTasks": active,
		"haltedTasks": halted,
		"usage":       gin.H{"tokens": tokens, "cost": dollars},
	})
}

func (s *Server) handleStop(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "stopping"})
	if s.deps.Shutdown != nil {
		go s.deps.Shutdown()
	}
}

type submitTasksRequest struct {
	Agent   string                 `json:"agent"`
	Company string                 `json:"company"`
	Tasks   []types.TaskDefinition `json:"tasks" binding:"required"`
}

func (s *Server) handleSubmitTasks(c *gin.Context) {
	var req submitTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Agent == "" {
		req.Agent = s.cfg.AgentID
	}
	if req.Company == "" {
		req.Company = s.cfg.CompanyID
	}
	ids, err := s.deps.Orchestrator.SubmitTasks(c.Request.Context(), req.Agent, req.Company, req.Tasks)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskIds": ids})
}

type taskStopRequest struct {
	Force bool `json:"force"`
}

func (s *Server) handleTaskStop(c *gin.Context) {
	id := c.Param("id")
	var req taskStopRequest
	_ = c.ShouldBindJSON(&req) // empty body is a non-forced stop

	message := "stopped via api"
	if req.Force {
		message = "force stopped via api"
	}
	s.deps.Interrupts.Halt(id, interrupt.ReasonUser, message)
	c.JSON(http.StatusOK, gin.H{"taskId": id, "halted": true, "force": req.Force})
}

func (s *Server) handleTaskResume(c *gin.Context) {
	id := c.Param("id")
	s.deps.Interrupts.Resume(id)
	// A resumed task re-enters the scheduler as pending.
	if s.deps.Orchestrator != nil {
		s.deps.Orchestrator.DAG().SetStatus(id, storage.TaskPending)
		s.deps.Orchestrator.ScheduleReady(c.Request.Context(), s.cfg.AgentID, s.cfg.CompanyID)
	}
	c.JSON(http.StatusOK, gin.H{"taskId": id, "resumed": true})
}

func (s *Server) handleTaskGet(c *gin.Context) {
	node, ok := s.deps.Orchestrator.DAG().Node(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, node)
}

func (s *Server) handleApprovalsPending(c *gin.Context) {
	rows, err := s.deps.Gate.Pending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []storage.ApprovalRow{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": rows})
}

type approvalResolveRequest struct {
	Approved   bool   `json:"approved"`
	ResolvedBy string `json:"resolvedBy"`
	Reason     string `json:"reason"`
	Correction string `json:"correction"`
}

func (s *Server) handleApprovalResolve(c *gin.Context) {
	var req approvalResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "human:api"
	}
	if err := s.deps.Gate.Resolve(c.Request.Context(), c.Param("id"), req.Approved, req.ResolvedBy, req.Reason, req.Correction); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": true})
}

func (s *Server) handleMemoryQuery(c *gin.Context) {
	q := c.Query("q")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "5"))
	matches, err := s.deps.Memory.Query(c.Request.Context(), q, c.Query("type"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if matches == nil {
		matches = []memory.Match{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

type memoryAddRequest struct {
	Type    string `json:"type"`
	Content string `json:"content" binding:"required"`
}

func (s *Server) handleMemoryAdd(c *gin.Context) {
	var req memoryAddRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry, err := s.deps.Memory.Add(c.Request.Context(), memory.Entry{Type: req.Type, Content: req.Content})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) handleMemoryGet(c *gin.Context) {
	entry, err := s.deps.Memory.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "memory entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleMemoryDelete(c *gin.Context) {
	if err := s.deps.Memory.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleSkillsList(c *gin.Context) {
	list, err := s.deps.Skills.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []skills.Skill{}
	}
	c.JSON(http.StatusOK, gin.H{"skills": list})
}

type skillInstallRequest struct {
	Source string `json:"source" binding:"required"`
	Name   string `json:"name"` // optional override of the manifest name
}

func (s *Server) handleSkillInstall(c *gin.Context) {
	var req skillInstallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	skill, err := s.deps.Skills.Install(req.Source, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, skill)
}

func (s *Server) handleSkillEnable(c *gin.Context) {
	s.skillStateChange(c, s.deps.Skills.Enable)
}

func (s *Server) handleSkillDisable(c *gin.Context) {
	s.skillStateChange(c, s.deps.Skills.Disable)
}

func (s *Server) skillStateChange(c *gin.Context, op func(string) error) {
	name := c.Param("name")
	if err := op(name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, skills.ErrNotInstalled) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "ok": true})
}

func (s *Server) handleSkillRemove(c *gin.Context) {
	s.skillStateChange(c, s.deps.Skills.Remove)
}

func (s *Server) handleLogs(c *gin.Context) {
	lines, _ := strconv.Atoi(c.DefaultQuery("lines", "200"))
	level := logging.ParseLevel(c.DefaultQuery("level", "debug"))
	entries := s.deps.LogRing.Fetch(lines, level, c.Query("taskId"))
	if entries == nil {
		entries = []logging.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": entries})
}

// handleLogStream serves the live log feed as Server-Sent Events.
func (s *Server) handleLogStream(c *gin.Context) {
	ch, cancel := s.deps.LogRing.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent("log", entry)
			c.Writer.Flush()
		}
	}
}
