package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"troupe-main/src/internal/campaigns"
	"troupe-main/src/internal/channels"
	"troupe-main/src/internal/cron"
	"troupe-main/src/internal/entry"
	"troupe-main/src/internal/gateway"
	"troupe-main/src/internal/matcher"
	"troupe-main/src/internal/script"
	"troupe-main/src/internal/storage"

	"github.com/gin-gonic/gin"
)

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	var me *matcher.MatchError
	switch {
	case errors.Is(err, script.ErrNotFound), errors.Is(err, entry.ErrNotFound),
		errors.Is(err, storage.ErrNotFound), errors.Is(err, gateway.ErrUnknownScript),
		errors.Is(err, channels.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, campaigns.ErrInvalidPlan), errors.Is(err, script.ErrInvalidScript),
		errors.Is(err, entry.ErrInvalidRoles), errors.Is(err, entry.ErrInvalidRhythm),
		errors.Is(err, cron.ErrInvalidSchedule):
		return http.StatusBadRequest
	case errors.As(err, &me), errors.Is(err, gateway.ErrPartialMatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, script.ErrNotRunning), errors.Is(err, script.ErrAlreadyRunning),
		errors.Is(err, script.ErrNotPaused), errors.Is(err, script.ErrNothingWaiting),
		errors.Is(err, entry.ErrBadState), errors.Is(err, gateway.ErrConversationExists):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func (s *Server) handleLaunchPlan(c *gin.Context) {
	var plan campaigns.Plan
	if err := c.ShouldBindJSON(&plan); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gw := c.MustGet("gateway").(*gateway.Gateway)
	launch, err := gw.LaunchPlan(c.Request.Context(), plan)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, launch)
}

type matchRequest struct {
	Roles  []matcher.Role  `json:"roles"`
	Policy *matcher.Policy `json:"policy,omitempty"`
}

func (s *Server) handleMatch(c *gin.Context) {
	var req matchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gw := c.MustGet("gateway").(*gateway.Gateway)
	res, err := gw.Match(c.Request.Context(), req.Roles, req.Policy)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "complete": res.Complete(), "degraded": res.Degraded()})
}

func (s *Server) handleListScripts(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.JSON(http.StatusOK, gw.ListScripts())
}

func (s *Server) handleGetScript(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	sc, ok := gw.Script(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "script not found"})
		return
	}
	c.JSON(http.StatusOK, sc)
}

// handlePutScript accepts a script as JSON, or as YAML when the content type
// says so.
func (s *Server) handlePutScript(c *gin.Context) {
	var sc *script.Script
	if strings.Contains(c.ContentType(), "yaml") {
		data, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if sc, err = script.ParseYAML(data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		sc = new(script.Script)
		if err := c.ShouldBindJSON(sc); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if sc.ID == "" {
		sc.ID = c.Param("id")
	}
	if sc.ID != c.Param("id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "script id does not match the path"})
		return
	}

	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.SaveScript(sc); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sc)
}

func (s *Server) handleDeleteScript(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.DeleteScript(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "script deleted"})
}

func (s *Server) handleListConversations(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	list := gw.Machine.List()
	if status := c.Query("status"); status != "" {
		filtered := list[:0]
		for _, st := range list {
			if string(st.Status) == status {
				filtered = append(filtered, st)
			}
		}
		list = filtered
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetConversation(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	id := c.Param("id")
	st, err := gw.Machine.State(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":      st,
		"transcript": gw.Transcripts.Lines(id),
		"pending":    gw.Scheduler.Pending(id),
	})
}

func (s *Server) handleConversationEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	gw := c.MustGet("gateway").(*gateway.Gateway)
	evts, err := gw.History.Events(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	sent, err := gw.History.Tasks(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "tasks": sent})
}

func (s *Server) handleCancelConversation(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.CancelConversation(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePauseConversation(c *gin.Context) {
	var req pauseRequest
	// the body is optional
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "paused by operator"
	}
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.Machine.Pause(c.Param("id"), req.Reason); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) handleResumeConversation(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.Machine.Resume(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "running"})
}

func (s *Server) handleTriggerStage(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.Machine.TriggerStage(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "triggered"})
}

type messageRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.PostMessage(c.Request.Context(), c.Param("id"), req.Text); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "delivered"})
}

func (s *Server) handleListSessions(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.JSON(http.StatusOK, gw.Entries.List())
}

func (s *Server) handleGetSession(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	sess, err := gw.Entries.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleStopSession(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.StopSession(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleStats(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	c.JSON(http.StatusOK, gw.Stats())
}

type campaignRequest struct {
	Name           string         `json:"name" binding:"required"`
	CronExpression string         `json:"cron_expression" binding:"required"`
	Plan           campaigns.Plan `json:"plan"`
	Active         *bool          `json:"active,omitempty"`
}

type campaignResponse struct {
	*campaigns.Campaign
	NextRun string `json:"next_run,omitempty"`
}

func (s *Server) withNextRun(gw *gateway.Gateway, cp *campaigns.Campaign) campaignResponse {
	res := campaignResponse{Campaign: cp}
	if next, ok := gw.NextCampaignRun(cp.ID); ok && !next.IsZero() {
		res.NextRun = next.Format(time.RFC3339)
	}
	return res
}

func (s *Server) handleListCampaigns(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	list, err := gw.ListCampaigns()
	if err != nil {
		fail(c, err)
		return
	}
	res := make([]campaignResponse, 0, len(list))
	for _, cp := range list {
		res = append(res, s.withNextRun(gw, cp))
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleGetCampaign(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	cp, err := gw.GetCampaign(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.withNextRun(gw, cp))
}

func (s *Server) handleCreateCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gw := c.MustGet("gateway").(*gateway.Gateway)
	cp := campaigns.New(req.Name, req.CronExpression, req.Plan, gw.Now())
	if req.Active != nil {
		cp.Active = *req.Active
	}
	if err := gw.SaveCampaign(cp); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.withNextRun(gw, cp))
}

func (s *Server) handleUpdateCampaign(c *gin.Context) {
	var req campaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	gw := c.MustGet("gateway").(*gateway.Gateway)
	cp, err := gw.GetCampaign(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	cp.Name = req.Name
	cp.CronExpression = req.CronExpression
	cp.Plan = req.Plan
	if req.Active != nil {
		cp.Active = *req.Active
	}
	if err := gw.SaveCampaign(cp); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.withNextRun(gw, cp))
}

func (s *Server) handleDeleteCampaign(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	if err := gw.DeleteCampaign(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "campaign deleted"})
}

func (s *Server) handleRunCampaign(c *gin.Context) {
	gw := c.MustGet("gateway").(*gateway.Gateway)
	conv, err := gw.RunCampaign(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": conv})
}
