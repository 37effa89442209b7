package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"AutoTip/internal/agent"
	"AutoTip/internal/auth"
	"AutoTip/internal/event"
	"AutoTip/internal/execution"
)

func owner(c *gin.Context) string {
	return auth.OwnerID(c.Request.Context())
}

func (s *Server) createAgent(c *gin.Context) {
	var in agent.CreateAgentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	ag, err := s.agents.CreateAgent(c.Request.Context(), owner(c), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ag)
}

func (s *Server) listAgents(c *gin.Context) {
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	opts := []agent.ListOption{agent.WithOwner(owner(c)), agent.WithLimit(limit), agent.WithOffset(offset)}
	if raw := c.Query("status"); raw != "" {
		var statuses []agent.Status
		for _, part := range strings.Split(raw, ",") {
			status := agent.Status(strings.TrimSpace(part))
			if !agent.IsValidStatus(status) {
				badRequest(c, "unknown agent status "+part)
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, agent.WithStatuses(statuses...))
	}
	list, err := s.agents.List(c.Request.Context(), opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list})
}

func (s *Server) getAgent(c *gin.Context) {
	ag, err := s.agents.Get(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ag)
}

func (s *Server) updateAgent(c *gin.Context) {
	var in agent.UpdateAgentInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	ag, err := s.agents.UpdateAgent(c.Request.Context(), owner(c), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ag)
}

func (s *Server) deleteAgent(c *gin.Context) {
	if err := s.agents.DeleteAgent(c.Request.Context(), owner(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createRule(c *gin.Context) {
	var in agent.RuleInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err.Error())
		return
	}
	rule, err := s.agents.CreateRule(c.Request.Context(), owner(c), c.Param("id"), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	var patch agent.RulePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		badRequest(c, err.Error())
		return
	}
	rule, err := s.agents.UpdateRule(c.Request.Context(), owner(c), c.Param("id"), c.Param("ruleId"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (s *Server) deleteRule(c *gin.Context) {
	if err := s.agents.DeleteRule(c.Request.Context(), owner(c), c.Param("id"), c.Param("ruleId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listExecutions(c *gin.Context) {
	ag, err := s.agents.Get(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	limit, offset, ok := pagination(c)
	if !ok {
		return
	}
	opts := []execution.ListOption{execution.WithAgent(ag.ID), execution.WithLimit(limit), execution.WithOffset(offset)}
	if raw := c.Query("status"); raw != "" {
		var statuses []execution.Status
		for _, part := range strings.Split(raw, ",") {
			status := execution.Status(strings.TrimSpace(part))
			if !execution.IsValidStatus(status) {
				badRequest(c, "unknown execution status "+part)
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, execution.WithStatuses(statuses...))
	}
	if c.Query("order") == "asc" {
		opts = append(opts, execution.WithSortOrder(execution.SortByCreatedAsc))
	}
	list, err := s.executions.List(c.Request.Context(), opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": list})
}

func (s *Server) agentStats(c *gin.Context) {
	ag, err := s.agents.Get(c.Request.Context(), owner(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	stats, err := s.executions.Stats(c.Request.Context(), execution.WithAgent(ag.ID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": ag.Stats, "executions": stats})
}

func (s *Server) getExecution(c *gin.Context) {
	exec, err := s.executions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	// 其他调用者的执行按不存在处理。
	if _, err := s.agents.Get(c.Request.Context(), owner(c), exec.AgentID); err != nil {
		writeError(c, execution.ErrExecutionNotFound)
		return
	}
	c.JSON(http.StatusOK, exec)
}

func (s *Server) dispatchEvent(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	ev, err := event.Parse(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": errorBody{Code: "INVALID_EVENT", Message: err.Error()}})
		return
	}
	report, err := s.events.HandleEvent(c.Request.Context(), ev)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, report)
}

func pagination(c *gin.Context) (int, int, bool) {
	limit, offset := 0, 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			badRequest(c, "limit must be a non-negative integer")
			return 0, 0, false
		}
		limit = v
	}
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			badRequest(c, "offset must be a non-negative integer")
			return 0, 0, false
		}
		offset = v
	}
	return limit, offset, true
}
