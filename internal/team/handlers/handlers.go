// Package handlers exposes the team runtime over HTTP. The surface is
// RPC-style: every route is a POST with a JSON body carrying the workspace
// context.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/team/controller"
	"github.com/crewdeck/crewdeck/internal/team/dto"
)

// Handlers binds the team routes to the controller.
type Handlers struct {
	controller *controller.Controller
	log        *logger.Logger
}

// New builds the handler set.
func New(ctrl *controller.Controller, log *logger.Logger) *Handlers {
	return &Handlers{
		controller: ctrl,
		log:        log.WithFields(zap.String("component", "team-handlers")),
	}
}

// Register mounts the team surface on the router.
func Register(router *gin.Engine, ctrl *controller.Controller, log *logger.Logger) {
	h := New(ctrl, log)

	templates := router.Group("/teams/templates")
	templates.POST("/list", h.listTemplates)
	templates.POST("/get", h.getTemplate)
	templates.POST("/create", h.createTemplate)
	templates.POST("/update", h.updateTemplate)
	templates.POST("/duplicate", h.duplicateTemplate)
	templates.POST("/delete", h.deleteTemplate)

	teams := router.Group("/teams")
	teams.POST("/deploy", h.deploy)
	teams.POST("/deploy-pattern", h.deployPattern)
	teams.POST("/classify-stall", h.classifyStall)

	deployments := router.Group("/teams/deployments")
	deployments.POST("/list", h.listDeployments)
	deployments.POST("/redeploy", h.redeploy)
	deployments.POST("/rename", h.rename)
	deployments.POST("/assign-task", h.assignTarget)
	deployments.POST("/status", h.status)
	deployments.POST("/trigger", h.trigger)
	deployments.POST("/pause", h.pause)
	deployments.POST("/resume", h.resume)
	deployments.POST("/reset", h.reset)
	deployments.POST("/teardown", h.teardown)
	// Alias kept for workflow-centric clients.
	deployments.POST("/workflow/start", h.trigger)
}

// Templates.

func (h *Handlers) listTemplates(c *gin.Context) {
	var req dto.ListTemplatesRequest
	if !bind(c, &req) {
		return
	}
	templates, err := h.controller.ListTemplates(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates, "total": len(templates)})
}

func (h *Handlers) getTemplate(c *gin.Context) {
	var req dto.GetTemplateRequest
	if !bind(c, &req) {
		return
	}
	tpl, err := h.controller.GetTemplate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (h *Handlers) createTemplate(c *gin.Context) {
	var req dto.CreateTemplateRequest
	if !bind(c, &req) {
		return
	}
	tpl, err := h.controller.CreateTemplate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (h *Handlers) updateTemplate(c *gin.Context) {
	var req dto.UpdateTemplateRequest
	if !bind(c, &req) {
		return
	}
	tpl, err := h.controller.UpdateTemplate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tpl)
}

func (h *Handlers) duplicateTemplate(c *gin.Context) {
	var req dto.DuplicateTemplateRequest
	if !bind(c, &req) {
		return
	}
	tpl, err := h.controller.DuplicateTemplate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, tpl)
}

func (h *Handlers) deleteTemplate(c *gin.Context) {
	var req dto.DeleteTemplateRequest
	if !bind(c, &req) {
		return
	}
	if err := h.controller.DeleteTemplate(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Deploy.

func (h *Handlers) deploy(c *gin.Context) {
	var req dto.DeployRequest
	if !bind(c, &req) {
		return
	}
	resp, err := h.controller.Deploy(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) deployPattern(c *gin.Context) {
	var req dto.DeployPatternRequest
	if !bind(c, &req) {
		return
	}
	resp, err := h.controller.DeployPattern(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handlers) redeploy(c *gin.Context) {
	var req dto.RedeployRequest
	if !bind(c, &req) {
		return
	}
	resp, err := h.controller.Redeploy(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Deployment lifecycle.

func (h *Handlers) listDeployments(c *gin.Context) {
	var req dto.ListDeploymentsRequest
	if !bind(c, &req) {
		return
	}
	deployments, err := h.controller.ListDeployments(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": deployments, "total": len(deployments)})
}

func (h *Handlers) status(c *gin.Context) {
	var req dto.DeploymentRequest
	if !bind(c, &req) {
		return
	}
	resp, err := h.controller.Status(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) trigger(c *gin.Context)  { h.lifecycle(c, h.controller.Trigger, "triggered") }
func (h *Handlers) pause(c *gin.Context)    { h.lifecycle(c, h.controller.Pause, "paused") }
func (h *Handlers) resume(c *gin.Context)   { h.lifecycle(c, h.controller.Resume, "resumed") }
func (h *Handlers) reset(c *gin.Context)    { h.lifecycle(c, h.controller.Reset, "reset") }
func (h *Handlers) teardown(c *gin.Context) { h.lifecycle(c, h.controller.Teardown, "torn_down") }

func (h *Handlers) lifecycle(c *gin.Context, op func(ctx context.Context, req dto.DeploymentRequest) error, action string) {
	var req dto.DeploymentRequest
	if !bind(c, &req) {
		return
	}
	if err := op(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment_id": req.DeploymentID, "action": action})
}

func (h *Handlers) rename(c *gin.Context) {
	var req dto.RenameDeploymentRequest
	if !bind(c, &req) {
		return
	}
	if err := h.controller.Rename(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment_id": req.DeploymentID, "team_name": req.Name})
}

func (h *Handlers) assignTarget(c *gin.Context) {
	var req dto.AssignTargetRequest
	if !bind(c, &req) {
		return
	}
	if err := h.controller.AssignTarget(c.Request.Context(), req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployment_id": req.DeploymentID})
}

func (h *Handlers) classifyStall(c *gin.Context) {
	var req dto.ClassifyStallRequest
	if !bind(c, &req) {
		return
	}
	resp, err := h.controller.ClassifyStall(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}
