package controller

import (
	"errors"
	"fmt"
	"listening_game_backend/internal/model"
	"listening_game_backend/internal/service"
	"listening_game_backend/internal/util"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// 与 AttemptRequest.IdempotencyKey 的 binding 上限一致
const maxIdempotencyKeyLen = 128

// GameController 听力游戏会话与回合接口
type GameController struct {
	SessionService *service.SessionService
}

func NewGameController(sessionService *service.SessionService) *GameController {
	return &GameController{SessionService: sessionService}
}

// bindError 把绑定/校验失败转换成带逐字段诊断的 BadRequest
func bindError(ctx *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[strings.ToLower(fe.Field())] = fe.Tag()
		}
		appErr := util.NewError(util.KindBadRequest, "request validation failed")
		appErr.Fields = fields
		util.RespondError(ctx, appErr)
		return
	}
	util.BadRequest(ctx, err.Error())
}

func currentUser(ctx *gin.Context) (string, bool) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return "", false
	}
	return user.UserID, true
}

func roundNumber(ctx *gin.Context) (int, bool) {
	n := util.ParsePositiveInt(ctx.Param("n"))
	if n == 0 {
		util.BadRequest(ctx, "round number must be a positive integer")
		return 0, false
	}
	return n, true
}

// CreateSession godoc
// @Summary 创建听力会话
// @Description 创建会话及其配置，状态为 pending
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param request body service.CreateSessionRequest true "会话配置"
// @Success 200 {object} util.Response "成功"
// @Failure 400 {object} util.ErrorResponse "配置不合法"
// @Router /listening/sessions [post]
func (c *GameController) CreateSession(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req service.CreateSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		bindError(ctx, err)
		return
	}

	session, err := c.SessionService.Create(ctx.Request.Context(), userID, req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Created(ctx, session)
}

// ListSessions godoc
// @Summary 会话列表
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param status query string false "按状态过滤"
// @Param page query int false "页码"
// @Param limit query int false "每页数量"
// @Success 200 {object} util.Response "成功"
// @Router /listening/sessions [get]
func (c *GameController) ListSessions(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	page := util.ParsePositiveInt(ctx.DefaultQuery("page", "1"))
	limit := util.ParsePositiveInt(ctx.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	status := model.SessionStatus(ctx.Query("status"))

	sessions, total, err := c.SessionService.List(ctx.Request.Context(), userID, status, page, limit)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, util.PageResponse{
		List:  sessions,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

// GetSession godoc
// @Summary 会话详情
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Failure 404 {object} util.ErrorResponse "会话不存在"
// @Router /listening/sessions/{id} [get]
func (c *GameController) GetSession(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	session, err := c.SessionService.Get(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, session)
}

// UpdateSession godoc
// @Summary 更新会话
// @Description 支持 name / status / config；config 仅在 pending 时可改
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Param request body service.UpdateSessionRequest true "更新内容"
// @Success 200 {object} util.Response "成功"
// @Failure 409 {object} util.ErrorResponse "会话已结束"
// @Failure 423 {object} util.ErrorResponse "会话已暂停"
// @Router /listening/sessions/{id} [patch]
func (c *GameController) UpdateSession(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	var req service.UpdateSessionRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		bindError(ctx, err)
		return
	}

	session, err := c.SessionService.Update(ctx.Request.Context(), userID, ctx.Param("id"), req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, session)
}

// CancelSession godoc
// @Summary 取消会话
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /listening/sessions/{id}/cancel [post]
func (c *GameController) CancelSession(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	session, err := c.SessionService.Cancel(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, session)
}

// DeleteSession godoc
// @Summary 删除会话
// @Description 连同回合与提交记录一并删除，挑战保留
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /listening/sessions/{id} [delete]
func (c *GameController) DeleteSession(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	if err := c.SessionService.Delete(ctx.Request.Context(), userID, ctx.Param("id")); err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"deleted": true})
}

// StartSession godoc
// @Summary 开始或恢复会话
// @Description 准备并下发当前回合，后台预取后续回合
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /listening/sessions/{id}/start [post]
func (c *GameController) StartSession(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	session, round, err := c.SessionService.Start(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{
		"session": session,
		"round":   round,
	})
}

// GetCurrentRound godoc
// @Summary 当前回合
// @Description 返回挑战音频与题面，不含答案
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /listening/sessions/{id}/rounds/current [get]
func (c *GameController) GetCurrentRound(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	view, err := c.SessionService.GetCurrentRound(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, view)
}

// SubmitAttempt godoc
// @Summary 提交作答
// @Description 幂等键可放在 Idempotency-Key 头或请求体，头优先
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Param n path int true "回合序号"
// @Param Idempotency-Key header string false "幂等键"
// @Param request body service.AttemptRequest true "作答"
// @Success 200 {object} util.Response "成功"
// @Failure 400 {object} util.ErrorResponse "作答格式不合法或幂等键过长"
// @Failure 409 {object} util.ErrorResponse "幂等键冲突"
// @Router /listening/sessions/{id}/rounds/{n}/attempt [post]
func (c *GameController) SubmitAttempt(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	n, ok := roundNumber(ctx)
	if !ok {
		return
	}

	var req service.AttemptRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		bindError(ctx, err)
		return
	}
	if key := strings.TrimSpace(ctx.GetHeader("Idempotency-Key")); key != "" {
		if len(key) > maxIdempotencyKeyLen {
			util.BadRequest(ctx, fmt.Sprintf("Idempotency-Key must be at most %d characters", maxIdempotencyKeyLen))
			return
		}
		req.IdempotencyKey = key
	}

	result, err := c.SessionService.SubmitAttempt(ctx.Request.Context(), userID, ctx.Param("id"), n, req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// RegisterReplay godoc
// @Summary 登记重播
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Param n path int true "回合序号"
// @Success 200 {object} util.Response "成功"
// @Router /listening/sessions/{id}/rounds/{n}/replay [post]
func (c *GameController) RegisterReplay(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}
	n, ok := roundNumber(ctx)
	if !ok {
		return
	}

	result, err := c.SessionService.RegisterReplay(ctx.Request.Context(), userID, ctx.Param("id"), n)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// Advance godoc
// @Summary 进入下一回合
// @Description 最后一回合后会话结束
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Failure 409 {object} util.ErrorResponse "当前回合尚未作答"
// @Router /listening/sessions/{id}/advance [post]
func (c *GameController) Advance(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	result, err := c.SessionService.Advance(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, result)
}

// Summary godoc
// @Summary 会话总结
// @Tags 听力游戏
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param id path string true "会话ID"
// @Success 200 {object} util.Response "成功"
// @Router /listening/sessions/{id}/summary [get]
func (c *GameController) Summary(ctx *gin.Context) {
	userID, ok := currentUser(ctx)
	if !ok {
		return
	}

	summary, err := c.SessionService.Summary(ctx.Request.Context(), userID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, summary)
}
