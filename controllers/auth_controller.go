package controllers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"facial-sync-service/internal/error/code"
	"facial-sync-service/internal/error/response"
	"facial-sync-service/models"
	"facial-sync-service/services"
	"facial-sync-service/services/container"
)

// InterfaceAuthController 定义认证控制器接口
type InterfaceAuthController interface {
	Login()
}

// AuthController 处理运维登录请求
type AuthController struct {
	Ctx       *gin.Context
	Container *container.ServiceContainer
}

// NewAuthController 创建一个新的认证控制器
func NewAuthController(ctx *gin.Context, container *container.ServiceContainer) *AuthController {
	return &AuthController{
		Ctx:       ctx,
		Container: container,
	}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required" example:"admin"`
	Password string `json:"password" binding:"required"`
}

// HandleAuthFunc 返回一个处理认证请求的Gin处理函数
func HandleAuthFunc(container *container.ServiceContainer, method string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		controller := NewAuthController(ctx, container)

		switch method {
		case "login":
			controller.Login()
		default:
			ctx.JSON(http.StatusBadRequest, gin.H{
				"code":    400,
				"message": "无效的方法",
				"data":    nil,
			})
		}
	}
}

// 1. Login 校验用户名密码并签发JWT令牌
// @Summary 运维登录
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "登录凭据"
// @Success 200 {object} response.Response
// @Router /auth/login [post]
func (c *AuthController) Login() {
	var req LoginRequest
	if err := c.Ctx.ShouldBindJSON(&req); err != nil {
		response.ParamError(c.Ctx, "无效的请求参数: "+err.Error())
		return
	}

	db := c.Container.GetDB()

	var admin models.Admin
	if err := db.Where("username = ?", req.Username).First(&admin).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			response.Fail(c.Ctx, code.ErrUserNotFound, nil)
			return
		}
		response.Fail(c.Ctx, code.ErrDatabase, nil)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.Password), []byte(req.Password)); err != nil {
		response.Fail(c.Ctx, code.ErrUserPasswordIncorrect, nil)
		return
	}

	jwtService := c.Container.GetService("jwt").(*services.JWTService)
	token, err := jwtService.GenerateToken(admin.ID, admin.Username)
	if err != nil {
		response.ServerError(c.Ctx)
		return
	}

	response.Success(c.Ctx, gin.H{
		"token":    token,
		"username": admin.Username,
	})
}
