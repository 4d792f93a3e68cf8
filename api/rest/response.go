package rest

import (
	"github.com/gofiber/fiber/v2"
)

// Response 统一响应结构
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// 响应码定义
const (
	CodeSuccess     = 0
	CodeError       = -1
	CodeBadRequest  = 400
	CodeNotFound    = 404
	CodeConflict    = 409
	CodeServerError = 500
)

// 响应消息定义
const (
	MsgSuccess     = "success"
	MsgNotFound    = "not found"
	MsgServerError = "server error"
)

// Success 成功响应
func Success(c *fiber.Ctx, data any) error {
	return c.JSON(Response{
		Code:    CodeSuccess,
		Message: MsgSuccess,
		Data:    data,
	})
}

// Fail 错误响应，HTTP 状态码与业务码一致
func Fail(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(Response{
		Code:    status,
		Message: message,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *fiber.Ctx, message string) error {
	return Fail(c, fiber.StatusBadRequest, message)
}

// NotFound 未找到响应
func NotFound(c *fiber.Ctx, message string) error {
	if message == "" {
		message = MsgNotFound
	}
	return Fail(c, fiber.StatusNotFound, message)
}

// ServerError 服务器错误响应
func ServerError(c *fiber.Ctx, message string) error {
	if message == "" {
		message = MsgServerError
	}
	return Fail(c, fiber.StatusInternalServerError, message)
}
