package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"optionsdesk/liveerr"
	"optionsdesk/logger"
)

// respondError 按错误类型映射状态码，消息按请求语言本地化
func respondError(c *gin.Context, err error) {
	status, key, data := classify(err)
	if status >= http.StatusInternalServerError {
		logger.Error("❌ %s %s 处理失败: %v", c.Request.Method, c.Request.URL.Path, err)
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{
		"error":   key,
		"message": T(c, key, data),
		"detail":  err.Error(),
	})
}

func classify(err error) (int, string, map[string]interface{}) {
	var (
		validation *liveerr.ValidationError
		running    *liveerr.AlreadyRunningError
		invalid    *liveerr.InvalidStateError
		rejection  *liveerr.BrokerRejection
		notFound   *liveerr.NotFoundError
	)
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, "error.validation", map[string]interface{}{"Detail": validation.Error()}
	case errors.As(err, &running):
		return http.StatusConflict, "error.already_running", map[string]interface{}{"Broker": running.Broker}
	case errors.As(err, &invalid):
		return http.StatusConflict, "error.invalid_state", map[string]interface{}{
			"Object": invalid.Object, "ID": invalid.ID, "State": invalid.State, "Op": invalid.Op,
		}
	case errors.As(err, &rejection):
		return http.StatusUnprocessableEntity, "error.broker_rejected", map[string]interface{}{"Reason": rejection.Reason}
	case errors.As(err, &notFound):
		return http.StatusNotFound, "error.not_found", map[string]interface{}{"Object": notFound.Object, "ID": notFound.ID}
	}
	return http.StatusInternalServerError, "error.internal", map[string]interface{}{"Detail": err.Error()}
}

// bindJSON 解析请求体，失败时按校验错误返回
func bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		respondError(c, liveerr.NewValidation("body", err.Error()))
		return false
	}
	return true
}
