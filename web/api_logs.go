package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"optionsdesk/liveerr"
	"optionsdesk/storage"
)

// LogReader 运行日志查询
type LogReader interface {
	Query(params storage.LogQueryParams) ([]*storage.LogRecord, int, error)
}

// SetLogReader 设置运行日志库，未设置时 /live/logs 返回 404
func (s *Server) SetLogReader(r LogReader) {
	s.logs = r
}

// getLogs GET /live/logs?level=&keyword=&since=&until=&limit=&offset=
func (s *Server) getLogs(c *gin.Context) {
	if s.logs == nil {
		respondError(c, &liveerr.NotFoundError{Object: "log storage", ID: "-"})
		return
	}

	params := storage.LogQueryParams{
		Level:   c.Query("level"),
		Keyword: c.Query("keyword"),
	}
	var err error
	if params.Since, err = parseTimeQuery(c, "since"); err != nil {
		respondError(c, err)
		return
	}
	if params.Until, err = parseTimeQuery(c, "until"); err != nil {
		respondError(c, err)
		return
	}
	if params.Limit, err = parseIntQuery(c, "limit"); err != nil {
		respondError(c, err)
		return
	}
	if params.Offset, err = parseIntQuery(c, "offset"); err != nil {
		respondError(c, err)
		return
	}

	logs, total, err := s.logs.Query(params)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs, "total": total})
}

func parseTimeQuery(c *gin.Context, name string) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, liveerr.NewValidation(name, "时间格式应为 RFC3339")
	}
	return t, nil
}

func parseIntQuery(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, liveerr.NewValidation(name, "必须是非负整数")
	}
	return n, nil
}
