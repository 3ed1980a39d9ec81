package web

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nicksnyder/go-i18n/v2/i18n"

	odi18n "optionsdesk/i18n"
)

// I18nMiddleware 解析请求的 Accept-Language 头并设置到上下文
func I18nMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		lang := parseAcceptLanguage(c.GetHeader("Accept-Language"))
		c.Set("language", lang)
		c.Set("localizer", odi18n.GetLocalizer(lang))
		c.Next()
	}
}

// parseAcceptLanguage 解析 Accept-Language 头
// 示例: "en-US,en;q=0.9,zh;q=0.8" -> "en-US"
func parseAcceptLanguage(acceptLang string) string {
	if acceptLang == "" {
		return odi18n.GetSystemLanguage()
	}

	first := strings.TrimSpace(strings.Split(acceptLang, ",")[0])
	if idx := strings.Index(first, ";"); idx != -1 {
		first = first[:idx]
	}
	return normalizeLanguage(strings.TrimSpace(first))
}

// normalizeLanguage 标准化语言代码，只区分已提供翻译的语言
func normalizeLanguage(lang string) string {
	lang = strings.ToLower(lang)
	switch {
	case strings.HasPrefix(lang, "en"):
		return "en-US"
	case strings.HasPrefix(lang, "zh"):
		return "zh-CN"
	default:
		return odi18n.GetSystemLanguage()
	}
}

// GetLocalizer 从上下文获取 Localizer
func GetLocalizer(c *gin.Context) *i18n.Localizer {
	if localizer, exists := c.Get("localizer"); exists {
		if l, ok := localizer.(*i18n.Localizer); ok && l != nil {
			return l
		}
	}
	return odi18n.GetLocalizer("")
}

// GetLanguage 从上下文获取语言
func GetLanguage(c *gin.Context) string {
	if lang, exists := c.Get("language"); exists {
		if l, ok := lang.(string); ok {
			return l
		}
	}
	return odi18n.GetSystemLanguage()
}

// T 翻译消息（从上下文获取语言）
func T(c *gin.Context, key string, data ...map[string]interface{}) string {
	return odi18n.TWithLang(GetLanguage(c), key, data...)
}
