package i18n

import (
	"embed"
	"fmt"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// SupportedLanguages 已提供翻译的语言
var SupportedLanguages = []string{"zh-CN", "en-US"}

var (
	bundle         *i18n.Bundle
	defaultLang    = "zh-CN"
	mu             sync.RWMutex
	systemLanguage string
)

// Init 初始化 i18n 系统
func Init(lang string) error {
	mu.Lock()
	defer mu.Unlock()

	if lang == "" {
		lang = defaultLang
	}
	systemLanguage = lang

	bundle = i18n.NewBundle(language.MustParse(defaultLang))
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	for _, l := range SupportedLanguages {
		filename := fmt.Sprintf("locales/%s.yaml", l)
		if _, err := bundle.LoadMessageFileFS(localeFS, filename); err != nil {
			return fmt.Errorf("加载翻译文件 %s 失败: %w", filename, err)
		}
	}
	return nil
}

// GetLocalizer 获取指定语言的 Localizer，未初始化时返回 nil
func GetLocalizer(lang string) *i18n.Localizer {
	mu.RLock()
	defer mu.RUnlock()

	if bundle == nil {
		return nil
	}
	if lang == "" {
		lang = systemLanguage
	}
	return i18n.NewLocalizer(bundle, lang, defaultLang)
}

// T 翻译消息（使用系统默认语言）
func T(key string, data ...map[string]interface{}) string {
	return TWithLang(GetSystemLanguage(), key, data...)
}

// TWithLang 翻译消息（指定语言），找不到翻译时返回 key
func TWithLang(lang string, key string, data ...map[string]interface{}) string {
	localizer := GetLocalizer(lang)
	if localizer == nil {
		return key
	}

	var templateData map[string]interface{}
	if len(data) > 0 {
		templateData = data[0]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
	if err != nil {
		return key
	}
	return msg
}

// SetSystemLanguage 设置系统默认语言
func SetSystemLanguage(lang string) {
	mu.Lock()
	defer mu.Unlock()
	systemLanguage = lang
}

// GetSystemLanguage 获取系统默认语言
func GetSystemLanguage() string {
	mu.RLock()
	defer mu.RUnlock()
	if systemLanguage == "" {
		return defaultLang
	}
	return systemLanguage
}
