package config

import (
	"fmt"
	"reflect"
	"strings"
)

// ChangeType 变更类型
type ChangeType string

const (
	ChangeTypeAdded    ChangeType = "added"
	ChangeTypeModified ChangeType = "modified"
	ChangeTypeDeleted  ChangeType = "deleted"
)

// ConfigChange 配置变更
type ConfigChange struct {
	Path            string      `json:"path"` // 如 "risk.atr_multiplier"
	Type            ChangeType  `json:"type"`
	OldValue        interface{} `json:"old_value"`
	NewValue        interface{} `json:"new_value"`
	RequiresRestart bool        `json:"requires_restart"`
}

// ConfigDiff 配置差异
type ConfigDiff struct {
	Changes         []ConfigChange `json:"changes"`
	RequiresRestart bool           `json:"requires_restart"`
}

// 运行中会话无法感知的配置段，修改后需要重启
var restartPrefixes = []string{
	"app.name",
	"app.default_broker",
	"app.timezone",
	"app.env_file",
	"brokers",
	"stream",
	"database",
	"distributed_lock",
	"web",
	"system.log_dir",
	"system.log_to_file",
	"system.log_db",
	"system.metrics_interval",
}

// DiffConfig 对比两个配置，生成差异
func DiffConfig(oldConfig, newConfig *Config) *ConfigDiff {
	diff := &ConfigDiff{Changes: []ConfigChange{}}
	diff.walk(reflect.ValueOf(oldConfig), reflect.ValueOf(newConfig), "")

	for _, change := range diff.Changes {
		if change.RequiresRestart {
			diff.RequiresRestart = true
			break
		}
	}
	return diff
}

// HotChanges 返回可热更新的变更
func (d *ConfigDiff) HotChanges() []ConfigChange {
	out := make([]ConfigChange, 0, len(d.Changes))
	for _, c := range d.Changes {
		if !c.RequiresRestart {
			out = append(out, c)
		}
	}
	return out
}

func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return base + "." + name
}

func (d *ConfigDiff) walk(oldVal, newVal reflect.Value, path string) {
	for oldVal.IsValid() && oldVal.Kind() == reflect.Ptr {
		if oldVal.IsNil() {
			oldVal = reflect.Value{}
			break
		}
		oldVal = oldVal.Elem()
	}
	for newVal.IsValid() && newVal.Kind() == reflect.Ptr {
		if newVal.IsNil() {
			newVal = reflect.Value{}
			break
		}
		newVal = newVal.Elem()
	}

	switch {
	case !oldVal.IsValid() && !newVal.IsValid():
		return
	case !newVal.IsValid():
		d.add(path, ChangeTypeDeleted, oldVal.Interface(), nil)
		return
	case !oldVal.IsValid():
		d.add(path, ChangeTypeAdded, nil, newVal.Interface())
		return
	}

	switch oldVal.Kind() {
	case reflect.Struct:
		typ := oldVal.Type()
		for i := 0; i < typ.NumField(); i++ {
			name := strings.Split(typ.Field(i).Tag.Get("yaml"), ",")[0]
			if name == "" || name == "-" {
				continue
			}
			d.walk(oldVal.Field(i), newVal.Field(i), joinPath(path, name))
		}
	case reflect.Map:
		for _, key := range oldVal.MapKeys() {
			keyPath := joinPath(path, fmt.Sprintf("%v", key.Interface()))
			if nv := newVal.MapIndex(key); nv.IsValid() {
				d.walk(oldVal.MapIndex(key), nv, keyPath)
			} else {
				d.add(keyPath, ChangeTypeDeleted, oldVal.MapIndex(key).Interface(), nil)
			}
		}
		for _, key := range newVal.MapKeys() {
			if !oldVal.MapIndex(key).IsValid() {
				d.add(joinPath(path, fmt.Sprintf("%v", key.Interface())), ChangeTypeAdded, nil, newVal.MapIndex(key).Interface())
			}
		}
	default:
		if !reflect.DeepEqual(oldVal.Interface(), newVal.Interface()) {
			d.add(path, ChangeTypeModified, oldVal.Interface(), newVal.Interface())
		}
	}
}

func (d *ConfigDiff) add(path string, changeType ChangeType, oldValue, newValue interface{}) {
	d.Changes = append(d.Changes, ConfigChange{
		Path:            path,
		Type:            changeType,
		OldValue:        oldValue,
		NewValue:        newValue,
		RequiresRestart: requiresRestart(path),
	})
}

func requiresRestart(path string) bool {
	for _, prefix := range restartPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+".") {
			return true
		}
	}
	return false
}
