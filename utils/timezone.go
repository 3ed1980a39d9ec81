package utils

import (
	"time"
)

var (
	// GlobalLocation 全局配置的时区
	GlobalLocation *time.Location
)

func init() {
	// 默认使用印度标准时间（NSE/BSE 交易时区）
	SetLocation("Asia/Kolkata")
}

// SetLocation 设置全局时区
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// tzdata 缺失时退回固定偏移
		if name == "Asia/Kolkata" || name == "IST" || name == "UTC+5:30" {
			GlobalLocation = time.FixedZone("IST", 5*60*60+30*60)
			return nil
		}
		if GlobalLocation == nil {
			GlobalLocation = time.Local
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}
