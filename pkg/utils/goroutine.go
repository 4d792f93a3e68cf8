// Package utils 通用工具
package utils

import (
	"runtime/debug"

	"go.uber.org/zap"

	"yqhp/dispatcher/pkg/logger"
)

// SafeGo 启动一个 goroutine，捕获 panic 并记录日志
func SafeGo(name string, fn func()) {
	SafeGoWithCallback(name, fn, nil)
}

// SafeGoWithCallback 启动一个 goroutine，panic 时调用 onPanic
func SafeGoWithCallback(name string, fn func(), onPanic func(r any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Named("safego").Error("goroutine panic recovered",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
