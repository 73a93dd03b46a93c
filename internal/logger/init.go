package logger

import (
	"io"
	"log"
)

// InitLogger 初始化日志器
func InitLogger() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("Logger initialized")
}

// Silence 关闭标准日志输出，测试和基准场景使用
func Silence() func() {
	prev := log.Writer()
	log.SetOutput(io.Discard)
	return func() { log.SetOutput(prev) }
}
