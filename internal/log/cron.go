package log

import "github.com/robfig/cron/v3"

type cronLogger struct{}

// CronLogger adapts this package to cron.Logger. Cron's routine chatter
// goes to DEBUG.
func CronLogger() cron.Logger { return cronLogger{} }

func (cronLogger) Info(msg string, kv ...interface{}) {
	Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	Error("cron: "+msg, err, kv...)
}
