package logging

import "time"

// Record is one emitted log event. Records are values and are never
// modified after construction, so they can be handed between goroutines freely.
type Record struct {
	AppName     string `json:"appName"`
	LoggerName  string `json:"loggerName"`
	Function    string `json:"function"`
	Line        int    `json:"line"`
	File        string `json:"fileName"`
	Time        int64  `json:"utime"`
	Message     string `json:"message"`
	Level       Level  `json:"-"`
	LevelString string `json:"levelString"`
}

// Timestamp returns the record time.
func (r Record) Timestamp() time.Time {
	return time.UnixMicro(r.Time)
}

// Subscriber receives records and enable/disable transitions.
type Subscriber interface {
	OnRecord(rec Record)
	OnState(enabled bool)
}
