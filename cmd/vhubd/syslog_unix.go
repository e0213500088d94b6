//go:build unix

package main

import (
	"io"
	"log/syslog"
)

func newSyslogWriter(suffix string) (io.Writer, error) {
	tag := "vhubd"
	if suffix != "" {
		tag += "-" + suffix
	}
	return syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
}
