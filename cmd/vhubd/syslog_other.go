//go:build !unix

package main

import (
	"errors"
	"io"
)

func newSyslogWriter(suffix string) (io.Writer, error) {
	return nil, errors.New("syslog is only available on unix platforms")
}
