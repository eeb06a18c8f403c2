// Package testlog switches logging to the test profile and brackets each
// test's output with start and finish lines.
package testlog

import (
	"testing"
	"time"

	logs "github.com/danmuck/stanza/internal/logging"
)

func Start(t testing.TB) {
	t.Helper()
	logs.ConfigureTests()
	began := time.Now()
	logs.Debugf("testlog.Start test=%s", t.Name())
	t.Cleanup(func() {
		if t.Failed() {
			logs.Warnf("testlog.Finish test=%s failed took=%s", t.Name(), time.Since(began))
			return
		}
		logs.Debugf("testlog.Finish test=%s took=%s", t.Name(), time.Since(began))
	})
}
