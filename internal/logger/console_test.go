package logger

import (
	"bytes"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(&buf, "warn")

	log.Tracef("trace %d", 1)
	log.Debugf("debug %d", 2)
	log.Infof("info %d", 3)
	log.Warnf("warn %d", 4)
	log.Errorf("error %d", 5)

	out := buf.String()
	assert.NotContains(t, out, "trace 1")
	assert.NotContains(t, out, "debug 2")
	assert.NotContains(t, out, "info 3")
	assert.Contains(t, out, "warn 4")
	assert.Contains(t, out, "error 5")
}

func TestOutputFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(&buf, "info")
	log.Infof("hello %s", "world")

	// [HH:MM:SS] LEVEL message
	assert.Regexp(t, regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] INFO\s+hello world\n$`), buf.String())
}

func TestUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(&buf, "chatty")

	log.Debugf("hidden")
	log.Infof("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNilWriterDiscards(t *testing.T) {
	log := NewConsoleLogger(nil, "trace")
	// Must not panic.
	log.Infof("into the void")
}

func TestConcurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(&buf, "info")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			log.Infof("line %d", n)
		}(i)
	}
	wg.Wait()

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 20, lines)
}
