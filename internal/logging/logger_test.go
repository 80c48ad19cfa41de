package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoggerWritesLevelAndPairs(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("anchor", &buf)

	l.Warn("no OCR tokens", "words", 0, "lines", 0)

	out := buf.String()
	require.Contains(t, out, "[anchor] ")
	require.Contains(t, out, "[WARN] no OCR tokens words=0 lines=0")
}

func TestLoggerWithBindsFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("processor", &buf).With("job", "j-1")

	l.Info("step", "n", 3)

	require.Contains(t, buf.String(), "[INFO] step job=j-1 n=3")
}

func TestLoggerIgnoresDanglingKey(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerWithWriter("roi", &buf)

	l.Error("odd", "key")

	require.Contains(t, buf.String(), "[ERROR] odd\n")
}
