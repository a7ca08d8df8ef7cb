package log

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
)

func BenchmarkTraceLogging(b *testing.B) {
	Root().SetHandler(LvlFilterHandler(LvlInfo, StreamHandler(os.Stderr, TerminalFormat(true))))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Trace("a message", "v", i)
	}
}

type notimeHandler struct {
	next Handler
}

func (n notimeHandler) Log(r *Record) error {
	r.Time = time.Unix(0, 0).UTC()
	return n.next.Log(r)
}

func TestLvlFilter(t *testing.T) {
	out := new(bytes.Buffer)
	logger := New()
	logger.SetHandler(LvlFilterHandler(LvlInfo, StreamHandler(out, TerminalFormat(false))))

	logger.Debug("dropped message")
	if out.Len() != 0 {
		t.Fatalf("debug record passed the info filter: %q", out.String())
	}
	logger.Info("kept message")
	if !strings.Contains(out.String(), "kept message") {
		t.Fatalf("info record missing from output: %q", out.String())
	}
}

func TestGlogVerbosity(t *testing.T) {
	out := new(bytes.Buffer)
	logger := New()
	glog := NewGlogHandler(StreamHandler(out, TerminalFormat(false)))
	glog.Verbosity(LvlWarn)
	logger.SetHandler(notimeHandler{glog})

	logger.Info("too verbose")
	if out.Len() != 0 {
		t.Fatalf("info record passed the warn ceiling: %q", out.String())
	}
	logger.Warn("a warning", "foo", "bar")
	have := out.String()
	want := `WARN [01-01|00:00:00.000] a warning                                foo=bar
`
	if have != want {
		t.Errorf("\nhave: %q\nwant: %q\n", have, want)
	}
}

func TestChildLoggerContext(t *testing.T) {
	out := new(bytes.Buffer)
	logger := New("peer", "abcd")
	logger.SetHandler(StreamHandler(out, LogfmtFormat()))

	child := logger.New("proto", "eth")
	child.Info("status exchanged", "version", uint(66))

	line := out.String()
	for _, kv := range []string{"peer=abcd", "proto=eth", "version=66", `msg="status exchanged"`} {
		if !strings.Contains(line, kv) {
			t.Errorf("output %q is missing %q", line, kv)
		}
	}
}

func TestVmoduleSyntax(t *testing.T) {
	glog := NewGlogHandler(DiscardHandler())
	if err := glog.Vmodule("peer.go=5,rlpx/*=4"); err != nil {
		t.Fatalf("valid vmodule pattern rejected: %v", err)
	}
	if err := glog.Vmodule("nonsense"); err != errVmoduleSyntax {
		t.Fatalf("want errVmoduleSyntax, got %v", err)
	}
	if err := glog.BacktraceAt("not-a-location"); err != errTraceSyntax {
		t.Fatalf("want errTraceSyntax, got %v", err)
	}
}
