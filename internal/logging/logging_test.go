package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLevelForVerbosity(t *testing.T) {
	cases := map[int]zapcore.Level{
		-1: zapcore.WarnLevel,
		0:  zapcore.WarnLevel,
		1:  zapcore.InfoLevel,
		2:  zapcore.DebugLevel,
		3:  zapcore.DebugLevel,
	}
	for v, want := range cases {
		if got := LevelForVerbosity(v); got != want {
			t.Errorf("LevelForVerbosity(%d) = %v, want %v", v, got, want)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
