package ibgw

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newRecorder builds a *zap.Logger writing one NDJSON line per frame to
// <dir>/frames-<pid>.log (§6, "Recording hook"). An empty dir falls
// back to the IBAPI_RECORDING_DIR environment variable; when both are
// empty it returns a nil logger and nothing is recorded. This is purely
// observational and disabled by default; it builds its own JSON
// encoder over a file sink rather than going through
// internal/logging.New.
func newRecorder(dir string) (*zap.Logger, error) {
	if dir == "" {
		dir = os.Getenv("IBAPI_RECORDING_DIR")
	}
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("frames-%d.log", os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open recording file: %w", err)
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:     "ts",
		LevelKey:    "",
		MessageKey:  "dir",
		EncodeTime:  zapcore.ISO8601TimeEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(f), zapcore.DebugLevel)
	return zap.New(core), nil
}

// recordFrame appends one frame to the recorder, if configured.
func recordFrame(rec *zap.Logger, direction string, f Frame) {
	if rec == nil {
		return
	}
	fields := make([]zap.Field, 0, len(f)+1)
	fields = append(fields, zap.Int("field_count", len(f)))
	for i, field := range f {
		fields = append(fields, zap.String("f"+strconv.Itoa(i), field))
	}
	rec.Info(direction, fields...)
}
