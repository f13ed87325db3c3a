package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hupe1980/golog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger builds a colored console logger and, when a log file is
// configured, tees into a rotated JSON file.
func newLogger(cfg *Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}

	consoleConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    colorLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(color.Output), level),
	}

	if cfg.LogFile != "" {
		fileConfig := zap.NewProductionEncoderConfig()
		fileConfig.EncodeTime = zapcore.ISO8601TimeEncoder

		rotator := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}

		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileConfig), zapcore.AddSync(rotator), level))
	}

	logger := zap.New(zapcore.NewTee(cores...),
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)

	return logger, nil
}

func colorLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString(color.BlueString("DEBUG"))
	case zapcore.InfoLevel:
		enc.AppendString(color.GreenString("INFO"))
	case zapcore.WarnLevel:
		enc.AppendString(color.YellowString("WARN"))
	case zapcore.ErrorLevel:
		enc.AppendString(color.RedString("ERROR"))
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		enc.AppendString(color.MagentaString("CRITICAL"))
	default:
		enc.AppendString(color.WhiteString(l.CapitalString()))
	}
}

// gologAdapter routes the library's leveled logging into zap.
type gologAdapter struct {
	sugar *zap.SugaredLogger
}

func newGologAdapter(logger *zap.Logger, name string) golog.Logger {
	return &gologAdapter{sugar: logger.Named(name).WithOptions(zap.AddCallerSkip(3)).Sugar()}
}

func (a *gologAdapter) Print(level golog.Level, v ...interface{}) {
	a.log(level, fmt.Sprint(v...))
}

func (a *gologAdapter) Println(level golog.Level, v ...interface{}) {
	a.log(level, strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

func (a *gologAdapter) Printf(level golog.Level, format string, args ...interface{}) {
	a.log(level, fmt.Sprintf(format, args...))
}

func (a *gologAdapter) log(level golog.Level, msg string) {
	switch level {
	case golog.DEBUG:
		a.sugar.Debug(msg)
	case golog.WARNING:
		a.sugar.Warn(msg)
	case golog.ERROR, golog.CRITICAL:
		a.sugar.Error(msg)
	default:
		a.sugar.Info(msg)
	}
}
