package middleware

import (
	"context"
	"errors"
	"testing"

	pkglog "Atelier/pkg/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedMiddleware(t *testing.T) (*observer.ObservedLogs, func(context.Context, func(ctx context.Context)) error) {
	t.Helper()

	core, logs := observer.New(zapcore.InfoLevel)
	logger := pkglog.NewKratosAdapter(zap.New(core))

	mw := Logging(logger)
	invoke := func(ctx context.Context, inspect func(ctx context.Context)) error {
		handler := mw(func(ctx context.Context, req interface{}) (interface{}, error) {
			if inspect != nil {
				inspect(ctx)
			}
			return nil, nil
		})
		_, err := handler(ctx, nil)
		return err
	}
	return logs, invoke
}

func TestLogging_AssignsRequestID(t *testing.T) {
	logs, invoke := observedMiddleware(t)

	var seen string
	require.NoError(t, invoke(context.Background(), func(ctx context.Context) {
		seen = pkglog.GetRequestID(ctx)
	}))

	// A request id was generated and handed to the handler's context.
	require.Len(t, seen, 10)

	entries := logs.FilterField(zap.String("request_id", seen)).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
}

func TestLogging_CarriesPromptID(t *testing.T) {
	logs, invoke := observedMiddleware(t)

	require.NoError(t, invoke(context.Background(), func(ctx context.Context) {
		pkglog.SetPromptID(ctx, "prompt-9")
	}))

	// A prompt id recorded downstream shows up on the request log line.
	entries := logs.FilterField(zap.String("prompt_id", "prompt-9")).All()
	require.Len(t, entries, 1)
}

func TestLogging_WarnsOnError(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := pkglog.NewKratosAdapter(zap.New(core))

	handler := Logging(logger)(func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})
	_, err := handler(context.Background(), nil)
	require.Error(t, err)

	entries := logs.FilterField(zap.String("error", "boom")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestExtractClientIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", extractClientIP("192.168.1.5:1234", "10.0.0.1, 10.0.0.2"))
	assert.Equal(t, "192.168.1.5", extractClientIP("192.168.1.5:1234", ""))
	assert.Equal(t, "weird", extractClientIP("weird", ""))
}
