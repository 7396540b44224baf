package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvOrPrefersPrefixedName(t *testing.T) {
	t.Setenv("SCENEFORGE_JWT_SECRET", "prefixed")
	t.Setenv("JWT_SECRET", "bare")
	assert.Equal(t, "prefixed", envOr("", "SCENEFORGE_JWT_SECRET", "JWT_SECRET"))
}

func TestEnvOrFallsBackToBareAlias(t *testing.T) {
	t.Setenv("SCENEFORGE_JWT_SECRET", "")
	t.Setenv("JWT_SECRET", "bare")
	assert.Equal(t, "bare", envOr("", "SCENEFORGE_JWT_SECRET", "JWT_SECRET"))
	assert.Equal(t, "fallback", envOr("fallback", "SCENEFORGE_NOPE", "ALSO_NOPE"))
}

func TestEnvOrIntAndDuration(t *testing.T) {
	t.Setenv("JWT_ACCESS_EXPIRY_MINS", "30")
	assert.Equal(t, 30, envOrInt(15, "SCENEFORGE_ACCESS_EXPIRY_MINS", "JWT_ACCESS_EXPIRY_MINS"))
	assert.Equal(t, 15, envOrInt(15, "SCENEFORGE_NOPE"))

	t.Setenv("SCENEFORGE_SCHEDULER_INTERVAL", "2s")
	assert.Equal(t, 2*time.Second, envOrDuration(0, "SCENEFORGE_SCHEDULER_INTERVAL"))
}

func TestDefaultHTTPAddrComposesHostAndPort(t *testing.T) {
	t.Setenv("SCENEFORGE_HTTP_ADDR", "")
	t.Setenv("HOST", "")
	t.Setenv("PORT", "")
	assert.Equal(t, ":8080", defaultHTTPAddr())

	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "9000")
	assert.Equal(t, "0.0.0.0:9000", defaultHTTPAddr())

	// The explicit address variable wins over HOST/PORT.
	t.Setenv("SCENEFORGE_HTTP_ADDR", ":7070")
	assert.Equal(t, ":7070", defaultHTTPAddr())
}

func TestDefaultDBDriverFollowsDatabaseURL(t *testing.T) {
	t.Setenv("SCENEFORGE_DB_DRIVER", "")
	t.Setenv("SCENEFORGE_DB_DSN", "")
	t.Setenv("DATABASE_URL", "")
	assert.Equal(t, "sqlite", defaultDBDriver())

	t.Setenv("DATABASE_URL", "postgres://sf:sf@localhost:5432/sceneforge")
	assert.Equal(t, "postgres", defaultDBDriver())

	// An explicit driver or DSN keeps its own choice.
	t.Setenv("SCENEFORGE_DB_DRIVER", "sqlite")
	assert.Equal(t, "sqlite", defaultDBDriver())
}
