//go:build v8

package webworker

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/v8engine"
)

func newEngine(cfg core.Config) (core.JSRuntime, error) {
	return v8engine.New(cfg)
}
