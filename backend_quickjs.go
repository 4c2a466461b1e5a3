//go:build !v8

package webworker

import (
	"github.com/cryguy/webworker/internal/core"
	"github.com/cryguy/webworker/internal/quickjs"
)

func newEngine(cfg core.Config) (core.JSRuntime, error) {
	return quickjs.New(cfg)
}
