package query

import (
	"github.com/wehubfusion/Argus/pkg/query/input"
	"github.com/wehubfusion/Argus/pkg/query/output"
	"github.com/wehubfusion/Argus/pkg/query/ratelimit"
	"github.com/wehubfusion/Argus/pkg/query/selector"
	"github.com/wehubfusion/Argus/pkg/query/stage"
)

type (
	// Context aliases
	QueryContext = stage.Context
	Processor    = stage.Processor

	// Stage aliases
	StreamRuntime     = input.StreamRuntime
	Selector          = selector.Selector
	OutputRateLimiter = ratelimit.OutputRateLimiter
	OutputCallback    = output.Callback
	QueryCallback     = output.QueryCallback
)

var (
	NewQueryContext = stage.NewContext
	NewPassThrough  = ratelimit.NewPassThrough
	NewCountBatch   = ratelimit.NewCountBatch
)
