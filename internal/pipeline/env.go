// Package pipeline wires the iterator and validator state machines
// together behind a small worker pool (spec §4.8, §9). Module state is
// passed explicitly through a ModuleEnv value rather than read from
// package-level globals, the way teacher's RecursiveResolver carries
// its own cache/client rather than reaching for ambient state -
// generalized here into a shared environment multiple concurrent
// workers operate over.
package pipeline

import (
	"github.com/jmhodges/clock"
	"github.com/sirupsen/logrus"

	"github.com/rolandshoemaker/recursor/internal/cache"
	"github.com/rolandshoemaker/recursor/internal/iterator"
	"github.com/rolandshoemaker/recursor/internal/validator"
)

// ModuleEnv is the explicit, shared environment every pipeline event
// handler operates over (spec §9: "an explicit module environment,
// not ambient globals").
type ModuleEnv struct {
	Iterator  *iterator.Iterator
	Validator *validator.Validator
	Messages  *cache.MessageCache
	RRsets    *cache.RRsetCache
	Keys      *cache.KeyCache
	Infra     *cache.InfraCache
	Clock     clock.Clock
	Log       *logrus.Entry
}

func (e *ModuleEnv) clk() clock.Clock {
	if e.Clock != nil {
		return e.Clock
	}
	return clock.Default()
}

func (e *ModuleEnv) logger() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
