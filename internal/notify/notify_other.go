//go:build !linux

package notify

import (
	"context"
	"log/slog"
)

// Reactor is unavailable off linux; NewReactor always fails.
type Reactor struct{}

func NewReactor(*slog.Logger) (*Reactor, error) { return nil, ErrUnsupported }
func (r *Reactor) Register(int, Handler) error  { return ErrUnsupported }
func (r *Reactor) Unregister(int) error         { return ErrUnsupported }
func (r *Reactor) Run(context.Context) error    { return ErrUnsupported }
func (r *Reactor) Stop()                        {}
func (r *Reactor) Close() error                 { return nil }

// Bridge is unavailable off linux; NewBridge always fails.
type Bridge struct{}

func NewBridge(*Reactor, TokenHandler, *slog.Logger) (*Bridge, error) { return nil, ErrUnsupported }
func (b *Bridge) Notify(uint64) error                                 { return ErrUnsupported }
func (b *Bridge) Close() error                                        { return nil }
