package health

import (
	"context"
	"fmt"
)

// Pinger is implemented by stores that can verify their connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StorageChecker checks alert store connectivity.
type StorageChecker struct {
	name   string
	pinger Pinger
}

// NewStorageChecker creates a checker reported under name (e.g., "sqlite").
func NewStorageChecker(name string, p Pinger) *StorageChecker {
	return &StorageChecker{name: name, pinger: p}
}

// Name returns the checker name.
func (c *StorageChecker) Name() string {
	return c.name
}

// Check pings the store.
func (c *StorageChecker) Check(ctx context.Context) error {
	if c.pinger == nil {
		return fmt.Errorf("storage not initialized")
	}
	return c.pinger.Ping(ctx)
}

// FuncChecker adapts a function to a Checker.
type FuncChecker struct {
	name  string
	check func(ctx context.Context) error
}

// NewFuncChecker creates a checker backed by fn.
func NewFuncChecker(name string, fn func(ctx context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: fn}
}

// Name returns the checker name.
func (c *FuncChecker) Name() string {
	return c.name
}

// Check runs the function.
func (c *FuncChecker) Check(ctx context.Context) error {
	return c.check(ctx)
}
