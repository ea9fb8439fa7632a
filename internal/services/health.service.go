package services

import (
	"context"
	"fmt"
	"time"
)

// Pinger is any dependency that can report its own reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthService struct {
	deps    map[string]Pinger
	timeout time.Duration
}

func NewHealthService(deps map[string]Pinger) *HealthService {
	return &HealthService{deps: deps, timeout: 2 * time.Second}
}

// Check pings every dependency and returns the first failure by name.
func (s *HealthService) Check(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := make(map[string]string, len(s.deps))
	var firstErr error
	for name, dep := range s.deps {
		if err := dep.Ping(ctx); err != nil {
			status[name] = "down"
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
			continue
		}
		status[name] = "up"
	}
	return status, firstErr
}
