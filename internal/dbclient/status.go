package dbclient

import (
	"context"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/adapter"
	"github.com/MarioHBS/knn-portal-backend-sub001/internal/breaker"
)

// AdapterStatus is the health of one adapter.
type AdapterStatus struct {
	Role    string `json:"role"`
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// Status is a point-in-time view of the client.
type Status struct {
	Breaker  breaker.Snapshot `json:"breaker"`
	Adapters []AdapterStatus  `json:"adapters"`
}

// Healthy reports whether at least one adapter can serve requests.
func (s Status) Healthy() bool {
	for _, a := range s.Adapters {
		if a.Healthy {
			return true
		}
	}
	return false
}

// Status pings both adapters directly. Pings bypass the breaker and are not
// counted by it.
func (c *Client) Status(ctx context.Context) Status {
	return Status{
		Breaker: c.breaker.Snapshot(),
		Adapters: []AdapterStatus{
			c.ping(ctx, breaker.Primary.String(), c.primary),
			c.ping(ctx, breaker.Secondary.String(), c.secondary),
		},
	}
}

func (c *Client) ping(ctx context.Context, role string, a adapter.Adapter) AdapterStatus {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	st := AdapterStatus{Role: role, Name: a.Name(), Healthy: true}
	if err := a.Ping(ctx); err != nil {
		st.Healthy = false
		st.Error = err.Error()
	}
	return st
}
