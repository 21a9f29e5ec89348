package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		return Status{Name: "store", Healthy: true}
	})
	r.Register("upstream", func(ctx context.Context) Status {
		return Status{Name: "upstream", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	assert.Len(t, statuses, 2)
}

func TestCheckAllUnhealthySubsystem(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		return Status{Name: "store", Healthy: true}
	})
	r.Register("upstream", func(ctx context.Context) Status {
		return Status{Name: "upstream", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestCheckAllPreservesOrderAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(ctx context.Context) Status {
		// Name left empty; the registry fills in the registered name.
		return Status{Healthy: true}
	})
	r.Register("breaker", func(ctx context.Context) Status {
		return Status{Name: "breaker", Healthy: true}
	})

	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "store", statuses[0].Name)
	assert.Equal(t, "breaker", statuses[1].Name)
}

func TestPingChecker(t *testing.T) {
	ok := PingChecker("db", func(ctx context.Context) error { return nil })
	assert.True(t, ok(context.Background()).Healthy)

	bad := PingChecker("db", func(ctx context.Context) error { return errors.New("down") })
	st := bad(context.Background())
	assert.False(t, st.Healthy)
	assert.Equal(t, "down", st.Detail)
}
