package groutine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoPropagatesName(t *testing.T) {
	names := make(chan string, 1)
	Go(nil, "worker-42", func(ctx context.Context) { //nolint:staticcheck // nil parent is part of the contract
		names <- GetName(ctx)
	})

	select {
	case name := <-names:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestProtect(t *testing.T) {
	assert.NoError(t, Protect(func() error { return nil }))

	boom := errors.New("boom")
	assert.Same(t, boom, Protect(func() error { return boom }))

	err := Protect(func() error { panic("kaput") })
	var perr *PanicError
	require.ErrorAs(t, err, &perr, "panic MUST be converted into *PanicError")
	assert.Equal(t, "kaput", perr.Value)
	assert.NotEmpty(t, perr.Stack)
	assert.Equal(t, "panic: kaput", err.Error())
}

func TestGetNameWithoutValue(t *testing.T) {
	assert.Equal(t, "", GetName(context.Background()))
	assert.NotZero(t, GetGID())
}
