package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("pkg.mod.noop", Entry{
		Handler: func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
			return nil
		},
		Queue:       "default",
		HardTimeout: 30,
	})

	e, err := r.Lookup("pkg.mod.noop")
	require.NoError(t, err)
	require.Equal(t, "default", e.Queue)
	require.Equal(t, float64(30), e.HardTimeout)
	require.NoError(t, e.Handler(context.Background(), nil, nil))
}

func TestLookupUnresolvable(t *testing.T) {
	r := New()
	_, err := r.Lookup("pkg.mod.missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnresolvable))
}

func TestFuncRegistersBareHandler(t *testing.T) {
	r := New()
	called := false
	r.Func("pkg.mod.simple", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) error {
		called = true
		return nil
	})

	e, err := r.Lookup("pkg.mod.simple")
	require.NoError(t, err)
	require.NoError(t, e.Handler(context.Background(), nil, nil))
	require.True(t, called)
}

func TestNames(t *testing.T) {
	r := New()
	r.Func("a", func(context.Context, []interface{}, map[string]interface{}) error { return nil })
	r.Func("b", func(context.Context, []interface{}, map[string]interface{}) error { return nil })
	require.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
