package automount_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/bootmedia/pkg/automount"
)

type fakeAutoMounter struct {
	enabled bool
	readErr error
	setErr  error
	sets    []bool
}

func (f *fakeAutoMounter) AutoMountEnabled() (bool, error) {
	return f.enabled, f.readErr
}

func (f *fakeAutoMounter) SetAutoMount(enabled bool) error {
	f.sets = append(f.sets, enabled)
	if f.setErr != nil {
		return f.setErr
	}
	f.enabled = enabled
	return nil
}

func TestWithDisabledRestores(t *testing.T) {
	am := &fakeAutoMounter{enabled: true}
	g := automount.New(am)

	var during bool
	err := g.WithDisabled(context.Background(), func(ctx context.Context) error {
		during = am.enabled
		return nil
	})
	require.NoError(t, err)
	assert.False(t, during)
	assert.True(t, am.enabled)
	assert.Equal(t, []bool{false, true}, am.sets)
	assert.Equal(t, "auto-mount enabled", g.String())
}

func TestWithDisabledRestoresOnError(t *testing.T) {
	am := &fakeAutoMounter{enabled: true}
	boom := errors.New("boom")

	err := automount.New(am).WithDisabled(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.Equal(t, boom, err)
	assert.True(t, am.enabled)
}

func TestWithDisabledRestoresOnPanic(t *testing.T) {
	am := &fakeAutoMounter{enabled: true}

	assert.Panics(t, func() {
		_ = automount.New(am).WithDisabled(context.Background(), func(ctx context.Context) error {
			panic("boom")
		})
	})
	assert.True(t, am.enabled)
}

func TestWithDisabledRestoresOnCancel(t *testing.T) {
	am := &fakeAutoMounter{enabled: true}
	ctx, cancel := context.WithCancel(context.Background())

	err := automount.New(am).WithDisabled(ctx, func(ctx context.Context) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, am.enabled)
}

func TestWithDisabledAlreadyDisabled(t *testing.T) {
	am := &fakeAutoMounter{enabled: false}

	called := false
	err := automount.New(am).WithDisabled(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Empty(t, am.sets)
	assert.False(t, am.enabled)
}

func TestWithDisabledIgnoresToggleErrors(t *testing.T) {
	am := &fakeAutoMounter{enabled: true, setErr: errors.New("registry denied")}

	called := false
	err := automount.New(am).WithDisabled(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, []bool{false}, am.sets)

	am = &fakeAutoMounter{readErr: errors.New("registry denied")}
	err = automount.New(am).WithDisabled(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, am.sets)
	assert.Contains(t, automount.New(am).String(), "unknown")
}
