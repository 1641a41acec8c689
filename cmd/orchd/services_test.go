package main

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchd/internal/orchestrator"
	"orchd/internal/platform"
	"orchd/internal/registry"
	"orchd/pkg/types"
)

func TestStartBinaryMissingBinaryClassified(t *testing.T) {
	pf := platform.New(zerolog.Nop(), platform.WithBinDir(t.TempDir()))
	start := startBinary(svcMCPRunner, "orchd-no-such-binary-on-this-host", pf, zerolog.Nop())

	_, err := start(context.Background(), registry.StartSpec{Mode: types.ModeManaged, Port: 19999})
	var be *orchestrator.BinaryNotFoundError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, svcMCPRunner, be.Service)
	assert.Equal(t, "orchd-no-such-binary-on-this-host", be.Binary)
}

func TestStartHooksLaunchNothingInExternalMode(t *testing.T) {
	pf := platform.New(zerolog.Nop())

	h, err := startBinary(svcMCPRunner, mcpBinary, pf, zerolog.Nop())(
		context.Background(), registry.StartSpec{Mode: types.ModeExternal, ExternalURL: "http://10.0.0.5:8000"})
	require.NoError(t, err)
	assert.Nil(t, h)

	h, err = startContainer(svcRAGBackend, ragImage, ragContainerPort, zerolog.Nop())(
		context.Background(), registry.StartSpec{Mode: types.ModeExternal, ExternalURL: "http://10.0.0.5:8001"})
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestRegisterServicesDependencyOrder(t *testing.T) {
	pf := platform.New(zerolog.Nop())
	reg := registry.New(pf)
	require.NoError(t, registerServices(reg, pf, zerolog.Nop()))

	order, err := reg.ResolveOrder()
	require.NoError(t, err)
	pos := map[string]int{}
	for i, def := range order {
		pos[def.Name] = i
	}
	assert.Less(t, pos[svcRAGBackend], pos[svcMCPRunner])
}
