package main

import (
	"testing"

	"github.com/samber/do"
	"github.com/stretchr/testify/require"

	"tonbridge/internal/services"
)

func TestContainerResolvesTonLink(t *testing.T) {
	injector := NewContainer(map[string]string{})

	svc, err := do.Invoke[*services.ServiceTonLink](injector)
	require.NoError(t, err)
	require.NotNil(t, svc)
}
