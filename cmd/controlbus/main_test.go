package main

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Help(t *testing.T) {
	assert.NoError(t, run([]string{"--help"}))
}

func TestRun_InvalidConfig(t *testing.T) {
	assert.Error(t, run([]string{"--env-file", "", "--pickup-timeout", "0s"}))
	assert.Error(t, run([]string{"--env-file", "", "--pickup-timeout", "soon"}))
}

func TestRun_BindFailureIsFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	err = run([]string{"--env-file", "", "--control-bus", "--addr", ln.Addr().String(), "--log-level", "error"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binding")
}
