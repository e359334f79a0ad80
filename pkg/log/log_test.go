package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMergeFielders(t *testing.T) {
	first := Fields{"a": 1}
	merged := mergeFielders(first, Fields{"b": 2}, nil, Fields{"c": 3})

	require.Equal(t, 1, merged["a"])
	require.Equal(t, 2, merged["1.b"])
	require.Equal(t, 3, merged["3.c"])
	require.Len(t, first, 1, "the first Fielder must not be modified")
}

func TestErrFields(t *testing.T) {
	f := Err(errors.New("boom")).LogFields()
	require.Equal(t, "boom", f["error"])
	require.Equal(t, "*errors.errorString", f["type"])
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetLevel("info")

	require.NotNil(t, SetLevel("verbose"))

	require.Nil(t, SetLevel("warn"))
	Info("hidden")
	require.Zero(t, buf.Len())

	Warn("shown", Fields{"k": "v"})
	require.Contains(t, buf.String(), "shown")
	require.Contains(t, buf.String(), "k=v")

	buf.Reset()
	require.Nil(t, SetLevel("debug"))
	Debug("debugging")
	require.Contains(t, buf.String(), "debugging")
}
