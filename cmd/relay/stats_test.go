package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsCommand(t *testing.T) {
	req := require.New(t)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stats", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"clients":3,"uptime_seconds":125.4}`))
	}))
	defer ts.Close()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"stats", "--addr", ts.URL + "/"})

	req.NoError(root.ExecuteContext(context.Background()))
	req.Contains(out.String(), "Clients")
	req.Contains(out.String(), "3")
	req.Contains(out.String(), "2m5s")
}

func TestStatsCommandBadStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"stats", "--addr", ts.URL})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestVersionShort(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version", "--short"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "dev\n", out.String())
}

func TestServeRejectsBadConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "loud")

	root := newRootCmd()
	root.SetArgs([]string{"serve", "--env-file", t.TempDir() + "/missing.env"})

	err := root.Execute()
	require.Error(t, err)

	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitConfig, ee.code)
}

func TestChatRejectsInvalidURL(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetIn(&bytes.Buffer{})
	root.SetArgs([]string{"chat", "--url", "http://not-a-websocket"})

	err := root.Execute()
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, exitConfig, ee.code)
}
