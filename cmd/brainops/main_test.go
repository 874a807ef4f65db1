package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/raold/second-brain-sub001/internal/cli"
	"github.com/raold/second-brain-sub001/pkg/version"
)

func TestMainComponents(t *testing.T) {
	t.Run("cli root command", func(t *testing.T) {
		root := cli.NewRootCmd(version.GetVersion())
		if root == nil {
			t.Fatal("expected root command to be non-nil")
		}
		assert.Equal(t, "brainops", root.Use)
		for _, name := range []string{"import", "export", "update", "delete", "ops", "migrate", "maintenance", "config"} {
			sub, _, err := root.Find([]string{name})
			if assert.NoError(t, err, name) {
				assert.Equal(t, name, sub.Name())
			}
		}
	})
}

func TestRun(t *testing.T) {
	t.Setenv("BRAINOPS_HOME", t.TempDir())
	t.Setenv("BRAINOPS_CONFIG", "")

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{name: "version", args: []string{"--version"}, wantCode: 0, wantOut: "brainops version"},
		{name: "help", args: []string{"--help"}, wantCode: 0, wantOut: "migrate"},
		{name: "unknown command", args: []string{"frobnicate"}, wantCode: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, tt.wantCode, code, stderr.String())
			assert.Contains(t, stdout.String(), tt.wantOut)
		})
	}
}
