package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melonsched/melon/pkg/melonpb"
)

func testJob() *melonpb.Job {
	return &melonpb.Job{
		ID:         42,
		User:       "chris",
		ScriptPath: "/home/chris/train.sh",
		ScriptArgs: []string{"--epochs", "10"},
		ReqRes:     melonpb.RequestedResources{CPUCount: 4, Memory: 2 << 30, Time: 60},
		Status:     melonpb.JobStatusRunning,
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printTable(&buf, testJob(), time.Now()))
	out := buf.String()
	assert.Contains(t, out, "JOBID")
	assert.Contains(t, out, "train.sh")
	assert.Contains(t, out, "R")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, testJob()))

	var decoded melonpb.Job
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, uint64(42), decoded.ID)
	assert.Equal(t, "chris", decoded.User)
	assert.Equal(t, melonpb.JobStatusRunning, decoded.Status)
}
