package plan

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `---
project: Payments rework
description: Split the payments monolith
---

# Overview

Anything outside task headings is ignored.

## Task 1: Extract the ledger interface
type: refactor
priority: 7
depends_on: none
tags: go, payments

Pull the ledger behind an interface so the batch job can be ported
independently.

## Task 2: Port the batch job
type: build
depends_on: 1
timeout_minutes: 90

## Task 3: Cut over
type: release
priority: 9
depends_on: 1, 2
max_retries: 1
`

func TestParsePlan(t *testing.T) {
	p, err := NewParser().Parse(strings.NewReader(samplePlan))
	require.NoError(t, err)

	assert.Equal(t, "Payments rework", p.Project)
	assert.Equal(t, "Split the payments monolith", p.Description)
	require.Len(t, p.Tasks, 3)

	first := p.Tasks[0]
	assert.Equal(t, "Extract the ledger interface", first.Title)
	assert.Equal(t, "refactor", first.TaskType)
	assert.Equal(t, 7, first.Priority)
	assert.Empty(t, first.Dependencies)
	assert.Equal(t, []string{"go", "payments"}, first.Tags)
	assert.Contains(t, first.Description, "behind an interface")

	second := p.Tasks[1]
	assert.Equal(t, "Port the batch job", second.Title)
	assert.Equal(t, []int64{0}, second.Dependencies, "plan numbers become batch positions")
	require.NotNil(t, second.TimeoutMinutes)
	assert.Equal(t, 90, *second.TimeoutMinutes)
	assert.Empty(t, second.Description)

	third := p.Tasks[2]
	assert.Equal(t, []int64{0, 1}, third.Dependencies)
	assert.Equal(t, 1, third.MaxRetries)
}

func TestParsePlanWithoutFrontmatter(t *testing.T) {
	src := "## Task 1: Only task\ntype: general\n\nBody.\n"
	p, err := NewParser().Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Empty(t, p.Project)
	require.Len(t, p.Tasks, 1)
	assert.Equal(t, "Only task", p.Tasks[0].Title)
	assert.Equal(t, "Body.", p.Tasks[0].Description)
}

func TestParsePlanErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no tasks", "# Just prose\n\nNothing here.\n"},
		{"gap in numbering", "## Task 1: a\n\n## Task 3: c\n"},
		{"duplicate number", "## Task 1: a\n\n## Task 1: b\n"},
		{"bad depends_on", "## Task 1: a\ndepends_on: soon\n"},
		{"bad priority", "## Task 1: a\npriority: high\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewParser().Parse(strings.NewReader(tt.src))
			require.Error(t, err)
		})
	}
}

func TestTaskTypeDefaultsToGeneral(t *testing.T) {
	src := "## Task 1: untyped\n\nBody only.\n"
	p, err := NewParser().Parse(strings.NewReader(src))
	require.NoError(t, err)
	assert.Equal(t, "general", p.Tasks[0].TaskType)
}
