package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatTimeSameYear(t *testing.T) {
	now := time.Now()
	got := formatTime(now)

	assert.Contains(t, got, ":")
	assert.NotContains(t, got, now.Format("2006"))
}

func TestFormatTimeDifferentYear(t *testing.T) {
	old := time.Date(2019, time.March, 5, 10, 0, 0, 0, time.UTC)

	assert.Equal(t, "Mar  5  2019", formatTime(old))
}

func TestPrintTableAlignsColumns(t *testing.T) {
	var sb strings.Builder

	printTable(&sb, []string{"ID", "STATUS"}, [][]string{
		{"a-very-long-id", "pending"},
		{"b", "dead"},
	})

	lines := strings.Split(strings.TrimRight(sb.String(), "\n"), "\n")
	assert.Len(t, lines, 3)

	// Every STATUS cell starts at the same column.
	statusCol := strings.Index(lines[0], "STATUS")
	assert.Equal(t, statusCol, strings.Index(lines[1], "pending"))
	assert.Equal(t, statusCol, strings.Index(lines[2], "dead"))
}

func TestPrintTableEmptyRows(t *testing.T) {
	var sb strings.Builder

	printTable(&sb, []string{"ID"}, nil)

	assert.Equal(t, "ID\n", sb.String())
}
