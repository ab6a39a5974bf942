package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSelectHostsFirstFit tests lexicographic first-fit selection.
func TestSelectHostsFirstFit(t *testing.T) {
	tests := []struct {
		name     string
		nodes    []Node
		n, c     int
		expected []string
		ok       bool
	}{
		{
			name: "picks first eligible in name order",
			nodes: []Node{
				{Name: "node3", IdleCores: 10, TotalCores: 10},
				{Name: "node1", IdleCores: 10, TotalCores: 10},
				{Name: "node2", IdleCores: 2, TotalCores: 10},
			},
			n: 1, c: 4,
			expected: []string{"node1"},
			ok:       true,
		},
		{
			name: "spans multiple nodes",
			nodes: []Node{
				{Name: "a", IdleCores: 8, TotalCores: 8},
				{Name: "b", IdleCores: 8, TotalCores: 8},
				{Name: "c", IdleCores: 8, TotalCores: 8},
			},
			n: 2, c: 8,
			expected: []string{"a", "b"},
			ok:       true,
		},
		{
			name: "not enough eligible nodes",
			nodes: []Node{
				{Name: "a", IdleCores: 2, TotalCores: 8},
				{Name: "b", IdleCores: 8, TotalCores: 8},
			},
			n: 2, c: 4,
			ok: false,
		},
		{
			name:  "empty node list",
			nodes: nil,
			n:     1, c: 1,
			ok: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hosts, ok := SelectHosts(FirstFit, tt.nodes, tt.n, tt.c, nil)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.expected, hosts)
			}
		})
	}
}

// TestSelectHostsBestFit tests that best-fit minimises leftover cores.
func TestSelectHostsBestFit(t *testing.T) {
	nodes := []Node{
		{Name: "big", IdleCores: 16, TotalCores: 16},
		{Name: "snug", IdleCores: 4, TotalCores: 16},
		{Name: "medium", IdleCores: 8, TotalCores: 16},
	}
	hosts, ok := SelectHosts(BestFit, nodes, 1, 4, nil)
	require.True(t, ok)
	assert.Equal(t, []string{"snug"}, hosts)

	hosts, ok = SelectHosts(BestFit, nodes, 2, 4, nil)
	require.True(t, ok)
	assert.Equal(t, []string{"snug", "medium"}, hosts)
}

// TestSelectHostsRoundRobin tests that the cursor rotates across passes.
func TestSelectHostsRoundRobin(t *testing.T) {
	nodes := []Node{
		{Name: "a", IdleCores: 8, TotalCores: 8},
		{Name: "b", IdleCores: 8, TotalCores: 8},
		{Name: "c", IdleCores: 8, TotalCores: 8},
	}
	cursor := 0
	first, ok := SelectHosts(RoundRobin, nodes, 1, 4, &cursor)
	require.True(t, ok)
	second, ok := SelectHosts(RoundRobin, nodes, 1, 4, &cursor)
	require.True(t, ok)
	assert.NotEqual(t, first[0], second[0])
}
