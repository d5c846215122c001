//go:build vecfsdebug

package hnsw

const debugAssertions = true
