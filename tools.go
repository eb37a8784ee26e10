//go:build tools
// +build tools

// Package tools tracks build-time tool dependencies such as mockgen.
package main

import (
	_ "go.uber.org/mock/mockgen"
)
