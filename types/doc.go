// Package types provides core types used across the taskmesh coordinator.
// This package has ZERO dependencies on other taskmesh packages to avoid
// circular imports. All other packages should import types from here.
package types
