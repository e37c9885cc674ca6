// Package util provides common utility functions shared across packages.
package util
